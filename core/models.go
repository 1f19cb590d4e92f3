package core

import (
	"time"
)

// ========== Slide geometry ==========

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Quad is a detected slide boundary with its four corners in canonical
// order: top-left, top-right, bottom-right, bottom-left.
type Quad [4]Point

func (q Quad) TopLeft() Point     { return q[0] }
func (q Quad) TopRight() Point    { return q[1] }
func (q Quad) BottomRight() Point { return q[2] }
func (q Quad) BottomLeft() Point  { return q[3] }

// Centroid returns the area-weighted center of the quad. The boolean is
// false for degenerate (zero-area) quads.
func (q Quad) Centroid() (float64, float64, bool) {
	var area, cx, cy float64
	for i := 0; i < 4; i++ {
		p0 := q[i]
		p1 := q[(i+1)%4]
		cross := float64(p0.X)*float64(p1.Y) - float64(p1.X)*float64(p0.Y)
		area += cross
		cx += (float64(p0.X) + float64(p1.X)) * cross
		cy += (float64(p0.Y) + float64(p1.Y)) * cross
	}
	area /= 2
	if area == 0 {
		return 0, 0, false
	}
	return cx / (6 * area), cy / (6 * area), true
}

// ========== Slide features and state ==========

// SlideFeatures are the signals extracted from one region. Phash is nil when
// hashing failed; zero is a legitimate hash value for a uniform region.
type SlideFeatures struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	Phash     *uint64   `json:"phash,omitempty"`
}

// SlideSummary is the structured document returned by the summarizer.
// Every key is an array of strings; an empty array means the element is
// not present on the slide.
type SlideSummary struct {
	Title       []string `json:"title"`
	Enumeration []string `json:"enumeration"`
	Equation    []string `json:"equation"`
	Table       []string `json:"table"`
	Image       []string `json:"image"`
	Code        []string `json:"code"`
	SlideNumber []string `json:"slide_number"`
	Summary     []string `json:"summary"`
}

// Normalize replaces nil slices with empty ones so the JSON shape stays
// stable across store round trips.
func (s *SlideSummary) Normalize() {
	if s.Title == nil {
		s.Title = []string{}
	}
	if s.Enumeration == nil {
		s.Enumeration = []string{}
	}
	if s.Equation == nil {
		s.Equation = []string{}
	}
	if s.Table == nil {
		s.Table = []string{}
	}
	if s.Image == nil {
		s.Image = []string{}
	}
	if s.Code == nil {
		s.Code = []string{}
	}
	if s.SlideNumber == nil {
		s.SlideNumber = []string{}
	}
	if s.Summary == nil {
		s.Summary = []string{}
	}
}

// SlideState is the last accepted slide. All fields are replaced together
// on every commit.
type SlideState struct {
	Text      string        `json:"text"`
	Embedding []float32     `json:"embedding,omitempty"`
	Phash     *uint64       `json:"phash,omitempty"`
	Summary   *SlideSummary `json:"summary,omitempty"`
	ImagePath string        `json:"image_path,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Empty reports whether the state has never been populated.
func (s *SlideState) Empty() bool {
	return s == nil || (s.Text == "" && len(s.Embedding) == 0 && s.Summary == nil)
}

type HistoryEntry struct {
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
	Summary   *SlideSummary `json:"summary,omitempty"`
	Metrics   ChangeMetrics `json:"metrics"`
}

// ========== Change detection ==========

type ChangeMetrics struct {
	SequenceSimilarity float64 `json:"sequence_similarity"`
	TokenDelta         float64 `json:"token_delta"`
	FuzzySimilarity    float64 `json:"fuzzy_similarity,omitempty"`
	CosineSimilarity   float64 `json:"cosine_similarity,omitempty"`
	PhashDistance      int     `json:"phash_distance,omitempty"`
	SSIMScore          float64 `json:"ssim_score,omitempty"`
	OCRCharCount       int     `json:"ocr_char_count"`
	OCRWordCount       int     `json:"ocr_word_count"`
	Reason             string  `json:"reason,omitempty"`
}

// Decision reason codes recorded in ChangeMetrics and debug payloads.
const (
	ReasonNoPrevious      = "no_previous_slide"
	ReasonNoRectangle     = "no_rectangle"
	ReasonInsufficientOCR = "insufficient_ocr_text"
	ReasonNewSlide        = "new_slide"
	ReasonSimilarContent  = "similar_content"
)

// ========== Request / response types ==========

type ProcessSlideResponse struct {
	Changed     bool           `json:"changed"`
	Detected    bool           `json:"slide_detected"`
	BoundingBox *Quad          `json:"bounding_box,omitempty"`
	Summary     *SlideSummary  `json:"summary,omitempty"`
	Metrics     ChangeMetrics  `json:"metrics"`
	Debug       map[string]any `json:"debug,omitempty"`
}

type SlideComparisonDetails struct {
	Detected             bool   `json:"slide_detected"`
	BoundingBox          *Quad  `json:"bounding_box,omitempty"`
	CroppedImageBase64   string `json:"cropped_image_base64,omitempty"`
	AnnotatedImageBase64 string `json:"annotated_image_base64,omitempty"`
	OCRText              string `json:"ocr_text"`
	OCRCharCount         int    `json:"ocr_char_count"`
	OCRWordCount         int    `json:"ocr_word_count"`
}

type CompareSlidesResponse struct {
	Slide1             SlideComparisonDetails `json:"slide1"`
	Slide2             SlideComparisonDetails `json:"slide2"`
	SequenceSimilarity float64                `json:"sequence_similarity"`
	TokenDelta         float64                `json:"token_delta"`
	SSIMScore          float64                `json:"ssim_score"`
	AreSameSlide       bool                   `json:"are_same_slide"`
	Changed            bool                   `json:"changed"`
}

type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
	Count   int            `json:"count"`
}

type HistorySearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type ArchiveHit struct {
	Sequence  int64   `json:"sequence"`
	Score     float64 `json:"score"`
	Text      string  `json:"text"`
	Summary   string  `json:"summary"`
	Timestamp string  `json:"timestamp"`
}

type HistorySearchResponse struct {
	Query string       `json:"query"`
	Hits  []ArchiveHit `json:"hits"`
}
