package processors

import (
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"

	"gocv.io/x/gocv"

	"slideSummarize/core"
)

// ========== Text similarity signals ==========

var wordRegex = regexp.MustCompile(`[\p{L}\p{N}_][\p{L}\p{N}_'-]*`)

func tokenize(text string) map[string]int {
	counts := map[string]int{}
	for _, tok := range wordRegex.FindAllString(strings.ToLower(text), -1) {
		counts[tok]++
	}
	return counts
}

// SequenceSimilarity returns 2*LCS(a,b)/(len(a)+len(b)) over runes, in
// [0,1] with 1 meaning identical. Two empty strings are identical.
func SequenceSimilarity(a, b string) float64 {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1.0
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}
	// Two-row LCS table.
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}

// TokenDeltaRatio is the symmetric word-frequency difference between two
// texts: 0 means identical token multisets, 1 means fully disjoint.
func TokenDeltaRatio(previous, current string) float64 {
	if previous == "" && current == "" {
		return 0.0
	}
	prevTokens := tokenize(previous)
	currTokens := tokenize(current)

	total := 0
	diff := 0
	seen := map[string]bool{}
	for tok, pc := range prevTokens {
		cc := currTokens[tok]
		total += max(pc, cc)
		diff += abs(pc - cc)
		seen[tok] = true
	}
	for tok, cc := range currTokens {
		if seen[tok] {
			continue
		}
		total += cc
		diff += cc
	}
	if total == 0 {
		return 0.0
	}
	return float64(diff) / float64(total)
}

// TokenSortSimilarity is a word-order-insensitive similarity: tokens are
// lower-cased, sorted and rejoined before sequence comparison.
func TokenSortSimilarity(a, b string) float64 {
	return SequenceSimilarity(sortedTokens(a), sortedTokens(b))
}

func sortedTokens(text string) string {
	toks := wordRegex.FindAllString(strings.ToLower(text), -1)
	sort.Strings(toks)
	return strings.Join(toks, " ")
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ========== Decision policy ==========

type PolicyStrategy string

const (
	PolicyText      PolicyStrategy = "text"      // sequence similarity + token delta
	PolicyEmbedding PolicyStrategy = "embedding" // fuzzy token-sort + embedding cosine
	PolicyVisual    PolicyStrategy = "visual"    // embedding cosine + perceptual hash
	PolicySSIM      PolicyStrategy = "ssim"      // structural similarity only
)

// ChangePolicy is one named combination of similarity signals with its
// thresholds. A slide is unchanged only when every configured signal clears
// its threshold; any signal outside its range flips the decision to
// changed.
type ChangePolicy struct {
	Strategy         PolicyStrategy `json:"strategy"`
	SeqThreshold     float64        `json:"seq_threshold"`
	TokenDeltaMax    float64        `json:"token_delta_max"`
	FuzzyThreshold   float64        `json:"fuzzy_threshold"`
	CosineThreshold  float64        `json:"cosine_threshold"`
	PhashMaxDistance int            `json:"phash_max_distance"`
	SSIMThreshold    float64        `json:"ssim_threshold"`
	MinOCRChars      int            `json:"min_ocr_chars"`
	MinOCRWords      int            `json:"min_ocr_words"`
}

// PolicyForStrategy returns the named policy with its default thresholds.
// Threshold values are configuration, not invariants; these defaults mirror
// the tuning the service shipped with.
func PolicyForStrategy(name string) (ChangePolicy, error) {
	base := ChangePolicy{
		MinOCRChars: 20,
		MinOCRWords: 3,
	}
	switch PolicyStrategy(strings.ToLower(strings.TrimSpace(name))) {
	case PolicyText, "":
		base.Strategy = PolicyText
		base.SeqThreshold = 0.85
		base.TokenDeltaMax = 0.20
	case PolicyEmbedding:
		base.Strategy = PolicyEmbedding
		base.FuzzyThreshold = 0.60
		base.CosineThreshold = 0.88
	case PolicyVisual:
		base.Strategy = PolicyVisual
		base.CosineThreshold = 0.92
		base.PhashMaxDistance = 10
	case PolicySSIM:
		base.Strategy = PolicySSIM
		base.SSIMThreshold = 0.60
	default:
		return ChangePolicy{}, fmt.Errorf("unknown change policy %q", name)
	}
	return base, nil
}

// NeedsEmbedding reports whether the policy compares embedding vectors.
func (p ChangePolicy) NeedsEmbedding() bool {
	return p.Strategy == PolicyEmbedding || p.Strategy == PolicyVisual
}

// NeedsPixels reports whether the policy compares raw region images.
func (p ChangePolicy) NeedsPixels() bool {
	return p.Strategy == PolicySSIM
}

// ChangeInputs carries everything a policy may compare. PrevImage and
// CurrImage are optional; they are only consulted by pixel-level policies.
type ChangeInputs struct {
	Previous  *core.SlideState
	Current   core.SlideFeatures
	PrevImage *gocv.Mat
	CurrImage *gocv.Mat
}

type ChangeDecision struct {
	Changed bool
	Metrics core.ChangeMetrics
}

// Detect decides whether the current frame shows a different slide than the
// cached one. A nil previous state is always a change; OCR output too short
// to trust is never a change.
func (p ChangePolicy) Detect(in ChangeInputs) ChangeDecision {
	charCount := len(in.Current.Text)
	wordCount := len(strings.Fields(in.Current.Text))
	metrics := core.ChangeMetrics{
		OCRCharCount: charCount,
		OCRWordCount: wordCount,
	}

	if in.Previous.Empty() {
		metrics.Reason = core.ReasonNoPrevious
		metrics.TokenDelta = 1.0
		return ChangeDecision{Changed: true, Metrics: metrics}
	}

	if charCount < p.MinOCRChars || wordCount < p.MinOCRWords {
		metrics.Reason = core.ReasonInsufficientOCR
		return ChangeDecision{Changed: false, Metrics: metrics}
	}

	// Text metrics are cheap; compute them for observability regardless of
	// which signals gate the decision.
	metrics.SequenceSimilarity = SequenceSimilarity(in.Previous.Text, in.Current.Text)
	metrics.TokenDelta = TokenDeltaRatio(in.Previous.Text, in.Current.Text)

	ok := true
	switch p.Strategy {
	case PolicyText:
		ok = metrics.SequenceSimilarity >= p.SeqThreshold && metrics.TokenDelta <= p.TokenDeltaMax

	case PolicyEmbedding:
		metrics.FuzzySimilarity = TokenSortSimilarity(in.Previous.Text, in.Current.Text)
		cos, hasCos := p.cosine(in, &metrics)
		ok = hasCos && metrics.FuzzySimilarity >= p.FuzzyThreshold && cos >= p.CosineThreshold

	case PolicyVisual:
		cos, hasCos := p.cosine(in, &metrics)
		phashOK := false
		if in.Previous.Phash != nil && in.Current.Phash != nil {
			metrics.PhashDistance = PhashDistance(*in.Previous.Phash, *in.Current.Phash)
			phashOK = metrics.PhashDistance <= p.PhashMaxDistance
		}
		ok = hasCos && cos >= p.CosineThreshold && phashOK

	case PolicySSIM:
		if in.PrevImage == nil || in.CurrImage == nil {
			log.Printf("[change] ssim policy without region images; treating as changed")
			ok = false
			break
		}
		score, err := SSIM(*in.PrevImage, *in.CurrImage)
		if err != nil {
			log.Printf("[change] ssim failed: %v; treating as changed", err)
			ok = false
			break
		}
		metrics.SSIMScore = score
		ok = score >= p.SSIMThreshold
	}

	if ok {
		metrics.Reason = core.ReasonSimilarContent
	} else {
		metrics.Reason = core.ReasonNewSlide
	}
	return ChangeDecision{Changed: !ok, Metrics: metrics}
}

// cosine fills the cosine metric when both embeddings exist. A missing
// embedding cannot confirm sameness, so the signal reports not-ok.
func (p ChangePolicy) cosine(in ChangeInputs, metrics *core.ChangeMetrics) (float64, bool) {
	if len(in.Previous.Embedding) == 0 || len(in.Current.Embedding) == 0 {
		return 0, false
	}
	cos := CosineSimilarity(in.Previous.Embedding, in.Current.Embedding)
	metrics.CosineSimilarity = cos
	return cos, true
}
