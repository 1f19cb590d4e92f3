package processors

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"slideSummarize/config"
	"slideSummarize/core"
)

// Embedder produces L2-normalized vectors for slide images and, in the same
// space, for text queries.
type Embedder interface {
	Name() string
	Dim() int
	EmbedImage(ctx context.Context, jpeg []byte) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// ---------------- CLIP sidecar implementation ----------------

// ClipEmbedder talks to a CLIP embedding sidecar over HTTP. The sidecar
// exposes /embed_image and /embed_text and returns vectors in a shared
// image/text space, which is what makes cross-modal history search work.
type ClipEmbedder struct {
	baseURL string
	dim     int
	httpc   *http.Client
}

func NewClipEmbedder(baseURL string, dim int) *ClipEmbedder {
	return &ClipEmbedder{
		baseURL: baseURL,
		dim:     dim,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *ClipEmbedder) Name() string { return "clip" }
func (e *ClipEmbedder) Dim() int     { return e.dim }

func (e *ClipEmbedder) EmbedImage(ctx context.Context, jpeg []byte) ([]float32, error) {
	payload := map[string]string{"image_base64": base64.StdEncoding.EncodeToString(jpeg)}
	return e.post(ctx, "/embed_image", payload)
}

func (e *ClipEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		text = " "
	}
	return e.post(ctx, "/embed_text", map[string]string{"text": text})
}

func (e *ClipEmbedder) post(ctx context.Context, path string, payload map[string]string) ([]float32, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, core.FeatureExtractionf("marshal embedding request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, core.FeatureExtractionf("build embedding request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpc.Do(req)
	if err != nil {
		return nil, core.FeatureExtractionf("embedding request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, core.FeatureExtractionf("embedding server returned %d", resp.StatusCode)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, core.FeatureExtractionf("decode embedding response: %v", err)
	}
	if len(out.Embedding) == 0 {
		return nil, core.FeatureExtractionf("embedding server returned empty vector")
	}
	return l2Normalize(out.Embedding), nil
}

// ---------------- OpenAI text-only implementation ----------------

// OpenAIEmbedder embeds text through an OpenAI-compatible embeddings API.
// It cannot embed images; it exists so history search keeps working when no
// CLIP sidecar is configured.
type OpenAIEmbedder struct {
	cli   *openai.Client
	model string
	dim   int
}

func NewOpenAIEmbedder(cfg *config.Config) *OpenAIEmbedder {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIEmbedder{
		cli:   openai.NewClientWithConfig(clientConfig),
		model: cfg.EmbeddingModel,
		dim:   cfg.EmbeddingDim,
	}
}

func (e *OpenAIEmbedder) Name() string { return "openai-text" }
func (e *OpenAIEmbedder) Dim() int     { return e.dim }

func (e *OpenAIEmbedder) EmbedImage(ctx context.Context, jpeg []byte) ([]float32, error) {
	return nil, core.FeatureExtractionf("image embeddings require a CLIP sidecar (set clip_server_url)")
}

func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		text = " "
	}
	req := openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(e.model),
		Input:      []string{text},
		Dimensions: e.dim,
	}
	resp, err := e.cli.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, core.FeatureExtractionf("embedding API: %v", err)
	}
	if len(resp.Data) == 0 {
		return nil, core.FeatureExtractionf("no embeddings returned")
	}
	return l2Normalize(resp.Data[0].Embedding), nil
}

// ---------------- Mock implementation ----------------

// MockEmbedder returns a fixed vector, for tests.
type MockEmbedder struct {
	Vector []float32
	Err    error
}

func (m *MockEmbedder) Name() string { return "mock" }
func (m *MockEmbedder) Dim() int     { return len(m.Vector) }

func (m *MockEmbedder) EmbedImage(ctx context.Context, jpeg []byte) ([]float32, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Vector, nil
}

func (m *MockEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return m.EmbedImage(ctx, nil)
}

// l2Normalize scales v to unit length. Zero vectors are returned unchanged.
func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
