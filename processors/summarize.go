package processors

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"slideSummarize/core"
)

// slidePrompt instructs the model to answer with nothing but the summary
// JSON document. The no-invented-content rule is part of the external
// contract: absent elements must come back as empty arrays.
const slidePrompt = `
Analyze the provided image of a presentation slide. Your task is to extract, identify, and categorize all content on the slide and format it exclusively as a single JSON object.

Do not include any text, apologies, or explanations before or after the JSON code block. Your entire response must be only the valid JSON.

The JSON object must follow this precise structure and adhere to the rules for each key:

{
  "title": ["..."],
  "enumeration": ["...", "..."],
  "equation": ["...", "..."],
  "table": ["...", "..."],
  "image": ["...", "..."],
  "code": ["...", "..."],
  "slide_number": ["..."],
  "summary": ["..."]
}

Core Principle: No Invented Content

Your primary task is to be accurate.

DO NOT INVENT or GUESS content. If an element is not clearly and explicitly visible on the slide, you MUST use an empty array [] for that key.

DO NOT add placeholder text or "N/A". An empty array [] is the only correct way to represent missing content.

This applies to all keys. It is perfectly acceptable and expected to return {"slide_number": [], "equation": [], "table": [], ...} if those elements are not on the slide.

Key-Specific Instructions:

"title": An array containing the verbatim text of the main slide title. (Use [] if no title is present).

"enumeration": An array of strings, where each string is the verbatim text of one bullet point or numbered list item. (Use [] if no lists are present).

"equation": An array of strings, where each string is the verbatim text of one equation found on the slide. (Use [] if no equations are present).

"table": An array of strings. Each string must be a descriptive summary of a table's content and purpose. (Use [] if no tables are present).

"image": An array of strings. Each string must be a descriptive summary of an image's content and its relevance to the slide. (Use [] if no images are present).

"code": An array of strings. Each string must be a concise summary of what a code block does or represents. (Use [] if no code blocks are present).

"slide_number": An array containing the verbatim slide number. If no slide number is visible on the image, you MUST use an empty array []. Do not guess or invent a number.

"summary": An array containing a single string. This string must be a detailed, synthetic summary that explains the entire slide's content and purpose. (Use [] only if the slide is completely blank).

Crucial Rules:

All values must be arrays of strings, even if there is only one item or zero items.

If any element is not present on the slide, you must use an empty array [] for that key.
`

// Summarizer turns a slide image (plus an optional OCR hint) into the
// structured summary document.
type Summarizer interface {
	Name() string
	Summarize(ctx context.Context, jpeg []byte, ocrHint string) (*core.SlideSummary, error)
}

// GeminiSummarizer calls the Gemini API. Responses that do not match the
// summary schema exactly are rejected instead of best-effort parsed.
type GeminiSummarizer struct {
	apiKey string
	model  string
}

func NewGeminiSummarizer(apiKey, model string) *GeminiSummarizer {
	return &GeminiSummarizer{
		apiKey: strings.TrimSpace(apiKey),
		model:  strings.TrimSpace(model),
	}
}

func (g *GeminiSummarizer) Name() string { return "gemini" }

func (g *GeminiSummarizer) Summarize(ctx context.Context, jpeg []byte, ocrHint string) (*core.SlideSummary, error) {
	if g.apiKey == "" {
		return nil, core.Summarizerf("GEMINI_API_KEY is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return nil, core.Summarizerf("create client: %v", err)
	}
	defer cl.Close()

	m := cl.GenerativeModel(g.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}

	parts := []genai.Part{
		&genai.Blob{MIMEType: "image/jpeg", Data: jpeg},
		genai.Text(slidePrompt),
	}
	if ocrHint != "" {
		parts = append(parts, genai.Text("\nExtracted OCR text for reference:\n"+ocrHint))
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, core.Summarizerf("API call: %v", err)
	}
	raw := responseText(resp)
	if raw == "" {
		return nil, core.Summarizerf("empty response")
	}
	return ParseSummary(raw)
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return strings.TrimSpace(b.String())
}

// ParseSummary decodes a summarizer response into a SlideSummary. The
// decode is strict: unknown fields or a non-JSON payload fail loudly rather
// than falling back to alternate field names.
func ParseSummary(raw string) (*core.SlideSummary, error) {
	raw = stripCodeFence(raw)

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var summary core.SlideSummary
	if err := dec.Decode(&summary); err != nil {
		return nil, core.Summarizerf("response was not a valid summary document: %v", err)
	}
	summary.Normalize()
	return &summary, nil
}

// stripCodeFence removes a surrounding markdown code fence, which some
// model revisions emit even when asked for bare JSON.
func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```json") {
		raw = strings.TrimPrefix(raw, "```json")
	} else if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```")
	} else {
		return raw
	}
	return strings.Trim(raw, " `\n")
}

func ptrFloat32(v float32) *float32 { return &v }

// MockSummarizer returns a canned summary, for tests and for running
// without a Gemini key.
type MockSummarizer struct {
	Summary *core.SlideSummary
	Err     error
	Calls   int
}

func (m *MockSummarizer) Name() string { return "mock" }

func (m *MockSummarizer) Summarize(ctx context.Context, jpeg []byte, ocrHint string) (*core.SlideSummary, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Summary != nil {
		return m.Summary, nil
	}
	summary := &core.SlideSummary{
		Title:   []string{"Mock slide"},
		Summary: []string{"Mock summary of the slide content."},
	}
	summary.Normalize()
	return summary, nil
}
