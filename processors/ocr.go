package processors

import (
	"context"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"slideSummarize/core"
)

// OCREngine extracts normalized text from an encoded image.
type OCREngine interface {
	Name() string
	ExtractText(ctx context.Context, img []byte) (string, error)
}

// TesseractOCR runs a local Tesseract instance through gosseract. A fresh
// client is created per call; gosseract clients are not safe for concurrent
// use.
type TesseractOCR struct {
	languages     []string
	clientFactory func() *gosseract.Client
}

func NewTesseractOCR(languages ...string) *TesseractOCR {
	return &TesseractOCR{
		languages:     languages,
		clientFactory: gosseract.NewClient,
	}
}

func (t *TesseractOCR) Name() string { return "tesseract" }

func (t *TesseractOCR) ExtractText(ctx context.Context, img []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := t.clientFactory()
	defer c.Close()
	if len(t.languages) > 0 {
		if err := c.SetLanguage(t.languages...); err != nil {
			return "", core.FeatureExtractionf("set ocr languages: %v", err)
		}
	}
	if err := c.SetImageFromBytes(img); err != nil {
		return "", core.FeatureExtractionf("set ocr image: %v", err)
	}
	text, err := c.Text()
	if err != nil {
		return "", core.FeatureExtractionf("ocr: %v", err)
	}
	return NormalizeOCRText(text), nil
}

// NormalizeOCRText trims each line, drops empty lines and joins the rest
// with single newlines.
func NormalizeOCRText(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// MockOCR returns fixed text, for tests and for running without Tesseract.
type MockOCR struct {
	Text string
	Err  error
}

func (m *MockOCR) Name() string { return "mock" }

func (m *MockOCR) ExtractText(ctx context.Context, img []byte) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return m.Text, nil
}
