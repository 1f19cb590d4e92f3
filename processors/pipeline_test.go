package processors

import (
	"context"
	"image"
	"path/filepath"
	"testing"
	"time"

	"slideSummarize/core"
	"slideSummarize/storage"
)

func testJPEG(t *testing.T) []byte {
	t.Helper()
	frame := testFrame(t, image.Rect(120, 80, 520, 380))
	defer frame.Close()
	jpeg, err := EncodeJPEG(frame, 90)
	if err != nil {
		t.Fatal(err)
	}
	return jpeg
}

func newTestPipeline(t *testing.T, ocr *MockOCR, summarizer *MockSummarizer) *Pipeline {
	t.Helper()
	policy, err := PolicyForStrategy("text")
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPipeline(PipelineOptions{
		Policy:           policy,
		OCR:              ocr,
		Summarizer:       summarizer,
		Store:            storage.NewMemoryStateStore(),
		DataDir:          t.TempDir(),
		SummarizeTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProcessFrameFirstObservation(t *testing.T) {
	ocr := &MockOCR{Text: "Distributed systems lecture one introduction and logistics"}
	sum := &MockSummarizer{}
	p := newTestPipeline(t, ocr, sum)
	ctx := context.Background()

	resp, err := p.ProcessFrame(ctx, testJPEG(t), false)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Changed {
		t.Fatal("first frame must be a change")
	}
	if resp.Summary == nil {
		t.Fatal("a change must carry a fresh summary")
	}
	if resp.Metrics.Reason != core.ReasonNoPrevious {
		t.Fatalf("reason = %q, want %q", resp.Metrics.Reason, core.ReasonNoPrevious)
	}
	if sum.Calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", sum.Calls)
	}

	entries, err := p.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Sequence != 1 {
		t.Fatalf("history = %+v, want one entry with sequence 1", entries)
	}
}

func TestProcessFrameUnchangedReusesSummary(t *testing.T) {
	ocr := &MockOCR{Text: "Distributed systems lecture one introduction and logistics"}
	sum := &MockSummarizer{}
	p := newTestPipeline(t, ocr, sum)
	ctx := context.Background()
	jpeg := testJPEG(t)

	if _, err := p.ProcessFrame(ctx, jpeg, false); err != nil {
		t.Fatal(err)
	}
	resp, err := p.ProcessFrame(ctx, jpeg, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Changed {
		t.Fatal("identical frame must be unchanged")
	}
	if resp.Summary == nil {
		t.Fatal("unchanged frame must return the cached summary")
	}
	if sum.Calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1 (no call for unchanged frame)", sum.Calls)
	}

	entries, err := p.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("unchanged frame must not append history, got %d entries", len(entries))
	}
}

func TestProcessFrameNewSlideAppendsHistory(t *testing.T) {
	ocr := &MockOCR{Text: "Distributed systems lecture one introduction and logistics"}
	sum := &MockSummarizer{}
	p := newTestPipeline(t, ocr, sum)
	ctx := context.Background()
	jpeg := testJPEG(t)

	if _, err := p.ProcessFrame(ctx, jpeg, false); err != nil {
		t.Fatal(err)
	}
	ocr.Text = "Chapter two replication protocols and quorum systems in depth"
	resp, err := p.ProcessFrame(ctx, jpeg, false)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Changed {
		t.Fatal("new slide text must be a change")
	}
	if resp.Metrics.Reason != core.ReasonNewSlide {
		t.Fatalf("reason = %q, want %q", resp.Metrics.Reason, core.ReasonNewSlide)
	}
	if sum.Calls != 2 {
		t.Fatalf("summarizer calls = %d, want 2", sum.Calls)
	}

	entries, err := p.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("history length = %d, want 2", len(entries))
	}
	if entries[0].Sequence != 1 || entries[1].Sequence != 2 {
		t.Fatalf("sequences = %d, %d, want 1, 2", entries[0].Sequence, entries[1].Sequence)
	}
}

func TestProcessFrameShortOCRGuard(t *testing.T) {
	ocr := &MockOCR{Text: "Distributed systems lecture one introduction and logistics"}
	sum := &MockSummarizer{}
	p := newTestPipeline(t, ocr, sum)
	ctx := context.Background()
	jpeg := testJPEG(t)

	if _, err := p.ProcessFrame(ctx, jpeg, false); err != nil {
		t.Fatal(err)
	}
	// A glare frame: OCR collapses to a couple of characters.
	ocr.Text = "x"
	resp, err := p.ProcessFrame(ctx, jpeg, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Changed {
		t.Fatal("short OCR output must not trigger a change")
	}
	if sum.Calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", sum.Calls)
	}
}

func TestProcessFrameSummarizerFailure(t *testing.T) {
	ocr := &MockOCR{Text: "Distributed systems lecture one introduction and logistics"}
	sum := &MockSummarizer{Err: core.Summarizerf("model unavailable")}
	p := newTestPipeline(t, ocr, sum)
	ctx := context.Background()

	if _, err := p.ProcessFrame(ctx, testJPEG(t), false); err == nil {
		t.Fatal("summarizer failure must surface as an error")
	}
	// The failed frame must not have committed anything.
	entries, err := p.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed frame appended history: %+v", entries)
	}
}

func TestProcessFrameInvalidImage(t *testing.T) {
	p := newTestPipeline(t, &MockOCR{Text: "text"}, &MockSummarizer{})
	if _, err := p.ProcessFrame(context.Background(), []byte("garbage"), false); err == nil {
		t.Fatal("expected error for invalid image bytes")
	}
}

func TestProcessFrameDebugPayload(t *testing.T) {
	ocr := &MockOCR{Text: "Distributed systems lecture one introduction and logistics"}
	p := newTestPipeline(t, ocr, &MockSummarizer{})

	resp, err := p.ProcessFrame(context.Background(), testJPEG(t), true)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Debug == nil {
		t.Fatal("debug=true must populate the debug payload")
	}
	if resp.Debug["ocr_text"] != ocr.Text {
		t.Fatalf("debug ocr_text = %v", resp.Debug["ocr_text"])
	}
}

func TestResetSession(t *testing.T) {
	ocr := &MockOCR{Text: "Distributed systems lecture one introduction and logistics"}
	sum := &MockSummarizer{}
	p := newTestPipeline(t, ocr, sum)
	ctx := context.Background()
	jpeg := testJPEG(t)

	if _, err := p.ProcessFrame(ctx, jpeg, false); err != nil {
		t.Fatal(err)
	}
	if err := p.ResetSession(ctx); err != nil {
		t.Fatal(err)
	}
	entries, err := p.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("history after reset = %+v, want empty", entries)
	}

	// The same frame is a brand-new observation again.
	resp, err := p.ProcessFrame(ctx, jpeg, false)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Changed || resp.Metrics.Reason != core.ReasonNoPrevious {
		t.Fatalf("after reset: changed=%v reason=%q, want first-observation change", resp.Changed, resp.Metrics.Reason)
	}
}

// saveFailStore fails every SaveState call, exercising the commit error path.
type saveFailStore struct {
	storage.StateStore
}

func (s *saveFailStore) SaveState(ctx context.Context, state *core.SlideState) error {
	return core.Persistencef("disk full")
}

func slideFiles(t *testing.T, dataDir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dataDir, "slides", "*.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestCommitFailureRemovesImageFile(t *testing.T) {
	policy, err := PolicyForStrategy("text")
	if err != nil {
		t.Fatal(err)
	}
	dataDir := t.TempDir()
	p, err := NewPipeline(PipelineOptions{
		Policy:           policy,
		OCR:              &MockOCR{Text: "Distributed systems lecture one introduction and logistics"},
		Summarizer:       &MockSummarizer{},
		Store:            &saveFailStore{StateStore: storage.NewMemoryStateStore()},
		DataDir:          dataDir,
		SummarizeTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.ProcessFrame(context.Background(), testJPEG(t), false); err == nil {
		t.Fatal("expected persistence error")
	}
	if files := slideFiles(t, dataDir); len(files) != 0 {
		t.Fatalf("failed commit left image files behind: %v", files)
	}
}

func TestCommitLostRaceReportsFreshMetrics(t *testing.T) {
	ocr := &MockOCR{Text: "Distributed systems lecture one introduction and logistics"}
	p := newTestPipeline(t, ocr, &MockSummarizer{})
	ctx := context.Background()
	jpeg := testJPEG(t)

	// First frame commits and bumps the version past the stale snapshot
	// below.
	if _, err := p.ProcessFrame(ctx, jpeg, false); err != nil {
		t.Fatal(err)
	}
	before := slideFiles(t, p.dataDir)

	// A commit stamped with the pre-commit version and matching the now
	// cached text loses the race: its decision is re-evaluated and its
	// metrics replaced with the fresh comparison.
	metrics := core.ChangeMetrics{Reason: core.ReasonNewSlide, SequenceSimilarity: 0.1}
	summary := &core.SlideSummary{}
	summary.Normalize()
	entry, committed, err := p.commit(ctx, 0, core.SlideFeatures{Text: ocr.Text}, summary, jpeg, &metrics)
	if err != nil {
		t.Fatal(err)
	}
	if committed {
		t.Fatalf("stale commit must lose the race, got entry %+v", entry)
	}
	if metrics.Reason != core.ReasonSimilarContent {
		t.Fatalf("reason = %q, want %q", metrics.Reason, core.ReasonSimilarContent)
	}
	if metrics.SequenceSimilarity != 1.0 {
		t.Fatalf("sequence similarity = %v, want 1.0 against the fresh state", metrics.SequenceSimilarity)
	}
	if after := slideFiles(t, p.dataDir); len(after) != len(before) {
		t.Fatalf("lost race left image files behind: before %v, after %v", before, after)
	}

	entries, err := p.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("lost race must not append history, got %d entries", len(entries))
	}
}

func TestAnalyzeFrame(t *testing.T) {
	ocr := &MockOCR{Text: "Agenda for today three topics"}
	p := newTestPipeline(t, ocr, &MockSummarizer{})

	details, region, err := p.AnalyzeFrame(context.Background(), testJPEG(t), true)
	if err != nil {
		t.Fatal(err)
	}
	defer region.Close()
	if !details.Detected {
		t.Fatal("expected detection on the synthetic slide frame")
	}
	if details.OCRText != ocr.Text {
		t.Fatalf("ocr text = %q", details.OCRText)
	}
	if details.OCRWordCount != 5 {
		t.Fatalf("word count = %d, want 5", details.OCRWordCount)
	}
	if details.CroppedImageBase64 == "" || details.AnnotatedImageBase64 == "" {
		t.Fatal("includeImages must populate both image payloads")
	}
}
