package processors

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"slideSummarize/core"
	"slideSummarize/storage"
	"slideSummarize/utils"
)

// Pipeline stages, in processing order. FAILED is terminal for a single
// frame; the next frame starts over at DETECTING.
type Stage string

const (
	StageDetecting   Stage = "DETECTING"
	StageExtracting  Stage = "EXTRACTING"
	StageComparing   Stage = "COMPARING"
	StageSummarizing Stage = "SUMMARIZING"
	StageDone        Stage = "DONE"
	StageFailed      Stage = "FAILED"
)

// Pipeline orchestrates one frame through detection, extraction, change
// decision, summarization and commit. The state lock is held only for the
// snapshot and the commit; the summarizer call runs outside it so a slow
// model never serializes the whole service.
type Pipeline struct {
	policy     ChangePolicy
	ocr        OCREngine
	embedder   Embedder
	summarizer Summarizer
	store      storage.StateStore
	archive    storage.SlideArchive

	dataDir          string
	summarizeTimeout time.Duration

	// mu guards version; version stamps each state snapshot so a commit can
	// tell whether another frame won the race while the summarizer ran.
	mu      sync.Mutex
	version uint64

	// quadMu guards the last accepted quad used for temporal continuity.
	quadMu   sync.Mutex
	lastQuad *core.Quad
}

type PipelineOptions struct {
	Policy           ChangePolicy
	OCR              OCREngine
	Embedder         Embedder
	Summarizer       Summarizer
	Store            storage.StateStore
	Archive          storage.SlideArchive
	DataDir          string
	SummarizeTimeout time.Duration
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.OCR == nil {
		return nil, fmt.Errorf("pipeline requires an OCR engine")
	}
	if opts.Summarizer == nil {
		return nil, fmt.Errorf("pipeline requires a summarizer")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline requires a state store")
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.SummarizeTimeout <= 0 {
		opts.SummarizeTimeout = 60 * time.Second
	}
	if err := utils.EnsureDir(filepath.Join(opts.DataDir, "slides")); err != nil {
		return nil, err
	}
	return &Pipeline{
		policy:           opts.Policy,
		ocr:              opts.OCR,
		embedder:         opts.Embedder,
		summarizer:       opts.Summarizer,
		store:            opts.Store,
		archive:          opts.Archive,
		dataDir:          opts.DataDir,
		summarizeTimeout: opts.SummarizeTimeout,
	}, nil
}

// ProcessFrame runs one captured frame through the full pipeline and returns
// the change decision plus, when the slide changed, the fresh summary.
func (p *Pipeline) ProcessFrame(ctx context.Context, data []byte, debug bool) (*core.ProcessSlideResponse, error) {
	start := time.Now()

	// DETECTING / EXTRACTING
	frame, err := DecodeImage(data)
	if err != nil {
		log.Printf("[pipeline] stage=%s err=%v", StageFailed, err)
		return nil, err
	}
	defer frame.Close()

	p.quadMu.Lock()
	prevQuad := p.lastQuad
	p.quadMu.Unlock()

	region := DetectAndCrop(frame, prevQuad)
	defer region.Close()
	if region.Detected {
		p.quadMu.Lock()
		p.lastQuad = region.Quad
		p.quadMu.Unlock()
	}
	log.Printf("[pipeline] stage=%s detected=%v size=%dx%d", StageExtracting, region.Detected, region.Mat.Cols(), region.Mat.Rows())

	features, jpeg, err := p.extractFeatures(ctx, region.Mat)
	if err != nil {
		log.Printf("[pipeline] stage=%s err=%v", StageFailed, err)
		return nil, err
	}

	// COMPARING: snapshot state and version under the lock, decide outside.
	p.mu.Lock()
	prev, err := p.store.LoadState(ctx)
	ver := p.version
	p.mu.Unlock()
	if err != nil {
		log.Printf("[pipeline] stage=%s err=%v", StageFailed, err)
		return nil, err
	}

	decision := p.decide(prev, features, region.Mat)
	if !region.Detected && decision.Metrics.Reason == core.ReasonInsufficientOCR {
		decision.Metrics.Reason = core.ReasonNoRectangle
	}
	log.Printf("[pipeline] stage=%s changed=%v reason=%s seq_sim=%.3f token_delta=%.3f",
		StageComparing, decision.Changed, decision.Metrics.Reason,
		decision.Metrics.SequenceSimilarity, decision.Metrics.TokenDelta)

	resp := &core.ProcessSlideResponse{
		Changed:     decision.Changed,
		Detected:    region.Detected,
		BoundingBox: region.Quad,
		Metrics:     decision.Metrics,
	}
	if debug {
		resp.Debug = map[string]any{
			"policy":     string(p.policy.Strategy),
			"reason":     decision.Metrics.Reason,
			"ocr_text":   features.Text,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}
	}

	if !decision.Changed {
		p.refreshUnchanged(ctx, ver, prev, features, decision.Metrics.Reason)
		resp.Summary = prev.Summary
		log.Printf("[pipeline] stage=%s changed=false elapsed=%s", StageDone, time.Since(start))
		return resp, nil
	}

	// SUMMARIZING, outside the lock and under its own timeout.
	log.Printf("[pipeline] stage=%s summarizer=%s", StageSummarizing, p.summarizer.Name())
	sumCtx, cancel := context.WithTimeout(ctx, p.summarizeTimeout)
	summary, err := p.summarizer.Summarize(sumCtx, jpeg, features.Text)
	cancel()
	if err != nil {
		log.Printf("[pipeline] stage=%s err=%v", StageFailed, err)
		return nil, err
	}
	// A cancelled request must not mutate the cache.
	if err := ctx.Err(); err != nil {
		log.Printf("[pipeline] stage=%s err=%v", StageFailed, err)
		return nil, err
	}

	entry, committed, err := p.commit(ctx, ver, features, summary, jpeg, &decision.Metrics)
	if err != nil {
		log.Printf("[pipeline] stage=%s err=%v", StageFailed, err)
		return nil, err
	}
	if !committed {
		// Another frame committed first and the fresh state matches this
		// one; report unchanged against the new state, with the metrics
		// from the re-evaluation.
		resp.Changed = false
		resp.Metrics = decision.Metrics
		fresh, loadErr := p.store.LoadState(ctx)
		if loadErr == nil {
			resp.Summary = fresh.Summary
		}
		log.Printf("[pipeline] stage=%s changed=false (lost commit race) elapsed=%s", StageDone, time.Since(start))
		return resp, nil
	}

	resp.Summary = summary
	p.archiveEntry(entry, features, summary)
	log.Printf("[pipeline] stage=%s changed=true seq=%d elapsed=%s", StageDone, entry.Sequence, time.Since(start))
	return resp, nil
}

// extractFeatures computes OCR text, the perceptual hash and, when the
// policy or the archive needs one, the image embedding.
func (p *Pipeline) extractFeatures(ctx context.Context, region gocv.Mat) (core.SlideFeatures, []byte, error) {
	jpeg, err := EncodeJPEG(region, 90)
	if err != nil {
		return core.SlideFeatures{}, nil, err
	}

	text, err := p.ocr.ExtractText(ctx, jpeg)
	if err != nil {
		return core.SlideFeatures{}, nil, err
	}
	features := core.SlideFeatures{Text: text}

	if phash, err := Phash(region); err == nil {
		features.Phash = &phash
	} else {
		log.Printf("[pipeline] phash failed: %v", err)
	}

	if p.embedder != nil && (p.policy.NeedsEmbedding() || p.archive != nil) {
		vec, err := p.embedder.EmbedImage(ctx, jpeg)
		switch {
		case err == nil:
			features.Embedding = vec
		case p.policy.NeedsEmbedding():
			return core.SlideFeatures{}, nil, err
		default:
			log.Printf("[pipeline] image embedding failed (archive only): %v", err)
		}
	}
	return features, jpeg, nil
}

// decide runs the change policy, loading the previous region image from disk
// when the policy compares pixels.
func (p *Pipeline) decide(prev *core.SlideState, features core.SlideFeatures, region gocv.Mat) ChangeDecision {
	in := ChangeInputs{Previous: prev, Current: features}
	if p.policy.NeedsPixels() {
		in.CurrImage = &region
		if prev.ImagePath != "" {
			prevImg := gocv.IMRead(prev.ImagePath, gocv.IMReadColor)
			if !prevImg.Empty() {
				defer prevImg.Close()
				in.PrevImage = &prevImg
			}
		}
	}
	return p.policy.Detect(in)
}

// refreshUnchanged re-saves the current features over an unchanged slide so
// the cache tracks slow OCR drift. Skipped when another frame committed in
// the meantime, and when the guard (not real similarity) made the call.
func (p *Pipeline) refreshUnchanged(ctx context.Context, ver uint64, prev *core.SlideState, features core.SlideFeatures, reason string) {
	if reason != core.ReasonSimilarContent {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.version != ver {
		return
	}
	state := &core.SlideState{
		Text:      features.Text,
		Embedding: features.Embedding,
		Phash:     features.Phash,
		Summary:   prev.Summary,
		ImagePath: prev.ImagePath,
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.store.SaveState(ctx, state); err != nil {
		log.Printf("[pipeline] refresh unchanged state failed: %v", err)
	}
}

// commit writes the region image, then replaces the cached state and appends
// the history entry under the lock. If the version moved while the summarizer
// ran, the decision is re-evaluated against the fresh state; a now-unchanged
// frame discards its summary and reports committed=false.
func (p *Pipeline) commit(ctx context.Context, ver uint64, features core.SlideFeatures, summary *core.SlideSummary, jpeg []byte, metrics *core.ChangeMetrics) (core.HistoryEntry, bool, error) {
	imagePath := filepath.Join(p.dataDir, "slides", "slide_"+utils.NewID()+".jpg")
	if err := os.WriteFile(imagePath, jpeg, 0644); err != nil {
		return core.HistoryEntry{}, false, core.Persistencef("write slide image: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.version != ver {
		fresh, err := p.store.LoadState(ctx)
		if err != nil {
			os.Remove(imagePath)
			return core.HistoryEntry{}, false, err
		}
		redo := p.policy.Detect(ChangeInputs{Previous: fresh, Current: features})
		*metrics = redo.Metrics
		if !redo.Changed {
			os.Remove(imagePath)
			return core.HistoryEntry{}, false, nil
		}
	}

	state := &core.SlideState{
		Text:      features.Text,
		Embedding: features.Embedding,
		Phash:     features.Phash,
		Summary:   summary,
		ImagePath: imagePath,
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.store.SaveState(ctx, state); err != nil {
		os.Remove(imagePath)
		return core.HistoryEntry{}, false, err
	}
	entry, err := p.store.AppendHistory(ctx, core.HistoryEntry{Summary: summary, Metrics: *metrics})
	if err != nil {
		os.Remove(imagePath)
		return core.HistoryEntry{}, false, err
	}
	p.version++
	return entry, true, nil
}

// archiveEntry indexes an accepted slide in the archive. Best effort: the
// accepted change is already durable in the state store.
func (p *Pipeline) archiveEntry(entry core.HistoryEntry, features core.SlideFeatures, summary *core.SlideSummary) {
	if p.archive == nil || len(features.Embedding) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.archive.Insert(ctx, entry.Sequence, entry.Timestamp.UTC().Format(time.RFC3339),
		features.Text, summaryLine(summary), features.Embedding)
	if err != nil {
		log.Printf("[pipeline] archive insert failed: %v", err)
	}
}

// summaryLine flattens a summary document into one searchable string.
func summaryLine(summary *core.SlideSummary) string {
	if summary == nil {
		return ""
	}
	var parts []string
	parts = append(parts, summary.Title...)
	parts = append(parts, summary.Summary...)
	return strings.Join(parts, " ")
}

// AnalyzeFrame runs detection, cropping and OCR on one frame without
// touching the cached state. The returned matrix is the region used for
// pixel comparisons; the caller must Close it.
func (p *Pipeline) AnalyzeFrame(ctx context.Context, data []byte, includeImages bool) (core.SlideComparisonDetails, gocv.Mat, error) {
	frame, err := DecodeImage(data)
	if err != nil {
		return core.SlideComparisonDetails{}, gocv.Mat{}, err
	}
	defer frame.Close()

	region := DetectAndCrop(frame, nil)
	jpeg, err := EncodeJPEG(region.Mat, 90)
	if err != nil {
		region.Close()
		return core.SlideComparisonDetails{}, gocv.Mat{}, err
	}
	text, err := p.ocr.ExtractText(ctx, jpeg)
	if err != nil {
		region.Close()
		return core.SlideComparisonDetails{}, gocv.Mat{}, err
	}

	details := core.SlideComparisonDetails{
		Detected:     region.Detected,
		BoundingBox:  region.Quad,
		OCRText:      text,
		OCRCharCount: len(text),
		OCRWordCount: len(strings.Fields(text)),
	}
	if includeImages {
		details.CroppedImageBase64 = base64.StdEncoding.EncodeToString(jpeg)
		annotated := AnnotateQuad(frame, region.Quad)
		if annotatedJPEG, err := EncodeJPEG(annotated, 90); err == nil {
			details.AnnotatedImageBase64 = base64.StdEncoding.EncodeToString(annotatedJPEG)
		}
		annotated.Close()
	}
	return details, region.Mat, nil
}

// Policy exposes the active change policy for read-only comparison paths.
func (p *Pipeline) Policy() ChangePolicy { return p.policy }

// History returns up to limit most recent accepted changes in order.
func (p *Pipeline) History(ctx context.Context, limit int) ([]core.HistoryEntry, error) {
	return p.store.History(ctx, limit)
}

// SearchHistory embeds a text query and searches the slide archive.
func (p *Pipeline) SearchHistory(ctx context.Context, query string, topK int) ([]core.ArchiveHit, error) {
	if p.archive == nil {
		return nil, fmt.Errorf("%w: no slide archive configured", core.ErrSearchUnavailable)
	}
	if p.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", core.ErrSearchUnavailable)
	}
	vec, err := p.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}
	return p.archive.Search(ctx, vec, topK)
}

// ResetSession drops the cached slide, the history and the temporal
// continuity hint, returning the pipeline to its first-observation state.
func (p *Pipeline) ResetSession(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.ResetHistory(ctx); err != nil {
		return err
	}
	p.version++
	p.quadMu.Lock()
	p.lastQuad = nil
	p.quadMu.Unlock()
	return nil
}
