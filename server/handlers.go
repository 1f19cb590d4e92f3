package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"slideSummarize/core"
	"slideSummarize/processors"
)

const maxUploadBytes = 32 << 20

// SlideHandlers exposes the pipeline over HTTP.
type SlideHandlers struct {
	pipeline *processors.Pipeline
}

func NewSlideHandlers(p *processors.Pipeline) *SlideHandlers {
	return &SlideHandlers{pipeline: p}
}

// Register wires all routes onto the given mux.
func (h *SlideHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/process-slide", h.ProcessSlideHandler)
	mux.HandleFunc("/compare-slides", h.CompareSlidesHandler)
	mux.HandleFunc("/history", h.HistoryHandler)
	mux.HandleFunc("/history-search", h.HistorySearchHandler)
	mux.HandleFunc("/reset-session", h.ResetSessionHandler)
	mux.HandleFunc("/health", h.HealthHandler)
	mux.HandleFunc("/", h.RootHandler)
}

// ProcessSlideHandler accepts one captured frame (multipart field "image" or
// a raw image body) and runs it through the full pipeline.
func (h *SlideHandlers) ProcessSlideHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		core.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error":   "Method not allowed",
			"message": "Only POST method is supported",
		})
		return
	}

	data, err := readImage(r, "image")
	if err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid request",
			"message": err.Error(),
		})
		return
	}
	debug := r.URL.Query().Get("debug") == "1" || r.URL.Query().Get("debug") == "true"

	resp, err := h.pipeline.ProcessFrame(r.Context(), data, debug)
	if err != nil {
		writeError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, resp)
}

// CompareSlidesHandler analyzes two frames side by side without touching the
// cached state: detection, OCR, text metrics and structural similarity.
func (h *SlideHandlers) CompareSlidesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		core.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error":   "Method not allowed",
			"message": "Only POST method is supported",
		})
		return
	}

	img1, err := readImage(r, "image1")
	if err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid request",
			"message": err.Error(),
		})
		return
	}
	img2, err := readImage(r, "image2")
	if err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid request",
			"message": err.Error(),
		})
		return
	}
	includeImages := r.URL.Query().Get("images") == "1" || r.URL.Query().Get("images") == "true"

	var (
		details [2]core.SlideComparisonDetails
		regions [2]gocv.Mat
		opened  [2]bool
	)
	g, ctx := errgroup.WithContext(r.Context())
	for i, data := range [][]byte{img1, img2} {
		g.Go(func() error {
			d, region, err := h.pipeline.AnalyzeFrame(ctx, data, includeImages)
			if err != nil {
				return err
			}
			details[i] = d
			regions[i] = region
			opened[i] = true
			return nil
		})
	}
	err = g.Wait()
	defer func() {
		for i := range regions {
			if opened[i] {
				regions[i].Close()
			}
		}
	}()
	if err != nil {
		writeError(w, err)
		return
	}

	textPolicy, _ := processors.PolicyForStrategy("text")
	ssimPolicy, _ := processors.PolicyForStrategy("ssim")

	resp := core.CompareSlidesResponse{
		Slide1:             details[0],
		Slide2:             details[1],
		SequenceSimilarity: processors.SequenceSimilarity(details[0].OCRText, details[1].OCRText),
		TokenDelta:         processors.TokenDeltaRatio(details[0].OCRText, details[1].OCRText),
	}
	if score, err := processors.SSIM(regions[0], regions[1]); err == nil {
		resp.SSIMScore = score
	} else {
		log.Printf("[compare] ssim failed: %v", err)
	}
	resp.AreSameSlide = resp.SSIMScore >= ssimPolicy.SSIMThreshold
	resp.Changed = resp.SequenceSimilarity < textPolicy.SeqThreshold ||
		resp.TokenDelta > textPolicy.TokenDeltaMax
	core.WriteJSON(w, http.StatusOK, resp)
}

// HistoryHandler returns the accepted change log, newest last. ?limit=N caps
// the number of entries.
func (h *SlideHandlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		core.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error":   "Method not allowed",
			"message": "Only GET method is supported",
		})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			core.WriteJSON(w, http.StatusBadRequest, map[string]any{
				"error":   "Invalid request",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		limit = v
	}
	entries, err := h.pipeline.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []core.HistoryEntry{}
	}
	core.WriteJSON(w, http.StatusOK, core.HistoryResponse{Entries: entries, Count: len(entries)})
}

// HistorySearchHandler embeds a text query and searches the slide archive.
func (h *SlideHandlers) HistorySearchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		core.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error":   "Method not allowed",
			"message": "Only POST method is supported",
		})
		return
	}
	var req core.HistorySearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid request body",
			"message": err.Error(),
		})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid request",
			"message": "query must not be empty",
		})
		return
	}

	hits, err := h.pipeline.SearchHistory(r.Context(), req.Query, req.TopK)
	if err != nil {
		if errors.Is(err, core.ErrSearchUnavailable) {
			core.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":   "Search unavailable",
				"message": err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}
	if hits == nil {
		hits = []core.ArchiveHit{}
	}
	core.WriteJSON(w, http.StatusOK, core.HistorySearchResponse{Query: req.Query, Hits: hits})
}

// ResetSessionHandler drops the cached slide and the history.
func (h *SlideHandlers) ResetSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		core.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error":   "Method not allowed",
			"message": "Only POST method is supported",
		})
		return
	}
	if err := h.pipeline.ResetSession(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Session reset",
	})
}

func (h *SlideHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (h *SlideHandlers) RootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		core.WriteJSON(w, http.StatusNotFound, map[string]any{
			"error": "Not found",
		})
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]any{
		"service": "slideSummarize",
		"endpoints": []string{
			"POST /process-slide",
			"POST /compare-slides",
			"GET /history",
			"POST /history-search",
			"POST /reset-session",
			"GET /health",
		},
	})
}

// readImage pulls image bytes from a multipart form field or, when the
// request is not multipart, from the raw body.
func readImage(r *http.Request, field string) ([]byte, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if r.MultipartForm == nil {
			if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
				return nil, err
			}
		}
		file, _, err := r.FormFile(field)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(io.LimitReader(file, maxUploadBytes))
	}
	return io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
}

// writeError maps pipeline errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	label := "Processing failed"
	switch {
	case errors.Is(err, core.ErrInvalidImage):
		status = http.StatusBadRequest
		label = "Invalid image"
	case errors.Is(err, core.ErrSummarizer):
		status = http.StatusBadGateway
		label = "Summarizer failed"
	case errors.Is(err, core.ErrFeatureExtraction):
		label = "Feature extraction failed"
	case errors.Is(err, core.ErrPersistence):
		label = "Persistence failed"
	}
	core.WriteJSON(w, status, map[string]any{
		"error":   label,
		"message": err.Error(),
	})
}
