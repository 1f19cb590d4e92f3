package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"slideSummarize/config"
	"slideSummarize/processors"
	"slideSummarize/server"
	"slideSummarize/storage"
	"slideSummarize/utils"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := utils.EnsureDir(cfg.DataDir); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	store := storage.InitStateStore(cfg)
	log.Printf("State store initialized")

	archive := storage.InitSlideArchive(cfg)
	if archive != nil {
		log.Printf("Slide archive initialized")
	}

	ocr := processors.NewTesseractOCR(cfg.Languages()...)
	log.Printf("OCR engine: %s (languages: %s)", ocr.Name(), cfg.OCRLanguages)

	var embedder processors.Embedder
	if cfg.ClipServerURL != "" {
		embedder = processors.NewClipEmbedder(cfg.ClipServerURL, cfg.EmbeddingDim)
	} else if cfg.HasValidEmbeddingAPI() {
		embedder = processors.NewOpenAIEmbedder(cfg)
	}
	if embedder != nil {
		log.Printf("Embedder: %s (dim=%d)", embedder.Name(), embedder.Dim())
	} else {
		log.Printf("Warning: no embedder configured; embedding policies and history search are unavailable")
	}

	var summarizer processors.Summarizer
	if cfg.HasValidSummarizerAPI() {
		summarizer = processors.NewGeminiSummarizer(cfg.GeminiAPIKey, cfg.GeminiModel)
	} else {
		config.PrintConfigInstructions()
		log.Printf("Warning: no Gemini API key, using mock summarizer")
		summarizer = &processors.MockSummarizer{}
	}
	log.Printf("Summarizer: %s", summarizer.Name())

	policy, err := processors.PolicyForStrategy(cfg.ChangePolicy)
	if err != nil {
		log.Fatalf("invalid change policy: %v", err)
	}
	log.Printf("Change policy: %s", policy.Strategy)

	pipeline, err := processors.NewPipeline(processors.PipelineOptions{
		Policy:           policy,
		OCR:              ocr,
		Embedder:         embedder,
		Summarizer:       summarizer,
		Store:            store,
		Archive:          archive,
		DataDir:          cfg.DataDir,
		SummarizeTimeout: time.Duration(cfg.SummarizerTimeoutSec) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	mux := http.NewServeMux()
	server.NewSlideHandlers(pipeline).Register(mux)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}
	addr := fmt.Sprintf(":%s", port)
	log.Printf("slideSummarize listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
