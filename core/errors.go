package core

import (
	"errors"
	"fmt"
)

// Error kinds for the slide pipeline. Handlers map these to HTTP status
// codes with errors.Is; everything else is treated as an internal error.
var (
	// ErrInvalidImage marks undecodable image bytes. Client error, no retry.
	ErrInvalidImage = errors.New("invalid image")

	// ErrFeatureExtraction marks an OCR or embedding backend failure.
	ErrFeatureExtraction = errors.New("feature extraction failed")

	// ErrSummarizer marks an upstream summarizer failure, including a
	// malformed or non-JSON response. The cache is never updated when this
	// is returned, so a retry with the same frame still sees "changed".
	ErrSummarizer = errors.New("summarizer failed")

	// ErrPersistence marks a failed state or history write. A commit that
	// partially succeeded is still a failure.
	ErrPersistence = errors.New("persistence failed")

	// ErrSearchUnavailable marks history search attempted without an
	// archive or embedder configured. Maps to 503, not 500.
	ErrSearchUnavailable = errors.New("history search unavailable")
)

// InvalidImagef wraps ErrInvalidImage with detail.
func InvalidImagef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidImage}, args...)...)
}

// FeatureExtractionf wraps ErrFeatureExtraction with detail.
func FeatureExtractionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrFeatureExtraction}, args...)...)
}

// Summarizerf wraps ErrSummarizer with detail.
func Summarizerf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrSummarizer}, args...)...)
}

// Persistencef wraps ErrPersistence with detail.
func Persistencef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPersistence}, args...)...)
}
