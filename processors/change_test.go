package processors

import (
	"math"
	"testing"

	"slideSummarize/core"
)

const sampleText = "Introduction to distributed systems\nConsistency models and replication\nCAP theorem overview"

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSequenceSimilarityIdentical(t *testing.T) {
	if got := SequenceSimilarity(sampleText, sampleText); !almostEqual(got, 1.0) {
		t.Fatalf("identical texts: got %v, want 1.0", got)
	}
}

func TestSequenceSimilarityBothEmpty(t *testing.T) {
	if got := SequenceSimilarity("", ""); !almostEqual(got, 1.0) {
		t.Fatalf("both empty: got %v, want 1.0", got)
	}
}

func TestSequenceSimilarityOneEmpty(t *testing.T) {
	if got := SequenceSimilarity(sampleText, ""); !almostEqual(got, 0.0) {
		t.Fatalf("one empty: got %v, want 0.0", got)
	}
}

func TestSequenceSimilarityDisjoint(t *testing.T) {
	got := SequenceSimilarity("aaaa", "bbbb")
	if got != 0 {
		t.Fatalf("disjoint texts: got %v, want 0", got)
	}
}

func TestTokenDeltaRatioIdentical(t *testing.T) {
	if got := TokenDeltaRatio(sampleText, sampleText); !almostEqual(got, 0.0) {
		t.Fatalf("identical texts: got %v, want 0.0", got)
	}
}

func TestTokenDeltaRatioDisjoint(t *testing.T) {
	if got := TokenDeltaRatio("alpha beta gamma", "delta epsilon zeta"); !almostEqual(got, 1.0) {
		t.Fatalf("disjoint texts: got %v, want 1.0", got)
	}
}

func TestTokenDeltaRatioPartial(t *testing.T) {
	// 4 shared tokens, 1 replaced on each side: diff=2, total=6.
	got := TokenDeltaRatio("one two three four five", "one two three four six")
	if !almostEqual(got, 2.0/6.0) {
		t.Fatalf("partial overlap: got %v, want %v", got, 2.0/6.0)
	}
}

func TestTokenSortSimilarityOrderInsensitive(t *testing.T) {
	a := "consistency models and replication"
	b := "replication and consistency models"
	if got := TokenSortSimilarity(a, b); !almostEqual(got, 1.0) {
		t.Fatalf("reordered words: got %v, want 1.0", got)
	}
}

func TestCosineSimilarityClamped(t *testing.T) {
	v := []float32{0.6, 0.8}
	if got := CosineSimilarity(v, v); got > 1 {
		t.Fatalf("cosine exceeded 1: %v", got)
	}
	if got := CosineSimilarity(v, v); !almostEqual(got, 1.0) {
		t.Fatalf("self cosine: got %v, want 1.0", got)
	}
}

func TestDetectFirstObservationIsChange(t *testing.T) {
	policy, err := PolicyForStrategy("text")
	if err != nil {
		t.Fatal(err)
	}
	dec := policy.Detect(ChangeInputs{
		Previous: &core.SlideState{},
		Current:  core.SlideFeatures{Text: sampleText},
	})
	if !dec.Changed {
		t.Fatal("first observation must be a change")
	}
	if dec.Metrics.Reason != core.ReasonNoPrevious {
		t.Fatalf("reason = %q, want %q", dec.Metrics.Reason, core.ReasonNoPrevious)
	}
	if !almostEqual(dec.Metrics.TokenDelta, 1.0) {
		t.Fatalf("token delta = %v, want 1.0", dec.Metrics.TokenDelta)
	}
}

func TestDetectShortOCRIsNeverChange(t *testing.T) {
	policy, err := PolicyForStrategy("text")
	if err != nil {
		t.Fatal(err)
	}
	prev := &core.SlideState{Text: sampleText}
	// Short text, even when completely different from the cached slide.
	dec := policy.Detect(ChangeInputs{
		Previous: prev,
		Current:  core.SlideFeatures{Text: "xy zq"},
	})
	if dec.Changed {
		t.Fatal("insufficient OCR text must not trigger a change")
	}
	if dec.Metrics.Reason != core.ReasonInsufficientOCR {
		t.Fatalf("reason = %q, want %q", dec.Metrics.Reason, core.ReasonInsufficientOCR)
	}
}

func TestDetectFirstObservationBeatsShortOCR(t *testing.T) {
	policy, err := PolicyForStrategy("text")
	if err != nil {
		t.Fatal(err)
	}
	dec := policy.Detect(ChangeInputs{
		Previous: &core.SlideState{},
		Current:  core.SlideFeatures{Text: "hi"},
	})
	if !dec.Changed {
		t.Fatal("empty cache wins over the short-OCR guard")
	}
	if dec.Metrics.Reason != core.ReasonNoPrevious {
		t.Fatalf("reason = %q, want %q", dec.Metrics.Reason, core.ReasonNoPrevious)
	}
}

func TestDetectTextPolicySameSlide(t *testing.T) {
	policy, err := PolicyForStrategy("text")
	if err != nil {
		t.Fatal(err)
	}
	dec := policy.Detect(ChangeInputs{
		Previous: &core.SlideState{Text: sampleText},
		Current:  core.SlideFeatures{Text: sampleText},
	})
	if dec.Changed {
		t.Fatal("identical text must be unchanged")
	}
	if dec.Metrics.Reason != core.ReasonSimilarContent {
		t.Fatalf("reason = %q, want %q", dec.Metrics.Reason, core.ReasonSimilarContent)
	}
	if !almostEqual(dec.Metrics.SequenceSimilarity, 1.0) {
		t.Fatalf("sequence similarity = %v, want 1.0", dec.Metrics.SequenceSimilarity)
	}
}

func TestDetectTextPolicyNewSlide(t *testing.T) {
	policy, err := PolicyForStrategy("text")
	if err != nil {
		t.Fatal(err)
	}
	dec := policy.Detect(ChangeInputs{
		Previous: &core.SlideState{Text: sampleText},
		Current:  core.SlideFeatures{Text: "Completely different topic about quantum chemistry and molecular orbitals"},
	})
	if !dec.Changed {
		t.Fatal("different text must be a change")
	}
	if dec.Metrics.Reason != core.ReasonNewSlide {
		t.Fatalf("reason = %q, want %q", dec.Metrics.Reason, core.ReasonNewSlide)
	}
}

func TestDetectEmbeddingPolicy(t *testing.T) {
	policy, err := PolicyForStrategy("embedding")
	if err != nil {
		t.Fatal(err)
	}
	vec := []float32{1, 0, 0}
	same := policy.Detect(ChangeInputs{
		Previous: &core.SlideState{Text: sampleText, Embedding: vec},
		Current:  core.SlideFeatures{Text: sampleText, Embedding: vec},
	})
	if same.Changed {
		t.Fatal("identical embedding and text must be unchanged")
	}

	orthogonal := policy.Detect(ChangeInputs{
		Previous: &core.SlideState{Text: sampleText, Embedding: []float32{1, 0, 0}},
		Current:  core.SlideFeatures{Text: sampleText, Embedding: []float32{0, 1, 0}},
	})
	if !orthogonal.Changed {
		t.Fatal("orthogonal embeddings must be a change even with matching text")
	}
}

func TestDetectEmbeddingPolicyMissingVector(t *testing.T) {
	policy, err := PolicyForStrategy("embedding")
	if err != nil {
		t.Fatal(err)
	}
	// A missing embedding cannot confirm sameness.
	dec := policy.Detect(ChangeInputs{
		Previous: &core.SlideState{Text: sampleText},
		Current:  core.SlideFeatures{Text: sampleText},
	})
	if !dec.Changed {
		t.Fatal("missing embeddings must fail toward changed")
	}
}

func u64(v uint64) *uint64 { return &v }

func TestDetectVisualPolicy(t *testing.T) {
	policy, err := PolicyForStrategy("visual")
	if err != nil {
		t.Fatal(err)
	}
	vec := []float32{1, 0}
	same := policy.Detect(ChangeInputs{
		Previous: &core.SlideState{Text: sampleText, Embedding: vec, Phash: u64(0xF0F0F0F0F0F0F0F0)},
		Current:  core.SlideFeatures{Text: sampleText, Embedding: vec, Phash: u64(0xF0F0F0F0F0F0F0F0)},
	})
	if same.Changed {
		t.Fatal("identical hash and embedding must be unchanged")
	}
	if same.Metrics.PhashDistance != 0 {
		t.Fatalf("phash distance = %d, want 0", same.Metrics.PhashDistance)
	}

	far := policy.Detect(ChangeInputs{
		Previous: &core.SlideState{Text: sampleText, Embedding: vec, Phash: u64(0)},
		Current:  core.SlideFeatures{Text: sampleText, Embedding: vec, Phash: u64(0xFFFFFFFFFFFFFFFF)},
	})
	if !far.Changed {
		t.Fatal("distant hashes must be a change")
	}
}

func TestDetectVisualPolicyZeroHashIsPresent(t *testing.T) {
	policy, err := PolicyForStrategy("visual")
	if err != nil {
		t.Fatal(err)
	}
	vec := []float32{1, 0}
	// An all-zero hash (uniform region) is a real value, not a missing one:
	// two of them are identical, so the slide is unchanged.
	dec := policy.Detect(ChangeInputs{
		Previous: &core.SlideState{Text: sampleText, Embedding: vec, Phash: u64(0)},
		Current:  core.SlideFeatures{Text: sampleText, Embedding: vec, Phash: u64(0)},
	})
	if dec.Changed {
		t.Fatal("matching zero hashes must be unchanged")
	}

	// A genuinely missing hash cannot confirm sameness.
	missing := policy.Detect(ChangeInputs{
		Previous: &core.SlideState{Text: sampleText, Embedding: vec},
		Current:  core.SlideFeatures{Text: sampleText, Embedding: vec, Phash: u64(0)},
	})
	if !missing.Changed {
		t.Fatal("missing previous hash must fail toward changed")
	}
}

func TestPolicyForStrategyUnknown(t *testing.T) {
	if _, err := PolicyForStrategy("nope"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestPolicyForStrategyDefaultsToText(t *testing.T) {
	policy, err := PolicyForStrategy("")
	if err != nil {
		t.Fatal(err)
	}
	if policy.Strategy != PolicyText {
		t.Fatalf("strategy = %q, want %q", policy.Strategy, PolicyText)
	}
	if policy.MinOCRChars != 20 || policy.MinOCRWords != 3 {
		t.Fatalf("guard thresholds = %d/%d, want 20/3", policy.MinOCRChars, policy.MinOCRWords)
	}
}
