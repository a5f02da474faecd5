package merge

import "testing"

func TestSimilarity_IdenticalText(t *testing.T) {
	if got := Similarity("内存泄漏排查", "内存泄漏排查"); got != 1.0 {
		t.Errorf("Identical strings should score 1.0, got %f", got)
	}
}

func TestSimilarity_CloseVariants(t *testing.T) {
	// 6 shared chars, 8 distinct total = 0.75
	got := Similarity("内存泄漏排查", "内存泄漏问题排查")
	if got < TopicThreshold {
		t.Errorf("Close topic variants should clear the topic threshold, got %f", got)
	}
}

func TestSimilarity_NoOverlap(t *testing.T) {
	if got := Similarity("内存泄漏排查", "今日天气"); got != 0 {
		t.Errorf("Disjoint strings should score 0, got %f", got)
	}
}

func TestSimilarity_EmptyStrings(t *testing.T) {
	// Identical text always merges, even the degenerate empty case
	if got := Similarity("", ""); got != 1.0 {
		t.Errorf("Two empty strings should score 1.0, got %f", got)
	}
	if got := Similarity("  ", "\t\n"); got != 1.0 {
		t.Errorf("Two whitespace-only strings should score 1.0, got %f", got)
	}
	if got := Similarity("abc", ""); got != 0 {
		t.Errorf("Empty against non-empty should score 0, got %f", got)
	}
}

func TestSimilarity_Normalization(t *testing.T) {
	if got := Similarity("Hello World", "helloworld"); got != 1.0 {
		t.Errorf("Case and whitespace should not matter, got %f", got)
	}
}

func TestSimilarity_Symmetric(t *testing.T) {
	a, b := "performance tuning", "tuning the performance"
	if Similarity(a, b) != Similarity(b, a) {
		t.Error("Similarity should be symmetric")
	}
}
