package settings

import "testing"

func TestCanonicalHashStableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2}
	b := map[string]any{"a": 2, "b": 1}

	hashA, err := canonicalHash(a)
	if err != nil {
		t.Fatalf("canonicalHash(a) error: %v", err)
	}
	hashB, err := canonicalHash(b)
	if err != nil {
		t.Fatalf("canonicalHash(b) error: %v", err)
	}

	if hashA != hashB {
		t.Errorf("hashes differ for maps with same content, different insertion order: %s vs %s", hashA, hashB)
	}
}

func TestCanonicalHashDiffersOnContentChange(t *testing.T) {
	a := map[string]any{"match_regex": "clip.*"}
	b := map[string]any{"match_regex": "other.*"}

	hashA, _ := canonicalHash(a)
	hashB, _ := canonicalHash(b)
	if hashA == hashB {
		t.Error("expected different hashes for different settings content")
	}
}

func TestToEffectiveMatchRegexAnchored(t *testing.T) {
	eff, err := toEffective(map[string]any{"match_regex": "clip-\\d+"})
	if err != nil {
		t.Fatalf("toEffective error: %v", err)
	}

	if !eff.MatchesContent("clip-123") {
		t.Error("expected full match of 'clip-123' to be accepted")
	}
	if eff.MatchesContent("here is clip-123 embedded") {
		t.Error("anchored regex should reject substrings, only full matches")
	}
}

func TestToEffectiveNoMatchRegexMatchesEverything(t *testing.T) {
	eff, err := toEffective(map[string]any{})
	if err != nil {
		t.Fatalf("toEffective error: %v", err)
	}
	if !eff.MatchesContent("") {
		t.Error("missing content should match when no match_regex is configured")
	}
	if !eff.MatchesContent("anything at all") {
		t.Error("no match_regex configured should match anything")
	}
}

func TestMergeIntoOverridesLeftToRight(t *testing.T) {
	dst := map[string]any{"a": 1, "b": 2}
	mergeInto(dst, map[string]any{"b": 3, "c": 4})

	if dst["a"] != 1 || dst["b"] != 3 || dst["c"] != 4 {
		t.Errorf("merge result = %+v, want a=1 b=3 c=4", dst)
	}
}
