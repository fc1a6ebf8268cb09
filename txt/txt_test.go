package txt

import "testing"

func TestIsCompleteEnough(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"Hi", false},
		{"Hello", false},
		{"This is a complete sentence.", true},
		{"Is anyone listening?", true},
		{"Listen closely:", true},
		{"y el espíritu santo", true},
		{"en el nombre de cristo", true},
		{"um wait", false},
		{"the congregation stood and sang together", true},
		{"ok so", false},
	}

	for _, c := range cases {
		if got := IsCompleteEnough(c.text); got != c.want {
			t.Errorf("IsCompleteEnough(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"", ""},
		{"Hello, World!", "hello world"},
		{"Um, wait... the Lord   is good.", "the lord good"},
		{"El Señor es bueno", "señor bueno"},
		{"a de y o", ""},
	}

	for _, c := range cases {
		if got := Normalize(c.text); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("same text here", "same text here"); got != 1.0 {
		t.Errorf("identical strings: got %v, want 1.0", got)
	}

	if got := Similarity("um", ""); got != 0.0 {
		t.Errorf("empty token sets: got %v, want 0.0", got)
	}

	// Filler-only inputs normalize to nothing on both sides; equal inputs do
	// not short-circuit that.
	if got := Similarity("um", "um"); got != 0.0 {
		t.Errorf("identical filler-only strings: got %v, want 0.0", got)
	}
	if got := Similarity("", ""); got != 0.0 {
		t.Errorf("both empty: got %v, want 0.0", got)
	}

	// Same tokens after normalization despite punctuation differences.
	if got := Similarity("The Lord is good.", "the lord is good"); got != 1.0 {
		t.Errorf("normalized-equal strings: got %v, want 1.0", got)
	}

	got := Similarity("grace mercy peace today", "grace mercy peace tomorrow")
	if got <= 0.5 || got >= 1.0 {
		t.Errorf("overlapping strings: got %v, want in (0.5, 1.0)", got)
	}

	if got := Similarity("completely different words", "nothing shared whatsoever"); got != 0.0 {
		t.Errorf("disjoint strings: got %v, want 0.0", got)
	}
}
