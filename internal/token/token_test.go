package token

import "testing"

func TestNewLength(t *testing.T) {
	for i := 0; i < 100; i++ {
		if got := New(); len(got) != TokenLength {
			t.Fatalf("token length %d, want %d", len(got), TokenLength)
		}
	}
}

func TestNewDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		value := New()
		if seen[value] {
			t.Fatalf("duplicate token after %d draws", i)
		}
		seen[value] = true
	}
}

func TestNewURLSafe(t *testing.T) {
	value := New()
	if !Valid(value) {
		t.Fatalf("generated token failed validation: %q", value)
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{New(), true},
		{"", false},
		{"short", false},
		{New() + "x", false},
		{New()[:TokenLength-1] + "+", false},
		{New()[:TokenLength-1] + "=", false},
	}
	for _, tt := range cases {
		if got := Valid(tt.value); got != tt.want {
			t.Fatalf("Valid(%q)=%v, want %v", tt.value, got, tt.want)
		}
	}
}
