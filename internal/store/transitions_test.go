package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"start", "queued", true},
		{"start", "in_service", false},
		{"start", "done", false},
		{"start", "cancelled", false},
		{"complete", "in_service", true},
		{"complete", "queued", false},
		{"complete", "done", false},
		{"cancel", "queued", true},
		{"cancel", "in_service", true},
		{"cancel", "done", false},
		{"cancel", "cancelled", false},
		{"reorder", "queued", true},
		{"reorder", "in_service", false},
		{"reorder", "done", false},
		{"unknown", "queued", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}
