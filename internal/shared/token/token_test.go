package token

import "testing"

func TestEstimate(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"hi", 1},
		{"one two three four five", 5},
		{"abcdefghijklmnopqrstuvwxyzabcdefghijklm", 9},
	}
	for _, tc := range cases {
		if got := Estimate(tc.text); got != tc.want {
			t.Fatalf("Estimate(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestEstimateNeverZeroForContent(t *testing.T) {
	if Estimate("x") < 1 {
		t.Fatal("non-empty text must count at least one token")
	}
}
