package tle

import (
	"strings"
	"testing"
	"time"
)

func TestParseFormats(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []int
	}{
		{
			name:  "three line",
			input: "ISS (ZARYA)\n" + issLine1 + "\n" + issLine2 + "\n",
			want:  []int{25544},
		},
		{
			name:  "two line",
			input: issLine1 + "\r\n" + issLine2 + "\r\n",
			want:  []int{25544},
		},
		{
			name:  "garbage before valid entry",
			input: "junk\n1 broken\nISS (ZARYA)\n" + issLine1 + "\n" + issLine2 + "\n",
			want:  []int{25544},
		},
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(strings.NewReader(tt.input), testLogger)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].NORADID != id {
					t.Errorf("entry %d NORAD = %d, want %d", i, got[i].NORADID, id)
				}
			}
		})
	}
}

func TestParseEpoch(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"25001.00000000", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"24100.50000000", time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)},
		{"98032.25000000", time.Date(1998, 2, 1, 6, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseEpoch(tt.in)
		if err != nil {
			t.Fatalf("parseEpoch(%q): %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseEpoch(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := parseEpoch("2x"); err == nil {
		t.Error("expected error for short epoch")
	}
}
