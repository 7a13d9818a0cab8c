package core

import (
	"testing"
	"time"
)

func TestParseTimerDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"1m":       time.Minute,
		"2h":       2 * time.Hour,
		"1d 2h 3m": 26*time.Hour + 3*time.Minute,
		"1h30m":    90 * time.Minute,
		"3d":       72 * time.Hour,
	}
	for input, want := range tests {
		got, err := ParseTimerDuration(input)
		if err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s, got %s", input, want, got)
		}
	}
}

func TestParseTimerDurationRejects(t *testing.T) {
	for _, input := range []string{"", "0m", "5", "5 m", "1x", "1m 2m", "m"} {
		if _, err := ParseTimerDuration(input); err == nil {
			t.Fatalf("expected %q to fail", input)
		}
	}
}

func TestParseWindowAcceptsGoDurations(t *testing.T) {
	got, err := ParseWindow("90s")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
}

func TestFormatDuration(t *testing.T) {
	if got := FormatDuration(26*time.Hour + 3*time.Minute); got != "1d 2h 3m" {
		t.Fatalf("unexpected format: %q", got)
	}
}
