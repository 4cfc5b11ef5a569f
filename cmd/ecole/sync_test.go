package main

import (
	"testing"
	"time"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 12, 10, 30, 0, 0, time.Local)

	got, err := parseSince("", now)
	if err != nil || !got.IsZero() {
		t.Errorf("empty since = %v, %v; want zero time", got, err)
	}

	got, err = parseSince("2026-01-15", now)
	if err != nil {
		t.Fatalf("parseSince(date) failed: %v", err)
	}
	if want := time.Date(2026, 1, 15, 0, 0, 0, 0, time.Local); !got.Equal(want) {
		t.Errorf("date = %v, want %v", got, want)
	}

	got, err = parseSince("yesterday", now)
	if err != nil {
		t.Fatalf("parseSince(yesterday) failed: %v", err)
	}
	if got.Day() != 11 || got.Month() != time.March {
		t.Errorf("yesterday = %v", got)
	}

	if _, err := parseSince("whenever you like", now); err == nil {
		t.Error("expected error for an expression that is not a date")
	}
}
