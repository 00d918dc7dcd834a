package queue

import (
	"testing"
	"time"
)

func TestComputeBackoffGrowsExponentially(t *testing.T) {
	base := 30 * time.Second
	max := 10 * time.Minute
	for failures := 1; failures <= 4; failures++ {
		ideal := base << (failures - 1)
		got := computeBackoff(base, max, failures)
		low := time.Duration(float64(ideal) * 0.8)
		high := time.Duration(float64(ideal) * 1.2)
		if got < low || got > high {
			t.Fatalf("failures=%d: backoff %v outside [%v, %v]", failures, got, low, high)
		}
	}
}

func TestComputeBackoffCap(t *testing.T) {
	base := 30 * time.Second
	max := 10 * time.Minute
	got := computeBackoff(base, max, 20)
	if got > time.Duration(float64(max)*1.2) {
		t.Fatalf("backoff %v exceeds cap with jitter", got)
	}
	if got < time.Duration(float64(max)*0.8) {
		t.Fatalf("backoff %v should sit near the cap", got)
	}
}

func TestComputeBackoffDefendsInputs(t *testing.T) {
	if got := computeBackoff(0, 0, 0); got <= 0 {
		t.Fatalf("backoff must be positive, got %v", got)
	}
}
