package pricing

import (
	"math"
	"testing"
)

func TestRateFor_LongestPrefixWins(t *testing.T) {
	r := RateFor("gpt-4o-mini-2024-07-18")
	if r.InputPerMTok != 0.15 {
		t.Errorf("expected gpt-4o-mini rate, got input=%v", r.InputPerMTok)
	}
	r = RateFor("gpt-4o-2024-08-06")
	if r.InputPerMTok != 2.50 {
		t.Errorf("expected gpt-4o rate, got input=%v", r.InputPerMTok)
	}
}

func TestRateFor_UnknownModelUsesDefault(t *testing.T) {
	r := RateFor("experimental-llm-9000")
	if r != defaultRate {
		t.Errorf("got %+v, want default rate", r)
	}
}

func TestEstimateCost(t *testing.T) {
	// 1M input + 1M output on sonnet pricing.
	got := EstimateCost("claude-sonnet-4", 1_000_000, 1_000_000)
	if math.Abs(got-18.00) > 1e-9 {
		t.Errorf("cost = %v, want 18.00", got)
	}
	if got := EstimateCost("claude-haiku-3", 0, 0); got != 0 {
		t.Errorf("zero tokens should cost zero, got %v", got)
	}
}
