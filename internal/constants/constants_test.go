package constants

import "testing"

func TestValidatePasses(t *testing.T) {
	if err := Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestGetReturnsDefaults(t *testing.T) {
	l := Get()
	if l.MaxOpenPositions != 10 {
		t.Errorf("MaxOpenPositions = %d, want 10", l.MaxOpenPositions)
	}
	if l.StrategyAutoDisableThreshold != 5 {
		t.Errorf("StrategyAutoDisableThreshold = %d, want 5", l.StrategyAutoDisableThreshold)
	}
}

func TestBandRejectsOutOfRange(t *testing.T) {
	if err := intBand("x", 0, 0, 10); err == nil {
		t.Error("expected error for value equal to lower bound (exclusive)")
	}
	if err := intBand("x", 11, 0, 10); err == nil {
		t.Error("expected error for value above upper bound")
	}
	if err := intBand("x", 5, 0, 10); err != nil {
		t.Errorf("expected in-range value to pass, got %v", err)
	}
}
