package job

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateWaiting, StateActive, true},
		{StateWaiting, StateCancelled, true},
		{StateWaiting, StateCompleted, false},
		{StateDelayed, StateWaiting, true},
		{StateDelayed, StateActive, true},
		{StateDelayed, StateCancelled, true},
		{StateActive, StateCompleted, true},
		{StateActive, StateFailed, true},
		{StateActive, StateCancelled, false},
		{StateFailed, StateWaiting, true},
		{StateFailed, StateActive, false},
		{StateCompleted, StateWaiting, false},
		{StateCancelled, StateActive, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []State{StateWaiting, StateDelayed, StateActive} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestTierWeights(t *testing.T) {
	tests := []struct {
		tier Tier
		want int
	}{
		{TierUrgent, 4},
		{TierHigh, 3},
		{TierNormal, 2},
		{TierLow, 1},
		{"UNKNOWN", 2},
	}
	for _, tt := range tests {
		if got := tt.tier.Weight(); got != tt.want {
			t.Errorf("%s.Weight() = %d, want %d", tt.tier, got, tt.want)
		}
	}

	tiers := Tiers()
	for i := 1; i < len(tiers); i++ {
		if tiers[i-1].Weight() <= tiers[i].Weight() {
			t.Errorf("Tiers() not ordered by weight: %v", tiers)
		}
	}
}

func TestTierValid(t *testing.T) {
	for _, tier := range Tiers() {
		if !tier.Valid() {
			t.Errorf("%s.Valid() = false", tier)
		}
	}
	if Tier("EXTREME").Valid() {
		t.Error(`Tier("EXTREME").Valid() = true, want false`)
	}
	if Tier("").Valid() {
		t.Error("empty tier reported valid")
	}
}

func TestJobDue(t *testing.T) {
	now := time.Now().UTC()

	j := &Job{RunAt: now.Add(-time.Second)}
	if !j.Due(now) {
		t.Error("past RunAt not due")
	}
	j.RunAt = now.Add(time.Hour)
	if j.Due(now) {
		t.Error("future RunAt reported due")
	}
	j.RunAt = time.Time{}
	if !j.Due(now) {
		t.Error("zero RunAt not due")
	}
}
