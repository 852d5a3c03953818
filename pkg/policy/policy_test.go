package policy

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/fcanalytics/menurecon/pkg/model"
)

var (
	decidedAt = time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	itemA     = model.Item{Category: "Napoje", Name: "Kawa Americano", FCType: "beverage"}
	itemB     = model.Item{Category: "Napoje", Name: "Kawa Latte", FCType: "beverage"}
	pinned    = model.Item{Category: "Desery", Name: "Sernik", FCType: "food"}
)

type staticOverrides map[string]model.Item

func (s staticOverrides) Lookup(fp string) (model.OverrideEntry, bool) {
	it, ok := s[fp]
	if !ok {
		return model.OverrideEntry{}, false
	}
	return model.OverrideEntry{Fingerprint: fp, Item: it, Action: model.ActionPin, Version: 1}, true
}

func mustPolicy(t *testing.T, cfg Config) *Policy {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		cands      []model.Candidate
		wantStatus model.Status
		wantItem   *model.Item
		wantConf   float64
	}{
		{
			name:       "no candidates",
			wantStatus: model.StatusUnmatched,
		},
		{
			name:       "single strong candidate",
			cands:      []model.Candidate{{Item: itemA, Score: 1, Method: model.MethodTokenOverlap}},
			wantStatus: model.StatusMatched,
			wantItem:   &itemA,
			wantConf:   1,
		},
		{
			name: "high score, margin exactly at threshold",
			cands: []model.Candidate{
				{Item: itemA, Score: 0.95, Method: model.MethodTokenOverlap},
				{Item: itemB, Score: 0.85, Method: model.MethodTokenOverlap},
			},
			wantStatus: model.StatusMatched,
			wantItem:   &itemA,
			wantConf:   0.95,
		},
		{
			name: "high score, thin margin",
			cands: []model.Candidate{
				{Item: itemA, Score: 0.95, Method: model.MethodTokenOverlap},
				{Item: itemB, Score: 0.93, Method: model.MethodTokenOverlap},
			},
			wantStatus: model.StatusAmbiguous,
			wantItem:   &itemA,
			wantConf:   0.95,
		},
		{
			name:       "between thresholds",
			cands:      []model.Candidate{{Item: itemA, Score: 0.8623, Method: model.MethodTokenOverlap}},
			wantStatus: model.StatusAmbiguous,
			wantItem:   &itemA,
			wantConf:   0.8623,
		},
		{
			name:       "below low threshold",
			cands:      []model.Candidate{{Item: itemA, Score: 0.2, Method: model.MethodEditDistance}},
			wantStatus: model.StatusUnmatched,
			wantConf:   0.2,
		},
		{
			name: "exact ean ignores margin",
			cands: []model.Candidate{
				{Item: itemB, Score: 1, Method: model.MethodExactEAN},
			},
			wantStatus: model.StatusMatched,
			wantItem:   &itemB,
			wantConf:   1,
		},
	}

	p := mustPolicy(t, DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Decide("fp", tt.cands, nil, decidedAt)
			if got.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if (got.Item == nil) != (tt.wantItem == nil) || (got.Item != nil && *got.Item != *tt.wantItem) {
				t.Fatalf("item = %v, want %v", got.Item, tt.wantItem)
			}
			if math.Abs(got.Confidence-tt.wantConf) > 1e-9 {
				t.Fatalf("confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
			if got.Candidates == nil {
				t.Fatal("candidates should never be nil")
			}
			if !got.DecidedAt.Equal(decidedAt) {
				t.Fatalf("decided at = %v", got.DecidedAt)
			}
		})
	}
}

func TestDecideOverridePrecedence(t *testing.T) {
	p := mustPolicy(t, DefaultConfig())
	ov := staticOverrides{"fp": pinned}
	cands := []model.Candidate{{Item: itemA, Score: 1, Method: model.MethodExactEAN}}

	got := p.Decide("fp", cands, ov, decidedAt)
	if got.Status != model.StatusManualOverride || *got.Item != pinned || got.Confidence != 1 {
		t.Fatalf("override not applied: %+v", got)
	}
	if len(got.Candidates) != 1 {
		t.Fatalf("candidates should be kept for audit, got %v", got.Candidates)
	}

	got = p.Decide("other", cands, ov, decidedAt)
	if got.Status != model.StatusMatched || *got.Item != itemA {
		t.Fatalf("unrelated fingerprint overridden: %+v", got)
	}
}

func TestDecideDenyRule(t *testing.T) {
	// Even a zero low threshold must not turn a denied line into a candidate.
	p := mustPolicy(t, Config{LowThreshold: 0, HighThreshold: 0.9, MarginThreshold: 0.1})
	cands := []model.Candidate{{Method: model.MethodDenyRule, Rule: "frozen"}}

	got := p.Decide("fp", cands, nil, decidedAt)
	if got.Status != model.StatusUnmatched || got.Item != nil || got.Confidence != 0 {
		t.Fatalf("denied line decided as %+v", got)
	}
	if len(got.Candidates) != 1 || got.Candidates[0].Rule != "frozen" {
		t.Fatalf("deny rule missing from audit candidates: %v", got.Candidates)
	}

	got = p.Decide("fp", cands, staticOverrides{"fp": pinned}, decidedAt)
	if got.Status != model.StatusManualOverride {
		t.Fatalf("override should win over a deny rule: %+v", got)
	}
}

func rank(n int, r *rand.Rand) []model.Candidate {
	cands := make([]model.Candidate, n)
	for i := range cands {
		cands[i] = model.Candidate{Item: itemA, Score: math.Round(r.Float64()*10000) / 10000, Method: model.MethodTokenOverlap}
	}
	for i := 1; i < n; i++ {
		for j := i; j > 0 && cands[j].Score > cands[j-1].Score; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
	return cands
}

func TestThresholdMonotonicity(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	base := DefaultConfig()
	for i := 0; i < 2000; i++ {
		cands := rank(1+r.Intn(4), r)
		before := mustPolicy(t, base).Decide("fp", cands, nil, decidedAt)

		higher := base
		higher.HighThreshold = base.HighThreshold + r.Float64()*(1-base.HighThreshold)
		afterHigh := mustPolicy(t, higher).Decide("fp", cands, nil, decidedAt)
		if before.Status == model.StatusAmbiguous && afterHigh.Status == model.StatusMatched {
			t.Fatalf("raising high_threshold matched %v", cands)
		}

		lower := base
		lower.LowThreshold = base.LowThreshold * r.Float64()
		afterLow := mustPolicy(t, lower).Decide("fp", cands, nil, decidedAt)
		if before.Status != model.StatusUnmatched && afterLow.Status == model.StatusUnmatched {
			t.Fatalf("lowering low_threshold unmatched %v", cands)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := []Config{
		{HighThreshold: 0.5, LowThreshold: 0.6, MarginThreshold: 0.1},
		{HighThreshold: 1.2, LowThreshold: 0.6, MarginThreshold: 0.1},
		{HighThreshold: 0.9, LowThreshold: -0.1, MarginThreshold: 0.1},
		{HighThreshold: 0.9, LowThreshold: 0.6, MarginThreshold: 2},
	}
	for _, c := range bad {
		if err := c.Validate(); !errors.Is(err, ErrInvalidThresholds) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidThresholds", c, err)
		}
		if _, err := New(c); err == nil {
			t.Errorf("New(%+v) should fail", c)
		}
	}
}
