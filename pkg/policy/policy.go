// Package policy turns ranked candidates into a terminal decision.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/fcanalytics/menurecon/pkg/model"
)

// ErrInvalidThresholds is wrapped by Config.Validate.
var ErrInvalidThresholds = errors.New("invalid thresholds")

// Config holds the decision thresholds.
type Config struct {
	HighThreshold   float64
	LowThreshold    float64
	MarginThreshold float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{HighThreshold: 0.90, LowThreshold: 0.60, MarginThreshold: 0.10}
}

// Validate requires 0 <= low <= high <= 1 and a margin within [0,1].
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"high_threshold":   c.HighThreshold,
		"low_threshold":    c.LowThreshold,
		"margin_threshold": c.MarginThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v is outside [0,1]", ErrInvalidThresholds, name, v)
		}
	}
	if c.LowThreshold > c.HighThreshold {
		return fmt.Errorf("%w: low_threshold %v is above high_threshold %v", ErrInvalidThresholds, c.LowThreshold, c.HighThreshold)
	}
	return nil
}

// OverrideLookup is the read side of the override store. It reports only
// active pins.
type OverrideLookup interface {
	Lookup(fingerprint string) (model.OverrideEntry, bool)
}

// Scores carry 4 decimals, so a margin computed by subtraction can land a
// hair below the threshold it equals.
const marginEpsilon = 1e-9

// Policy applies a Config. It holds no mutable state.
type Policy struct {
	cfg Config
}

// New validates cfg and returns a Policy.
func New(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg}, nil
}

// Decide picks the terminal status for one fingerprint. Candidates must be
// ranked best first; they are kept on the result for audit either way.
func (p *Policy) Decide(fingerprint string, candidates []model.Candidate, overrides OverrideLookup, decidedAt time.Time) model.MatchResult {
	res := model.MatchResult{
		Fingerprint: fingerprint,
		Candidates:  candidates,
		DecidedAt:   decidedAt,
		Status:      model.StatusUnmatched,
	}
	if res.Candidates == nil {
		res.Candidates = []model.Candidate{}
	}

	if overrides != nil {
		if entry, ok := overrides.Lookup(fingerprint); ok {
			item := entry.Item
			res.Item = &item
			res.Confidence = 1
			res.Status = model.StatusManualOverride
			return res
		}
	}
	if len(candidates) == 0 {
		return res
	}

	top := candidates[0]
	margin := top.Score
	if len(candidates) > 1 {
		margin = top.Score - candidates[1].Score
	}
	item := top.Item

	switch {
	case top.Method == model.MethodDenyRule:
		// stays unmatched with no item
	case top.Method == model.MethodExactEAN:
		res.Item, res.Confidence, res.Status = &item, 1, model.StatusMatched
	case top.Score >= p.cfg.HighThreshold && margin >= p.cfg.MarginThreshold-marginEpsilon:
		res.Item, res.Confidence, res.Status = &item, top.Score, model.StatusMatched
	case top.Score >= p.cfg.LowThreshold:
		res.Item, res.Confidence, res.Status = &item, top.Score, model.StatusAmbiguous
	default:
		res.Confidence = top.Score
	}
	return res
}
