package reconcile

import (
	"time"

	"github.com/fcanalytics/menurecon/pkg/model"
)

// Run outcomes as stored in run_summaries.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Summary describes one run. It is also stored as JSON with the run record.
type Summary struct {
	RunID            string    `json:"run_id"`
	Partition        string    `json:"partition"`
	CanonicalVersion string    `json:"canonical_version"`
	AsOf             time.Time `json:"as_of"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Outcome          string    `json:"outcome"`

	RowsRead int `json:"rows_read"`
	Batches  int `json:"batches"`

	Statuses           map[model.Status]int `json:"statuses"`
	Quarantined        int                  `json:"quarantined"`
	QuarantineByReason map[string]int       `json:"quarantine_by_reason"`
	InvalidEAN         int                  `json:"invalid_ean"`

	// ConfidenceHistogram buckets enriched rows by confidence in steps of
	// 0.1; a confidence of 1.0 lands in the last bucket.
	ConfidenceHistogram [10]int `json:"confidence_histogram"`

	DistinctFingerprints int `json:"distinct_fingerprints"`
	IndexWarnings        int `json:"index_warnings"`
}

func newSummary(partition, version string, asOf time.Time) *Summary {
	s := &Summary{
		Partition:          partition,
		CanonicalVersion:   version,
		AsOf:               asOf,
		StartedAt:          time.Now().UTC(),
		Statuses:           make(map[model.Status]int, len(model.Statuses)),
		QuarantineByReason: make(map[string]int),
	}
	for _, st := range model.Statuses {
		s.Statuses[st] = 0
	}
	return s
}

// Duration is the wall time of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Enriched is the number of rows that received a decision.
func (s *Summary) Enriched() int {
	n := 0
	for _, c := range s.Statuses {
		n += c
	}
	return n
}
