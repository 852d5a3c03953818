package storage

import (
	"time"

	"github.com/fcanalytics/menurecon/pkg/model"
)

// EnrichedRow is one reconciled invoice line.
type EnrichedRow struct {
	Partition   string
	ReceiptID   int64
	LineOrdinal int
	Seq         int

	Raw model.RawLineItem

	PurchasedAt    time.Time
	EANValid       string
	LineValueGross string

	Fingerprint string
	Item        *model.Item
	Confidence  float64
	Status      model.Status
	DecidedAt   time.Time
}

// AuditEntry is one decision as stored in match_audit.
type AuditEntry struct {
	Partition  string
	Result     model.MatchResult
	Digest     string
	Superseded bool
}

// QuarantineRow is a raw line excluded from matching.
type QuarantineRow struct {
	Partition string
	Seq       int
	Raw       model.RawLineItem
	Reason    string
	Detail    string
}

// Batch is written in a single transaction.
type Batch struct {
	Partition  string
	Enriched   []EnrichedRow
	Audit      []model.MatchResult
	Quarantine []QuarantineRow
}

// RunRecord is a row of run_summaries. Summary holds the full JSON document.
type RunRecord struct {
	RunID          string
	Partition      string
	StartedAt      time.Time
	FinishedAt     time.Time
	Outcome        string // completed | cancelled | failed
	RowsRead       int
	Matched        int
	Ambiguous      int
	Unmatched      int
	ManualOverride int
	Quarantined    int
	Summary        string
}

// PartitionStats mirrors the null counters analysts check before a run,
// plus the status breakdown of the last reconciliation.
type PartitionStats struct {
	Partition   string
	Rows        int
	Nulls       map[string]int
	Enriched    map[model.Status]int
	Quarantined int
}
