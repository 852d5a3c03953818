// Package reconcile drives one raw partition through normalization,
// matching and decision, and writes the results batch by batch.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/fcanalytics/menurecon/pkg/index"
	"github.com/fcanalytics/menurecon/pkg/matcher"
	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/normalize"
	"github.com/fcanalytics/menurecon/pkg/policy"
	"github.com/fcanalytics/menurecon/pkg/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// nopLogger silently discards all messages.
type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Store is the relational side of a run. *storage.DB implements it.
type Store interface {
	ScanPartition(ctx context.Context, name string, batchSize int, fn func([]model.RawLineItem) error) error
	WriteBatch(ctx context.Context, b storage.Batch) error
	SaveRunSummary(ctx context.Context, r storage.RunRecord) error
}

// SnapshotLoader supplies the canonical menu.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context) (index.Snapshot, error)
}

// Overrides is the override store as seen by a run.
type Overrides interface {
	Load(ctx context.Context) error
	Lookup(fingerprint string) (model.OverrideEntry, bool)
}

// Options holds everything Run needs for one partition.
type Options struct {
	Partition string
	Store     Store
	Canonical SnapshotLoader
	Overrides Overrides // optional

	Normalize normalize.Options
	Matcher   matcher.Options
	Policy    policy.Config
	// Index carries the category and name hints.
	Index index.Options

	BatchSize int // defaults to 500
	Workers   int // defaults to runtime.NumCPU()
	// AsOf stamps every decision. Zero means the first instant after the
	// partition's month, which makes reruns reproduce identical results.
	AsOf time.Time

	Log Logger // optional; nil = no logging

	// OnBatch is called after each committed batch. Nil = no callback.
	OnBatch func(committedRows int)
}

// Run reconciles one partition. On cancellation it returns the partial
// summary together with the context error; committed batches persist.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	log := opts.Log
	if log == nil {
		log = nopLogger{}
	}
	if opts.Store == nil || opts.Canonical == nil {
		return nil, errors.New("store and canonical source are required")
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	month, err := storage.PartitionMonth(opts.Partition)
	if err != nil {
		return nil, err
	}
	pol, err := policy.New(opts.Policy)
	if err != nil {
		return nil, err
	}
	if err := opts.Matcher.Validate(); err != nil {
		return nil, err
	}
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = month.AddDate(0, 1, 0)
	}
	asOf = asOf.UTC()

	snap, err := opts.Canonical.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading canonical menu: %w", err)
	}
	idx, err := index.Build(snap, opts.Index)
	if err != nil {
		return nil, err
	}
	for _, w := range idx.Warnings() {
		log.Warnf("canonical menu: %s", w)
	}
	log.Infof("Indexed %d canonical items (%d EANs, version %q)", idx.Len(), idx.EANCount(), idx.Version())

	var lookup policy.OverrideLookup
	if opts.Overrides != nil {
		if err := opts.Overrides.Load(ctx); err != nil {
			return nil, err
		}
		lookup = opts.Overrides
	}

	r := &runner{
		partition: opts.Partition,
		norm:      normalize.New(opts.Normalize),
		match:     matcher.New(idx, opts.Matcher),
		policy:    pol,
		overrides: lookup,
		asOf:      asOf,
		workers:   workers,
		memo:      make(map[string]model.MatchResult),
		log:       log,
	}
	sum := newSummary(opts.Partition, idx.Version(), asOf)
	sum.RunID = uuid.NewString()
	sum.IndexWarnings = len(idx.Warnings())
	r.sum = sum

	runErr := opts.Store.ScanPartition(ctx, opts.Partition, batchSize, func(raw []model.RawLineItem) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := r.process(ctx, raw)
		if err != nil {
			return err
		}
		if err := opts.Store.WriteBatch(ctx, batch); err != nil {
			return fmt.Errorf("committing batch %d: %w", sum.Batches+1, err)
		}
		r.account(batch, len(raw))
		log.Debugf("Committed batch %d (%d rows, %d quarantined)", sum.Batches, len(raw), len(batch.Quarantine))
		if opts.OnBatch != nil {
			opts.OnBatch(sum.RowsRead)
		}
		return nil
	})

	sum.FinishedAt = time.Now().UTC()
	sum.DistinctFingerprints = len(r.memo)
	switch {
	case runErr == nil:
		sum.Outcome = OutcomeCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		sum.Outcome = OutcomeCancelled
		log.Warnf("Run %s cancelled after %d batches; committed rows are kept", sum.RunID, sum.Batches)
	default:
		sum.Outcome = OutcomeFailed
		log.Errorf("Run %s failed: %v", sum.RunID, runErr)
	}

	if err := saveSummary(context.WithoutCancel(ctx), opts.Store, sum); err != nil {
		if runErr == nil {
			return sum, err
		}
		log.Errorf("Could not save run summary: %v", err)
	}
	return sum, runErr
}

type runner struct {
	partition string
	norm      *normalize.Normalizer
	match     *matcher.Matcher
	policy    *policy.Policy
	overrides policy.OverrideLookup
	asOf      time.Time
	workers   int

	// memo is only touched between parallel phases.
	memo map[string]model.MatchResult

	log Logger
	sum *Summary
}

type lineOutcome struct {
	item normalize.NormalizedLineItem
	qerr *normalize.QuarantineError
}

// process normalizes a batch, decides every fingerprint not seen earlier in
// the run, and assembles the rows to commit. A fingerprint is decided from
// its first occurrence in scan order.
func (r *runner) process(ctx context.Context, raw []model.RawLineItem) (storage.Batch, error) {
	outcomes := make([]lineOutcome, len(raw))
	if err := r.parallel(ctx, len(raw), func(i int) {
		n, err := r.norm.Normalize(raw[i])
		if err != nil {
			var qe *normalize.QuarantineError
			if !errors.As(err, &qe) {
				qe = &normalize.QuarantineError{Reason: "invalid_row", Detail: err.Error()}
			}
			outcomes[i].qerr = qe
			return
		}
		outcomes[i].item = n
	}); err != nil {
		return storage.Batch{}, err
	}

	var firsts []int
	pending := make(map[string]bool)
	for i, o := range outcomes {
		if o.qerr != nil {
			continue
		}
		fp := o.item.Fingerprint
		if _, done := r.memo[fp]; done || pending[fp] {
			continue
		}
		pending[fp] = true
		firsts = append(firsts, i)
	}

	decided := make([]model.MatchResult, len(firsts))
	if err := r.parallel(ctx, len(firsts), func(k int) {
		item := outcomes[firsts[k]].item
		cands := r.match.Match(item)
		decided[k] = r.policy.Decide(item.Fingerprint, cands, r.overrides, r.asOf)
	}); err != nil {
		return storage.Batch{}, err
	}
	for _, res := range decided {
		r.memo[res.Fingerprint] = res
	}
	sort.Slice(decided, func(i, j int) bool { return decided[i].Fingerprint < decided[j].Fingerprint })

	batch := storage.Batch{Partition: r.partition, Audit: decided}
	for i, o := range outcomes {
		if o.qerr != nil {
			r.log.Debugf("Quarantined row %d: %v", raw[i].Seq, o.qerr)
			batch.Quarantine = append(batch.Quarantine, storage.QuarantineRow{
				Partition: r.partition,
				Seq:       raw[i].Seq,
				Raw:       raw[i],
				Reason:    string(o.qerr.Reason),
				Detail:    o.qerr.Detail,
			})
			continue
		}
		if o.item.EANInvalid {
			r.log.Debugf("Invalid EAN %q on row %d", o.item.RawEAN, raw[i].Seq)
		}
		batch.Enriched = append(batch.Enriched, enrichedRow(r.partition, o.item, r.memo[o.item.Fingerprint]))
	}
	sort.Slice(batch.Enriched, func(i, j int) bool {
		a, b := batch.Enriched[i], batch.Enriched[j]
		if a.ReceiptID != b.ReceiptID {
			return a.ReceiptID < b.ReceiptID
		}
		return a.LineOrdinal < b.LineOrdinal
	})
	return batch, nil
}

// parallel runs fn for 0..n-1 across the configured workers.
func (r *runner) parallel(ctx context.Context, n int, fn func(i int)) error {
	if n == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	workers := r.workers
	if workers > n {
		workers = n
	}
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := w; i < n; i += workers {
				if err := gctx.Err(); err != nil {
					return err
				}
				fn(i)
			}
			return nil
		})
	}
	return g.Wait()
}

func enrichedRow(partition string, n normalize.NormalizedLineItem, res model.MatchResult) storage.EnrichedRow {
	value := n.Quantity.Mul(n.UnitPriceGross).Sub(n.Discount)
	return storage.EnrichedRow{
		Partition:      partition,
		ReceiptID:      n.ReceiptID,
		LineOrdinal:    n.Raw.LineOrdinal,
		Seq:            n.Raw.Seq,
		Raw:            n.Raw,
		PurchasedAt:    n.PurchasedAt,
		EANValid:       n.EAN,
		LineValueGross: value.StringFixed(2),
		Fingerprint:    n.Fingerprint,
		Item:           res.Item,
		Confidence:     res.Confidence,
		Status:         res.Status,
		DecidedAt:      res.DecidedAt,
	}
}

func (r *runner) account(b storage.Batch, rows int) {
	s := r.sum
	s.Batches++
	s.RowsRead += rows
	for _, q := range b.Quarantine {
		s.Quarantined++
		s.QuarantineByReason[q.Reason]++
	}
	for _, e := range b.Enriched {
		s.Statuses[e.Status]++
		s.ConfidenceHistogram[bucket(e.Confidence)]++
		if e.EANValid == "" && normalize.CleanEAN(e.Raw.EAN) != "" {
			s.InvalidEAN++
		}
	}
}

func bucket(conf float64) int {
	b := int(conf * 10)
	if b < 0 {
		return 0
	}
	if b > 9 {
		return 9
	}
	return b
}

func saveSummary(ctx context.Context, store Store, s *Summary) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return store.SaveRunSummary(ctx, storage.RunRecord{
		RunID:          s.RunID,
		Partition:      s.Partition,
		StartedAt:      s.StartedAt,
		FinishedAt:     s.FinishedAt,
		Outcome:        s.Outcome,
		RowsRead:       s.RowsRead,
		Matched:        s.Statuses[model.StatusMatched],
		Ambiguous:      s.Statuses[model.StatusAmbiguous],
		Unmatched:      s.Statuses[model.StatusUnmatched],
		ManualOverride: s.Statuses[model.StatusManualOverride],
		Quarantined:    s.Quarantined,
		Summary:        string(doc),
	})
}
