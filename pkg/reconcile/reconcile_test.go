package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fcanalytics/menurecon/pkg/index"
	"github.com/fcanalytics/menurecon/pkg/matcher"
	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/normalize"
	"github.com/fcanalytics/menurecon/pkg/overrides"
	"github.com/fcanalytics/menurecon/pkg/policy"
	"github.com/fcanalytics/menurecon/pkg/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const partition = "raw_invoices_09_2025"

var (
	americano = model.Item{Category: "Napoje", Name: "Kawa Americano", FCType: "beverage"}
	latte     = model.Item{Category: "Napoje", Name: "Kawa Latte", FCType: "beverage"}
	croissant = model.Item{Category: "Wypieki", Name: "Croissant", FCType: "food"}
)

type staticMenu index.Snapshot

func (m staticMenu) LoadSnapshot(context.Context) (index.Snapshot, error) {
	return index.Snapshot(m), nil
}

type failingMenu struct{ err error }

func (m failingMenu) LoadSnapshot(context.Context) (index.Snapshot, error) {
	return index.Snapshot{}, m.err
}

// rawRows are receipt id, product name, quantity.
var rawRows = [][3]string{
	{"2", "zzz_unknown_item_42", "1"},
	{"1", "Kawa Americano 250ml", "1"},
	{"1", "kawa amerikano", "1"},
	{"2", "Croissant", "-1"},
	{"3", "KAWA AMERICANO", "2"},
}

func setup(t *testing.T) (*storage.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "menurecon.sqlite")
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Exec(`CREATE TABLE ` + partition + ` (
  id_paragonu INTEGER, numer_paragonu TEXT, data_zakupu TEXT, godzina_zakupu TEXT,
  linia_produktowa TEXT, ean TEXT, nazwa_produktu TEXT, ilosc TEXT,
  cena_jednostkowa_brutto TEXT, stawka_vat TEXT, cena_jednostkowa_netto TEXT,
  rabat TEXT, kasjer TEXT, metoda_platnosci TEXT, id_sieci TEXT)`)
	require.NoError(t, err)
	for _, r := range rawRows {
		_, err := raw.Exec(`INSERT INTO `+partition+`(id_paragonu, data_zakupu, godzina_zakupu, linia_produktowa, nazwa_produktu, ilosc, cena_jednostkowa_brutto, id_sieci)
VALUES(?, '15.09.2025', '815', 'Napoje', ?, ?, '12,00', 'CH')`, r[0], r[1], r[2])
		require.NoError(t, err)
	}

	db, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func options(db *storage.DB) Options {
	return Options{
		Partition: partition,
		Store:     db,
		Canonical: staticMenu{Items: []model.Item{americano, latte, croissant}, Version: "test"},
		Overrides: overrides.NewStore(db, nil),
		Matcher:   matcher.DefaultOptions(),
		Policy:    policy.DefaultConfig(),
		BatchSize: 2,
		Workers:   4,
	}
}

func TestRunEndToEnd(t *testing.T) {
	db, _ := setup(t)
	ctx := context.Background()

	sum, err := Run(ctx, options(db))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, sum.Outcome)
	assert.Equal(t, 5, sum.RowsRead)
	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, 2, sum.Statuses[model.StatusMatched])
	assert.Equal(t, 1, sum.Statuses[model.StatusAmbiguous])
	assert.Equal(t, 1, sum.Statuses[model.StatusUnmatched])
	assert.Equal(t, 1, sum.Quarantined)
	assert.Equal(t, 1, sum.QuarantineByReason["nonpositive_quantity"])
	assert.Equal(t, 3, sum.DistinctFingerprints)
	assert.Equal(t, "test", sum.CanonicalVersion)
	assert.Equal(t, 4, sum.Enriched())
	assert.NotEmpty(t, sum.RunID)

	rows, err := db.ListEnriched(ctx, partition)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, int64(1), rows[0].ReceiptID)
	assert.Equal(t, model.StatusMatched, rows[0].Status)
	assert.Equal(t, americano, *rows[0].Item)
	assert.Equal(t, "12.00", rows[0].LineValueGross)

	assert.Equal(t, model.StatusAmbiguous, rows[1].Status)
	assert.Equal(t, americano, *rows[1].Item)

	assert.Equal(t, model.StatusUnmatched, rows[2].Status)
	assert.Nil(t, rows[2].Item)

	assert.Equal(t, int64(3), rows[3].ReceiptID)
	assert.Equal(t, model.StatusMatched, rows[3].Status)
	assert.Equal(t, rows[0].Fingerprint, rows[3].Fingerprint)
	assert.Equal(t, "24.00", rows[3].LineValueGross)

	q, err := db.ListQuarantine(ctx, partition, "", 0)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, "-1", q[0].Raw.Quantity)

	runs, err := db.ListRunSummaries(ctx, partition, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, sum.RunID, runs[0].RunID)
	assert.Equal(t, 2, runs[0].Matched)
}

func TestRunIsIdempotent(t *testing.T) {
	db, _ := setup(t)
	ctx := context.Background()

	_, err := Run(ctx, options(db))
	require.NoError(t, err)
	first, err := db.ListEnriched(ctx, partition)
	require.NoError(t, err)
	firstAudit, err := db.ListAudit(ctx, storage.AuditFilter{Partition: partition, IncludeSuperseded: true})
	require.NoError(t, err)

	opts := options(db)
	opts.Workers = 1
	opts.BatchSize = 500
	_, err = Run(ctx, opts)
	require.NoError(t, err)
	second, err := db.ListEnriched(ctx, partition)
	require.NoError(t, err)
	secondAudit, err := db.ListAudit(ctx, storage.AuditFilter{Partition: partition, IncludeSuperseded: true})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstAudit, secondAudit)
	assert.Len(t, secondAudit, 3)
}

func TestRunOverridePrecedence(t *testing.T) {
	db, _ := setup(t)
	ctx := context.Background()

	_, err := Run(ctx, options(db))
	require.NoError(t, err)
	rows, err := db.ListEnriched(ctx, partition)
	require.NoError(t, err)
	fp := rows[1].Fingerprint

	store := overrides.NewStore(db, nil)
	_, err = store.RecordCorrection(ctx, overrides.Correction{Fingerprint: fp, Item: latte, Author: "ania", ExpectedVersion: 0})
	require.NoError(t, err)

	opts := options(db)
	opts.Overrides = store
	sum, err := Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Statuses[model.StatusManualOverride])
	assert.Equal(t, 0, sum.Statuses[model.StatusAmbiguous])

	rows, err = db.ListEnriched(ctx, partition)
	require.NoError(t, err)
	assert.Equal(t, model.StatusManualOverride, rows[1].Status)
	assert.Equal(t, latte, *rows[1].Item)
	assert.Equal(t, 1.0, rows[1].Confidence)

	audit, err := db.ListAudit(ctx, storage.AuditFilter{Partition: partition, Fingerprint: fp, IncludeSuperseded: true})
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, model.StatusManualOverride, audit[0].Result.Status)
	assert.False(t, audit[0].Superseded)
	assert.Equal(t, model.StatusAmbiguous, audit[1].Result.Status)
	assert.True(t, audit[1].Superseded)
}

func TestRerunAfterToleranceChange(t *testing.T) {
	db, path := setup(t)
	ctx := context.Background()

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	// 10,00 net at 23% expects 12,30 gross.
	_, err = raw.Exec(`INSERT INTO ` + partition + `(id_paragonu, data_zakupu, godzina_zakupu, nazwa_produktu, ilosc, cena_jednostkowa_brutto, stawka_vat, cena_jednostkowa_netto, id_sieci)
VALUES(4, '15.09.2025', '815', 'Kawa Latte', '1', '12,40', 'A', '10,00', 'CH')`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	loose := options(db)
	loose.Normalize = normalize.Options{Tolerance: &normalize.Tolerance{Absolute: decimal.RequireFromString("0.50")}}

	check := func(wantEnriched, wantQuarantined int, latteEnriched bool) {
		t.Helper()
		rows, err := db.ListEnriched(ctx, partition)
		require.NoError(t, err)
		q, err := db.ListQuarantine(ctx, partition, "", 0)
		require.NoError(t, err)
		assert.Len(t, rows, wantEnriched)
		assert.Len(t, q, wantQuarantined)

		found := false
		for _, r := range rows {
			if r.ReceiptID == 4 {
				found = true
			}
		}
		assert.Equal(t, latteEnriched, found)
	}

	sum, err := Run(ctx, loose)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Quarantined)
	check(5, 1, true)

	sum, err = Run(ctx, options(db))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Quarantined)
	assert.Equal(t, 1, sum.QuarantineByReason["price_inconsistent"])
	check(4, 2, false)

	_, err = Run(ctx, loose)
	require.NoError(t, err)
	check(5, 1, true)
}

func TestRunCancelledKeepsCommittedBatches(t *testing.T) {
	db, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := options(db)
	opts.OnBatch = func(int) { cancel() }
	sum, err := Run(ctx, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, sum)
	assert.Equal(t, OutcomeCancelled, sum.Outcome)
	assert.Equal(t, 1, sum.Batches)

	rows, err := db.ListEnriched(context.Background(), partition)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	runs, err := db.ListRunSummaries(context.Background(), partition, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, OutcomeCancelled, runs[0].Outcome)
}

func TestRunFailsBeforeReadingRows(t *testing.T) {
	db, _ := setup(t)
	ctx := context.Background()

	opts := options(db)
	opts.Canonical = staticMenu{}
	_, err := Run(ctx, opts)
	assert.True(t, errors.Is(err, index.ErrIndexBuild))

	opts.Canonical = failingMenu{err: errors.New("menu unavailable")}
	_, err = Run(ctx, opts)
	assert.ErrorContains(t, err, "menu unavailable")

	opts = options(db)
	opts.Partition = "raw_invoices_13_2025"
	_, err = Run(ctx, opts)
	assert.True(t, errors.Is(err, storage.ErrInvalidPartition))

	opts = options(db)
	opts.Policy = policy.Config{HighThreshold: 0.5, LowThreshold: 0.7}
	_, err = Run(ctx, opts)
	assert.True(t, errors.Is(err, policy.ErrInvalidThresholds))

	rows, err := db.ListEnriched(ctx, partition)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBucket(t *testing.T) {
	for conf, want := range map[float64]int{0: 0, 0.05: 0, 0.1: 1, 0.8623: 8, 0.99: 9, 1: 9} {
		assert.Equal(t, want, bucket(conf), "confidence %v", conf)
	}
}
