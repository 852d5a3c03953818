package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/overrides"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPartition = "raw_invoices_09_2025"

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "menurecon.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedPartition(t *testing.T, db *DB, name string, rows [][2]string) {
	t.Helper()
	ctx := context.Background()
	_, err := db.sql.ExecContext(ctx, `CREATE TABLE `+name+` (
  id_paragonu INTEGER, numer_paragonu TEXT, data_zakupu TEXT, godzina_zakupu TEXT,
  linia_produktowa TEXT, ean TEXT, nazwa_produktu TEXT, ilosc TEXT,
  cena_jednostkowa_brutto TEXT, stawka_vat TEXT, cena_jednostkowa_netto TEXT,
  rabat TEXT, kasjer TEXT, metoda_platnosci TEXT, id_sieci TEXT)`)
	require.NoError(t, err)
	for _, r := range rows {
		_, err := db.sql.ExecContext(ctx, `INSERT INTO `+name+`(id_paragonu, data_zakupu, nazwa_produktu, ilosc, cena_jednostkowa_brutto, id_sieci) VALUES(?, '15.09.2025', ?, '1', '10,00', 'CH')`, r[0], r[1])
		require.NoError(t, err)
	}
}

func TestPartitionMonth(t *testing.T) {
	got, err := PartitionMonth("raw_invoices_09_2025")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC), got)

	for _, bad := range []string{"raw_invoices_13_2025", "raw_invoices_9_2025", "invoices_09_2025", "raw_invoices_09_2025; DROP TABLE x"} {
		_, err := PartitionMonth(bad)
		assert.True(t, errors.Is(err, ErrInvalidPartition), bad)
	}
}

func TestScanPartitionOrderAndBatches(t *testing.T) {
	db := openTestDB(t)
	seedPartition(t, db, testPartition, [][2]string{
		{"20", "kawa"}, {"10", "bulka"}, {"20", "ciastko"}, {"10", "maslo"}, {"30", "woda"},
	})

	var batches [][]model.RawLineItem
	err := db.ScanPartition(context.Background(), testPartition, 2, func(b []model.RawLineItem) error {
		batches = append(batches, b)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, batches, 3)

	var got []string
	for _, b := range batches {
		for _, r := range b {
			got = append(got, fmt.Sprintf("%d:%s/%d:%s", r.Seq, r.ReceiptID, r.LineOrdinal, r.ProductName))
		}
	}
	assert.Equal(t, []string{
		"0:10/1:bulka", "1:10/2:maslo", "2:20/1:kawa", "3:20/2:ciastko", "4:30/1:woda",
	}, got)

	n, err := db.CountPartition(context.Background(), testPartition)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestScanPartitionGroupsReceiptIDFormats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, err := db.sql.ExecContext(ctx, `CREATE TABLE `+testPartition+` (
  id_paragonu TEXT, numer_paragonu TEXT, data_zakupu TEXT, godzina_zakupu TEXT,
  linia_produktowa TEXT, ean TEXT, nazwa_produktu TEXT, ilosc TEXT,
  cena_jednostkowa_brutto TEXT, stawka_vat TEXT, cena_jednostkowa_netto TEXT,
  rabat TEXT, kasjer TEXT, metoda_platnosci TEXT, id_sieci TEXT)`)
	require.NoError(t, err)
	_, err = db.sql.ExecContext(ctx, `INSERT INTO `+testPartition+`(id_paragonu, nazwa_produktu, ilosc)
VALUES ('1','kawa','1'), ('1.0','bulka','1'), ('R-7','woda','1'), ('R-7','sok','1')`)
	require.NoError(t, err)

	var got []string
	err = db.ScanPartition(ctx, testPartition, 10, func(b []model.RawLineItem) error {
		for _, r := range b {
			got = append(got, fmt.Sprintf("%s/%d:%s", r.ReceiptID, r.LineOrdinal, r.ProductName))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1/1:kawa", "1.0/2:bulka", "R-7/1:woda", "R-7/2:sok"}, got)
}

func TestScanMissingPartition(t *testing.T) {
	db := openTestDB(t)
	err := db.ScanPartition(context.Background(), "raw_invoices_01_2020", 10, func([]model.RawLineItem) error { return nil })
	assert.True(t, errors.Is(err, ErrInvalidPartition))
}

func TestLoadCanonicalAndEANMap(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, err := db.sql.ExecContext(ctx, `CREATE TABLE canonical_menu (menu_category TEXT, menu_item TEXT, fc_type TEXT)`)
	require.NoError(t, err)
	_, err = db.sql.ExecContext(ctx, `INSERT INTO canonical_menu VALUES ('Napoje','Kawa Americano','beverage'), ('Wypieki','Croissant','food')`)
	require.NoError(t, err)
	_, err = db.sql.ExecContext(ctx, `CREATE TABLE canonical_ean (ean INTEGER, menu_category TEXT, menu_item TEXT, fc_type TEXT)`)
	require.NoError(t, err)
	_, err = db.sql.ExecContext(ctx, `INSERT INTO canonical_ean VALUES (5901234123457,'Napoje','Kawa Americano','beverage')`)
	require.NoError(t, err)

	items, err := db.LoadCanonical(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Item{
		{Category: "Napoje", Name: "Kawa Americano", FCType: "beverage"},
		{Category: "Wypieki", Name: "Croissant", FCType: "food"},
	}, items)

	eans, err := db.LoadEANMap(ctx, "canonical_ean")
	require.NoError(t, err)
	require.Len(t, eans, 1)
	assert.Equal(t, "5901234123457", eans[0].EAN)

	_, err = db.LoadEANMap(ctx, "bad name;")
	assert.Error(t, err)
}

func result(fp string, status model.Status, item *model.Item, conf float64) model.MatchResult {
	return model.MatchResult{
		Fingerprint: fp,
		Item:        item,
		Confidence:  conf,
		Status:      status,
		Candidates:  []model.Candidate{},
		DecidedAt:   time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWriteBatchIdempotentAndSupersedes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	item := model.Item{Category: "Napoje", Name: "Kawa Americano", FCType: "beverage"}
	pinned := model.Item{Category: "Napoje", Name: "Kawa Latte", FCType: "beverage"}

	first := result("fp1", model.StatusAmbiguous, &item, 0.8623)
	batch := Batch{
		Partition: testPartition,
		Enriched: []EnrichedRow{{
			ReceiptID:   10,
			LineOrdinal: 1,
			Fingerprint: "fp1",
			Raw:         model.RawLineItem{ReceiptID: "10", ProductName: "kawa amerikano"},
			Item:        &item,
			Confidence:  0.8623,
			Status:      model.StatusAmbiguous,
			DecidedAt:   first.DecidedAt,
		}},
		Audit:      []model.MatchResult{first},
		Quarantine: []QuarantineRow{{Seq: 1, Raw: model.RawLineItem{ReceiptID: "10", Quantity: "-1"}, Reason: "nonpositive_quantity", Detail: "quantity -1"}},
	}
	require.NoError(t, db.WriteBatch(ctx, batch))
	require.NoError(t, db.WriteBatch(ctx, batch))

	enriched, err := db.ListEnriched(ctx, testPartition)
	require.NoError(t, err)
	require.Len(t, enriched, 1)
	assert.Equal(t, "kawa amerikano", enriched[0].Raw.ProductName)
	assert.Equal(t, model.StatusAmbiguous, enriched[0].Status)

	audit, err := db.ListAudit(ctx, AuditFilter{Partition: testPartition, IncludeSuperseded: true})
	require.NoError(t, err)
	require.Len(t, audit, 1)

	q, err := db.ListQuarantine(ctx, testPartition, "", 0)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, "-1", q[0].Raw.Quantity)

	// A correction changes the decision; the old entry stays, superseded.
	second := result("fp1", model.StatusManualOverride, &pinned, 1)
	require.NoError(t, db.WriteBatch(ctx, Batch{Partition: testPartition, Audit: []model.MatchResult{second}}))

	audit, err = db.ListAudit(ctx, AuditFilter{Partition: testPartition, IncludeSuperseded: true})
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.False(t, audit[0].Superseded)
	assert.Equal(t, model.StatusManualOverride, audit[0].Result.Status)
	assert.True(t, audit[1].Superseded)

	current, err := db.ListAudit(ctx, AuditFilter{Partition: testPartition})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, pinned, *current[0].Result.Item)
}

func TestWriteBatchMovesRowBetweenSinks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	item := model.Item{Category: "Napoje", Name: "Kawa Latte", FCType: "beverage"}
	raw := model.RawLineItem{ReceiptID: "4.0", LineOrdinal: 2, Seq: 7, ProductName: "Kawa Latte", UnitPriceGross: "12,40"}

	enriched := Batch{Partition: testPartition, Enriched: []EnrichedRow{{
		ReceiptID:   4,
		LineOrdinal: 2,
		Seq:         7,
		Raw:         raw,
		Fingerprint: "fp-latte",
		Item:        &item,
		Confidence:  1,
		Status:      model.StatusMatched,
		DecidedAt:   time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
	}}}
	quarantined := Batch{Partition: testPartition, Quarantine: []QuarantineRow{{Seq: 7, Raw: raw, Reason: "price_inconsistent"}}}

	counts := func() (int, int) {
		t.Helper()
		e, err := db.ListEnriched(ctx, testPartition)
		require.NoError(t, err)
		q, err := db.ListQuarantine(ctx, testPartition, "", 0)
		require.NoError(t, err)
		return len(e), len(q)
	}

	require.NoError(t, db.WriteBatch(ctx, enriched))
	require.NoError(t, db.WriteBatch(ctx, quarantined))
	e, q := counts()
	assert.Equal(t, 0, e, "quarantined row still enriched")
	assert.Equal(t, 1, q)

	require.NoError(t, db.WriteBatch(ctx, enriched))
	e, q = counts()
	assert.Equal(t, 1, e)
	assert.Equal(t, 0, q, "enriched row still quarantined")
}

func TestAuditDigestStable(t *testing.T) {
	item := model.Item{Category: "Napoje", Name: "Kawa Americano", FCType: "beverage"}
	a, _, err := AuditDigest(result("fp", model.StatusMatched, &item, 1))
	require.NoError(t, err)
	b, _, err := AuditDigest(result("fp", model.StatusMatched, &item, 1))
	require.NoError(t, err)
	c, _, err := AuditDigest(result("fp", model.StatusAmbiguous, &item, 1))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestOverrideBackend(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	item := model.Item{Category: "Napoje", Name: "Kawa Latte", FCType: "beverage"}

	store := overrides.NewStore(db, nil)
	_, err := store.RecordCorrection(ctx, overrides.Correction{Fingerprint: "fp", Item: item, Author: "ania", ExpectedVersion: 0})
	require.NoError(t, err)

	dup := model.OverrideEntry{Fingerprint: "fp", Version: 1, Action: model.ActionPin, Item: item, Author: "tomek"}
	assert.True(t, errors.Is(db.AppendOverride(ctx, dup), overrides.ErrWriteConflict))

	_, err = store.Revoke(ctx, "fp", "tomek", "", 1)
	require.NoError(t, err)

	hist, err := db.OverrideHistory(ctx, "fp")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, item, hist[0].Item)
	assert.Equal(t, model.ActionRevoke, hist[1].Action)

	require.NoError(t, store.Load(ctx))
	_, ok := store.Lookup("fp")
	assert.False(t, ok)
}

func TestRunSummariesAndStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedPartition(t, db, testPartition, [][2]string{{"1", "kawa"}, {"2", ""}})

	start := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, db.SaveRunSummary(ctx, RunRecord{
		RunID:       "r1",
		Partition:   testPartition,
		StartedAt:   start,
		FinishedAt:  start.Add(time.Minute),
		Outcome:     "completed",
		RowsRead:    2,
		Matched:     1,
		Quarantined: 1,
		Summary:     "{}",
	}))
	runs, err := db.ListRunSummaries(ctx, testPartition, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, start, runs[0].StartedAt)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Rows)
	assert.Equal(t, 1, stats[0].Nulls["nazwa_produktu"])
	assert.Equal(t, 2, stats[0].Nulls["ean"])
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: Postgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	lite := &DB{dialect: SQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
