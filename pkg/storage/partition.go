package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/normalize"
)

// ErrInvalidPartition is returned for names that are not raw_invoices_MM_YYYY
// or for partitions that do not exist.
var ErrInvalidPartition = errors.New("invalid partition")

const partitionPrefix = "raw_invoices_"

var partitionRegex = regexp.MustCompile(`^raw_invoices_(0[1-9]|1[0-2])_(\d{4})$`)

// rawColumns in RawLineItem field order.
var rawColumns = []string{
	"id_paragonu", "numer_paragonu", "data_zakupu", "godzina_zakupu",
	"linia_produktowa", "ean", "nazwa_produktu", "ilosc",
	"cena_jednostkowa_brutto", "stawka_vat", "cena_jednostkowa_netto",
	"rabat", "kasjer", "metoda_platnosci", "id_sieci",
}

// PartitionMonth validates a partition name and returns the first instant of
// its month in UTC.
func PartitionMonth(name string) (time.Time, error) {
	m := partitionRegex.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q does not look like raw_invoices_MM_YYYY", ErrInvalidPartition, name)
	}
	month, _ := strconv.Atoi(m[1])
	year, _ := strconv.Atoi(m[2])
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), nil
}

// ListPartitions returns the raw partitions present in the store.
func (d *DB) ListPartitions(ctx context.Context) ([]string, error) {
	tables, err := d.listTables(ctx, partitionPrefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range tables {
		if partitionRegex.MatchString(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (d *DB) checkPartition(ctx context.Context, name string) error {
	if _, err := PartitionMonth(name); err != nil {
		return err
	}
	ok, err := d.tableExists(ctx, name)
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: table %s not found", ErrInvalidPartition, name)
	}
	return nil
}

// CountPartition returns the number of raw rows.
func (d *DB) CountPartition(ctx context.Context, name string) (int, error) {
	if err := d.checkPartition(ctx, name); err != nil {
		return 0, err
	}
	var n int
	err := d.queryRow(ctx, "SELECT COUNT(*) FROM "+quoteIdent(name)).Scan(&n)
	return n, err
}

// ScanPartition streams a partition ordered by receipt id, then ingestion
// order, calling fn once per batch. Seq and LineOrdinal are assigned here.
// Scanning stops at the first error from fn.
func (d *DB) ScanPartition(ctx context.Context, name string, batchSize int, fn func([]model.RawLineItem) error) error {
	if err := d.checkPartition(ctx, name); err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	cols := make([]string, len(rawColumns))
	for i, c := range rawColumns {
		cols[i] = "CAST(" + quoteIdent(c) + " AS TEXT)"
	}
	order := "rowid"
	if d.dialect == Postgres {
		order = "ctid"
	}
	q := "SELECT " + strings.Join(cols, ", ") + " FROM " + quoteIdent(name) + " ORDER BY " + quoteIdent("id_paragonu") + ", " + order

	rows, err := d.query(ctx, q)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	defer rows.Close()

	var (
		batch = make([]model.RawLineItem, 0, batchSize)
		seq   int
		// Line ordinals count per parsed receipt id, so "1" and "1.0" share
		// one receipt.
		ordinals = make(map[string]int)
	)
	vals := make([]sql.NullString, len(rawColumns))
	ptrs := make([]interface{}, len(rawColumns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		r := rawFromColumns(vals)
		key := receiptKey(r.ReceiptID)
		ordinals[key]++
		r.Seq = seq
		r.LineOrdinal = ordinals[key]
		seq++

		batch = append(batch, r)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([]model.RawLineItem, 0, batchSize)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func receiptKey(raw string) string {
	if id, err := normalize.ParseReceiptID(raw); err == nil {
		return strconv.FormatInt(id, 10)
	}
	return "raw:" + raw
}

func rawFromColumns(v []sql.NullString) model.RawLineItem {
	return model.RawLineItem{
		ReceiptID:      v[0].String,
		ReceiptNumber:  v[1].String,
		PurchaseDate:   v[2].String,
		PurchaseTime:   v[3].String,
		ProductLine:    v[4].String,
		EAN:            v[5].String,
		ProductName:    v[6].String,
		Quantity:       v[7].String,
		UnitPriceGross: v[8].String,
		VATRate:        v[9].String,
		UnitPriceNet:   v[10].String,
		Discount:       v[11].String,
		Cashier:        v[12].String,
		PaymentMethod:  v[13].String,
		StoreChainID:   v[14].String,
	}
}

// nullColumns are counted by PartitionStats.
var nullColumns = []string{"id_paragonu", "data_zakupu", "godzina_zakupu", "ean", "nazwa_produktu", "ilosc", "cena_jednostkowa_brutto"}

// GetStats returns row and null counts for every raw partition along with
// the reconciliation status breakdown.
func (d *DB) GetStats(ctx context.Context) ([]PartitionStats, error) {
	parts, err := d.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}
	var stats []PartitionStats
	for _, p := range parts {
		s := PartitionStats{Partition: p, Nulls: make(map[string]int), Enriched: make(map[model.Status]int)}

		sel := []string{"COUNT(*)"}
		for _, c := range nullColumns {
			qc := quoteIdent(c)
			sel = append(sel, "SUM(CASE WHEN "+qc+" IS NULL OR TRIM(CAST("+qc+" AS TEXT)) = '' THEN 1 ELSE 0 END)")
		}
		dest := make([]sql.NullInt64, len(sel))
		ptrs := make([]interface{}, len(sel))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := d.queryRow(ctx, "SELECT "+strings.Join(sel, ", ")+" FROM "+quoteIdent(p)).Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("stats for %s: %w", p, err)
		}
		s.Rows = int(dest[0].Int64)
		for i, c := range nullColumns {
			s.Nulls[c] = int(dest[i+1].Int64)
		}

		rows, err := d.query(ctx, "SELECT status, COUNT(*) FROM enriched_invoices WHERE partition_name = ? GROUP BY status", p)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var st string
			var n int
			if err := rows.Scan(&st, &n); err != nil {
				rows.Close()
				return nil, err
			}
			s.Enriched[model.Status(st)] = n
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := d.queryRow(ctx, "SELECT COUNT(*) FROM quarantine WHERE partition_name = ?", p).Scan(&s.Quarantined); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, nil
}
