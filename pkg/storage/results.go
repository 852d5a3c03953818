package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/normalize"
)

// WriteBatch commits one batch: enriched rows upserted, audit entries added
// idempotently (older digests of the same fingerprint marked superseded) and
// quarantine rows upserted. A row lives in exactly one of the enriched and
// quarantine tables, so an earlier run's record in the other one is removed.
func (d *DB) WriteBatch(ctx context.Context, b Batch) (err error) {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			rollback(tx)
		}
	}()

	enrichedStmt, err := tx.PrepareContext(ctx, d.rebind(`INSERT INTO enriched_invoices(
  partition_name, receipt_id, line_ordinal, seq, numer_paragonu, data_zakupu, godzina_zakupu, purchased_at,
  linia_produktowa, ean, ean_valid, nazwa_produktu, ilosc, cena_jednostkowa_brutto, stawka_vat,
  cena_jednostkowa_netto, rabat, line_value_gross, kasjer, metoda_platnosci, id_sieci,
  fingerprint, menu_category, menu_item, fc_type, confidence, status, decided_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (partition_name, receipt_id, line_ordinal) DO UPDATE SET
  seq = excluded.seq, numer_paragonu = excluded.numer_paragonu, data_zakupu = excluded.data_zakupu,
  godzina_zakupu = excluded.godzina_zakupu, purchased_at = excluded.purchased_at,
  linia_produktowa = excluded.linia_produktowa, ean = excluded.ean, ean_valid = excluded.ean_valid,
  nazwa_produktu = excluded.nazwa_produktu, ilosc = excluded.ilosc,
  cena_jednostkowa_brutto = excluded.cena_jednostkowa_brutto, stawka_vat = excluded.stawka_vat,
  cena_jednostkowa_netto = excluded.cena_jednostkowa_netto, rabat = excluded.rabat,
  line_value_gross = excluded.line_value_gross, kasjer = excluded.kasjer,
  metoda_platnosci = excluded.metoda_platnosci, id_sieci = excluded.id_sieci,
  fingerprint = excluded.fingerprint, menu_category = excluded.menu_category,
  menu_item = excluded.menu_item, fc_type = excluded.fc_type, confidence = excluded.confidence,
  status = excluded.status, decided_at = excluded.decided_at`))
	if err != nil {
		return err
	}
	defer enrichedStmt.Close()

	for _, r := range b.Enriched {
		cat, item, typ := itemColumns(r.Item)
		_, err = enrichedStmt.ExecContext(ctx,
			b.Partition, r.ReceiptID, r.LineOrdinal, r.Seq,
			nullIfEmpty(r.Raw.ReceiptNumber), nullIfEmpty(r.Raw.PurchaseDate), nullIfEmpty(r.Raw.PurchaseTime), nullIfEmpty(formatTime(r.PurchasedAt)),
			nullIfEmpty(r.Raw.ProductLine), nullIfEmpty(r.Raw.EAN), nullIfEmpty(r.EANValid), nullIfEmpty(r.Raw.ProductName),
			nullIfEmpty(r.Raw.Quantity), nullIfEmpty(r.Raw.UnitPriceGross), nullIfEmpty(r.Raw.VATRate),
			nullIfEmpty(r.Raw.UnitPriceNet), nullIfEmpty(r.Raw.Discount), nullIfEmpty(r.LineValueGross),
			nullIfEmpty(r.Raw.Cashier), nullIfEmpty(r.Raw.PaymentMethod), nullIfEmpty(r.Raw.StoreChainID),
			r.Fingerprint, cat, item, typ, r.Confidence, string(r.Status), formatTime(r.DecidedAt))
		if err != nil {
			return fmt.Errorf("writing enriched row %d/%d: %w", r.ReceiptID, r.LineOrdinal, err)
		}
		_, err = tx.ExecContext(ctx, d.rebind(`DELETE FROM quarantine WHERE partition_name = ? AND seq = ?`), b.Partition, r.Seq)
		if err != nil {
			return fmt.Errorf("clearing quarantine row %d: %w", r.Seq, err)
		}
	}

	for _, res := range b.Audit {
		if err = d.writeAudit(ctx, tx, b.Partition, res); err != nil {
			return err
		}
	}

	for _, q := range b.Quarantine {
		raw, jerr := json.Marshal(q.Raw)
		if jerr != nil {
			err = jerr
			return err
		}
		_, err = tx.ExecContext(ctx, d.rebind(`INSERT INTO quarantine(partition_name, seq, id_paragonu, nazwa_produktu, raw_row, reason, detail)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT (partition_name, seq) DO UPDATE SET id_paragonu = excluded.id_paragonu,
  nazwa_produktu = excluded.nazwa_produktu, raw_row = excluded.raw_row, reason = excluded.reason, detail = excluded.detail`),
			b.Partition, q.Seq, nullIfEmpty(q.Raw.ReceiptID), nullIfEmpty(q.Raw.ProductName), string(raw), q.Reason, nullIfEmpty(q.Detail))
		if err != nil {
			return fmt.Errorf("writing quarantine row %d: %w", q.Seq, err)
		}
		if id, perr := normalize.ParseReceiptID(q.Raw.ReceiptID); perr == nil {
			_, err = tx.ExecContext(ctx, d.rebind(`DELETE FROM enriched_invoices WHERE partition_name = ? AND receipt_id = ? AND line_ordinal = ?`),
				b.Partition, id, q.Raw.LineOrdinal)
		} else {
			_, err = tx.ExecContext(ctx, d.rebind(`DELETE FROM enriched_invoices WHERE partition_name = ? AND seq = ?`), b.Partition, q.Seq)
		}
		if err != nil {
			return fmt.Errorf("clearing enriched row %d: %w", q.Seq, err)
		}
	}

	return tx.Commit()
}

func (d *DB) writeAudit(ctx context.Context, tx *sql.Tx, partition string, res model.MatchResult) error {
	digest, cands, err := AuditDigest(res)
	if err != nil {
		return err
	}
	cat, item, typ := itemColumns(res.Item)
	_, err = tx.ExecContext(ctx, d.rebind(`INSERT INTO match_audit(partition_name, fingerprint, digest, decided_at, status, menu_category, menu_item, fc_type, confidence, candidates, superseded)
VALUES(?,?,?,?,?,?,?,?,?,?,0)
ON CONFLICT (partition_name, fingerprint, digest) DO UPDATE SET superseded = 0`),
		partition, res.Fingerprint, digest, formatTime(res.DecidedAt), string(res.Status), cat, item, typ, res.Confidence, cands)
	if err != nil {
		return fmt.Errorf("writing audit entry for %s: %w", res.Fingerprint, err)
	}
	_, err = tx.ExecContext(ctx, d.rebind(`UPDATE match_audit SET superseded = 1 WHERE partition_name = ? AND fingerprint = ? AND digest <> ? AND superseded = 0`),
		partition, res.Fingerprint, digest)
	if err != nil {
		return fmt.Errorf("superseding audit entries for %s: %w", res.Fingerprint, err)
	}
	return nil
}

// AuditFilter selects audit entries.
type AuditFilter struct {
	Partition         string
	Fingerprint       string
	Status            model.Status
	IncludeSuperseded bool
	Limit             int
}

// ListAudit returns audit entries, current ones first.
func (d *DB) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.Partition != "" {
		where += " AND partition_name = ?"
		args = append(args, f.Partition)
	}
	if f.Fingerprint != "" {
		where += " AND fingerprint = ?"
		args = append(args, f.Fingerprint)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if !f.IncludeSuperseded {
		where += " AND superseded = 0"
	}
	q := "SELECT partition_name, fingerprint, digest, decided_at, status, menu_category, menu_item, fc_type, confidence, candidates, superseded FROM match_audit " + where + " ORDER BY partition_name, fingerprint, superseded, decided_at DESC, digest"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := d.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e              AuditEntry
			decidedAt, st  string
			cat, item, typ sql.NullString
			cands          string
			superseded     int
		)
		if err := rows.Scan(&e.Partition, &e.Result.Fingerprint, &e.Digest, &decidedAt, &st, &cat, &item, &typ, &e.Result.Confidence, &cands, &superseded); err != nil {
			return nil, err
		}
		e.Result.DecidedAt = parseTime(decidedAt)
		e.Result.Status = model.Status(st)
		if item.Valid {
			e.Result.Item = &model.Item{Category: cat.String, Name: item.String, FCType: typ.String}
		}
		if err := json.Unmarshal([]byte(cands), &e.Result.Candidates); err != nil {
			return nil, fmt.Errorf("decoding candidates for %s: %w", e.Result.Fingerprint, err)
		}
		e.Superseded = superseded == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListQuarantine returns quarantined rows of a partition in scan order.
// reason filters when non-empty.
func (d *DB) ListQuarantine(ctx context.Context, partition, reason string, limit int) ([]QuarantineRow, error) {
	q := "SELECT partition_name, seq, raw_row, reason, detail FROM quarantine WHERE partition_name = ?"
	args := []interface{}{partition}
	if reason != "" {
		q += " AND reason = ?"
		args = append(args, reason)
	}
	q += " ORDER BY seq"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := d.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QuarantineRow
	for rows.Next() {
		var r QuarantineRow
		var raw string
		var detail sql.NullString
		if err := rows.Scan(&r.Partition, &r.Seq, &raw, &r.Reason, &detail); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.Raw); err != nil {
			return nil, fmt.Errorf("decoding quarantined row %d: %w", r.Seq, err)
		}
		r.Raw.Seq = r.Seq
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListEnriched returns a partition's enriched rows in (receipt_id,
// line_ordinal) order.
func (d *DB) ListEnriched(ctx context.Context, partition string) ([]EnrichedRow, error) {
	rows, err := d.query(ctx, `SELECT receipt_id, line_ordinal, seq, numer_paragonu, data_zakupu, godzina_zakupu, purchased_at,
  linia_produktowa, ean, ean_valid, nazwa_produktu, ilosc, cena_jednostkowa_brutto, stawka_vat,
  cena_jednostkowa_netto, rabat, line_value_gross, kasjer, metoda_platnosci, id_sieci,
  fingerprint, menu_category, menu_item, fc_type, confidence, status, decided_at
FROM enriched_invoices WHERE partition_name = ? ORDER BY receipt_id, line_ordinal`, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EnrichedRow
	for rows.Next() {
		var (
			r                                 EnrichedRow
			number, date, clock, purchasedAt  sql.NullString
			line, ean, eanValid, name         sql.NullString
			qty, gross, vat, net, disc, value sql.NullString
			cashier, payment, chain           sql.NullString
			cat, item, typ                    sql.NullString
			status, decidedAt                 string
		)
		if err := rows.Scan(&r.ReceiptID, &r.LineOrdinal, &r.Seq, &number, &date, &clock, &purchasedAt,
			&line, &ean, &eanValid, &name, &qty, &gross, &vat, &net, &disc, &value, &cashier, &payment, &chain,
			&r.Fingerprint, &cat, &item, &typ, &r.Confidence, &status, &decidedAt); err != nil {
			return nil, err
		}
		r.Partition = partition
		r.Raw = model.RawLineItem{
			Seq:            r.Seq,
			LineOrdinal:    r.LineOrdinal,
			ReceiptID:      fmt.Sprint(r.ReceiptID),
			ReceiptNumber:  number.String,
			PurchaseDate:   date.String,
			PurchaseTime:   clock.String,
			ProductLine:    line.String,
			EAN:            ean.String,
			ProductName:    name.String,
			Quantity:       qty.String,
			UnitPriceGross: gross.String,
			VATRate:        vat.String,
			UnitPriceNet:   net.String,
			Discount:       disc.String,
			Cashier:        cashier.String,
			PaymentMethod:  payment.String,
			StoreChainID:   chain.String,
		}
		r.PurchasedAt = parseTime(purchasedAt.String)
		r.EANValid = eanValid.String
		r.LineValueGross = value.String
		if item.Valid {
			r.Item = &model.Item{Category: cat.String, Name: item.String, FCType: typ.String}
		}
		r.Status = model.Status(status)
		r.DecidedAt = parseTime(decidedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRunSummary records a finished (or aborted) run.
func (d *DB) SaveRunSummary(ctx context.Context, r RunRecord) error {
	_, err := d.exec(ctx, `INSERT INTO run_summaries(run_id, partition_name, started_at, finished_at, outcome, rows_read, matched, ambiguous, unmatched, manual_override, quarantined, summary)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.Partition, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.Outcome, r.RowsRead,
		r.Matched, r.Ambiguous, r.Unmatched, r.ManualOverride, r.Quarantined, r.Summary)
	return err
}

// ListRunSummaries returns the most recent runs, newest first. partition
// filters when non-empty.
func (d *DB) ListRunSummaries(ctx context.Context, partition string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	q := "SELECT run_id, partition_name, started_at, finished_at, outcome, rows_read, matched, ambiguous, unmatched, manual_override, quarantined, summary FROM run_summaries"
	args := []interface{}{}
	if partition != "" {
		q += " WHERE partition_name = ?"
		args = append(args, partition)
	}
	q += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		if err := rows.Scan(&r.RunID, &r.Partition, &started, &finished, &r.Outcome, &r.RowsRead,
			&r.Matched, &r.Ambiguous, &r.Unmatched, &r.ManualOverride, &r.Quarantined, &r.Summary); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
