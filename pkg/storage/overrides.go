package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/overrides"
)

const overrideColumns = "fingerprint, version, action, menu_category, menu_item, fc_type, author, note, created_at"

func (d *DB) LatestOverride(ctx context.Context, fingerprint string) (model.OverrideEntry, bool, error) {
	rows, err := d.query(ctx, "SELECT "+overrideColumns+" FROM override_entries WHERE fingerprint = ? ORDER BY version DESC LIMIT 1", fingerprint)
	if err != nil {
		return model.OverrideEntry{}, false, err
	}
	entries, err := scanOverrides(rows)
	if err != nil || len(entries) == 0 {
		return model.OverrideEntry{}, false, err
	}
	return entries[0], true, nil
}

// AppendOverride inserts an entry. The (fingerprint, version) key turns a
// concurrent writer's duplicate into overrides.ErrWriteConflict.
func (d *DB) AppendOverride(ctx context.Context, e model.OverrideEntry) error {
	var cat, item, typ interface{}
	if e.Action == model.ActionPin {
		cat, item, typ = itemColumns(&e.Item)
	}
	res, err := d.exec(ctx, "INSERT INTO override_entries("+overrideColumns+") VALUES(?,?,?,?,?,?,?,?,?) ON CONFLICT (fingerprint, version) DO NOTHING",
		e.Fingerprint, e.Version, string(e.Action), cat, item, typ, e.Author, nullIfEmpty(e.Note), formatTime(e.CreatedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s version %d already exists", overrides.ErrWriteConflict, e.Fingerprint, e.Version)
	}
	return nil
}

func (d *DB) OverrideHistory(ctx context.Context, fingerprint string) ([]model.OverrideEntry, error) {
	rows, err := d.query(ctx, "SELECT "+overrideColumns+" FROM override_entries WHERE fingerprint = ? ORDER BY version", fingerprint)
	if err != nil {
		return nil, err
	}
	return scanOverrides(rows)
}

func (d *DB) AllOverrides(ctx context.Context) ([]model.OverrideEntry, error) {
	rows, err := d.query(ctx, "SELECT "+overrideColumns+" FROM override_entries ORDER BY fingerprint, version")
	if err != nil {
		return nil, err
	}
	return scanOverrides(rows)
}

func scanOverrides(rows *sql.Rows) ([]model.OverrideEntry, error) {
	defer rows.Close()
	out := make([]model.OverrideEntry, 0)
	for rows.Next() {
		var (
			e              model.OverrideEntry
			action         string
			cat, item, typ sql.NullString
			note           sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&e.Fingerprint, &e.Version, &action, &cat, &item, &typ, &e.Author, &note, &createdAt); err != nil {
			return nil, err
		}
		e.Action = model.OverrideAction(action)
		e.Item = model.Item{Category: cat.String, Name: item.String, FCType: typ.String}
		e.Note = note.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ overrides.Backend = (*DB)(nil)
