package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/fcanalytics/menurecon/pkg/index"
	"github.com/fcanalytics/menurecon/pkg/model"
)

const canonicalTable = "canonical_menu"

var identRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LoadCanonical reads the whole canonical_menu table. Blank fields are
// returned as-is; the index rejects them.
func (d *DB) LoadCanonical(ctx context.Context) ([]model.Item, error) {
	ok, err := d.tableExists(ctx, canonicalTable)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("table %s not found", canonicalTable)
	}
	rows, err := d.query(ctx, "SELECT menu_category, menu_item, fc_type FROM "+canonicalTable+" ORDER BY menu_category, menu_item, fc_type")
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", canonicalTable, err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var cat, name, typ sql.NullString
		if err := rows.Scan(&cat, &name, &typ); err != nil {
			return nil, err
		}
		items = append(items, model.Item{Category: cat.String, Name: name.String, FCType: typ.String})
	}
	return items, rows.Err()
}

// LoadEANMap reads an optional mapping table with columns ean, menu_category,
// menu_item and fc_type.
func (d *DB) LoadEANMap(ctx context.Context, table string) ([]index.EANAssociation, error) {
	if !identRegex.MatchString(table) {
		return nil, fmt.Errorf("invalid EAN table name %q", table)
	}
	ok, err := d.tableExists(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("EAN table %s not found", table)
	}
	rows, err := d.query(ctx, "SELECT CAST(ean AS TEXT), menu_category, menu_item, fc_type FROM "+quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	defer rows.Close()

	var out []index.EANAssociation
	for rows.Next() {
		var ean, cat, name, typ sql.NullString
		if err := rows.Scan(&ean, &cat, &name, &typ); err != nil {
			return nil, err
		}
		out = append(out, index.EANAssociation{
			EAN:  ean.String,
			Item: model.Item{Category: cat.String, Name: name.String, FCType: typ.String},
		})
	}
	return out, rows.Err()
}
