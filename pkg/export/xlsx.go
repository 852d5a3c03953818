// Package export writes a partition's reconciliation output as an XLSX
// workbook for analysts.
package export

import (
	"fmt"
	"io"

	"github.com/fcanalytics/menurecon/pkg/storage"
	"github.com/xuri/excelize/v2"
)

const (
	SheetEnriched = "enriched"
	SheetRuns     = "runs"
)

var enrichedHeadings = []interface{}{
	"id_paragonu", "line_ordinal", "data_zakupu", "godzina_zakupu", "id_sieci",
	"linia_produktowa", "ean", "nazwa_produktu", "ilosc", "cena_jednostkowa_brutto",
	"wartosc_brutto", "menu_category", "menu_item", "fc_type", "confidence", "status", "fingerprint",
}

var runHeadings = []interface{}{
	"run_id", "started_at", "finished_at", "outcome", "rows_read",
	"matched", "ambiguous", "unmatched", "manual_override", "quarantined",
}

// Workbook builds the workbook in memory. Callers must Close it.
func Workbook(rows []storage.EnrichedRow, runs []storage.RunRecord) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetEnriched); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.NewSheet(SheetRuns); err != nil {
		f.Close()
		return nil, err
	}

	if err := writeRows(f, SheetEnriched, enrichedHeadings, len(rows), func(i int) []interface{} {
		r := rows[i]
		var cat, item, typ interface{}
		if r.Item != nil {
			cat, item, typ = r.Item.Category, r.Item.Name, r.Item.FCType
		}
		return []interface{}{
			r.ReceiptID, r.LineOrdinal, r.Raw.PurchaseDate, r.Raw.PurchaseTime, r.Raw.StoreChainID,
			r.Raw.ProductLine, r.Raw.EAN, r.Raw.ProductName, r.Raw.Quantity, r.Raw.UnitPriceGross,
			r.LineValueGross, cat, item, typ, r.Confidence, string(r.Status), r.Fingerprint,
		}
	}); err != nil {
		f.Close()
		return nil, err
	}

	if err := writeRows(f, SheetRuns, runHeadings, len(runs), func(i int) []interface{} {
		r := runs[i]
		return []interface{}{
			r.RunID, r.StartedAt, r.FinishedAt, r.Outcome, r.RowsRead,
			r.Matched, r.Ambiguous, r.Unmatched, r.ManualOverride, r.Quarantined,
		}
	}); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeRows(f *excelize.File, sheet string, headings []interface{}, n int, row func(i int) []interface{}) error {
	if err := f.SetSheetRow(sheet, "A1", &headings); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := row(i)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, i+1, err)
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}
	return f.AutoFilter(sheet, fmt.Sprintf("A1:%s", lastColumn(len(headings), n+1)), nil)
}

func lastColumn(cols, rows int) string {
	cell, _ := excelize.CoordinatesToCellName(cols, rows)
	return cell
}

// Write streams the workbook to w.
func Write(w io.Writer, rows []storage.EnrichedRow, runs []storage.RunRecord) error {
	f, err := Workbook(rows, runs)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// SaveAs writes the workbook to path.
func SaveAs(path string, rows []storage.EnrichedRow, runs []storage.RunRecord) error {
	f, err := Workbook(rows, runs)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.SaveAs(path)
}
