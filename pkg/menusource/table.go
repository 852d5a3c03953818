package menusource

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/fcanalytics/menurecon/pkg/index"
	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/normalize"
	"golang.org/x/net/html/charset"
)

// Exports from spreadsheet tools in Polish locales are usually cp1250.
const defaultLegacyEncoding = "windows-1250"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

const (
	colCategory = "menu_category"
	colItem     = "menu_item"
	colType     = "fc_type"
	colEAN      = "ean"
)

var columnAliases = map[string]string{
	"menu_category": colCategory,
	"category":      colCategory,
	"kategoria":     colCategory,
	"menu_item":     colItem,
	"item":          colItem,
	"pozycja":       colItem,
	"pozycja_menu":  colItem,
	"fc_type":       colType,
	"type":          colType,
	"typ":           colType,
	"ean":           colEAN,
	"kod_ean":       colEAN,
	"gtin":          colEAN,
}

// column maps a header cell to a canonical column name, or "".
func column(header string) string {
	return columnAliases[strings.ReplaceAll(normalize.Label(header), " ", "_")]
}

// decode returns UTF-8 text. With no label, valid UTF-8 passes through and
// anything else is read as cp1250.
func decode(data []byte, label string) ([]byte, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if label == "" {
		if utf8.Valid(data) {
			return data, nil
		}
		label = defaultLegacyEncoding
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding canonical menu as %s: %w", label, err)
	}
	return io.ReadAll(r)
}

func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	best, n := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if c := bytes.Count(line, []byte(string(d))); c > n {
			best, n = d, c
		}
	}
	return best
}

// parseCSV reads a header row followed by one item per row.
func parseCSV(data []byte) ([]model.Item, []index.EANAssociation, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("reading canonical CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("canonical CSV is empty")
	}
	return fromTable(records[0], records[1:])
}

// fromTable maps header cells to columns and turns rows into items. Blank
// rows are skipped; rows with a blank field are kept so the index rejects them.
func fromTable(header []string, rows [][]string) ([]model.Item, []index.EANAssociation, error) {
	pos := map[string]int{}
	for i, h := range header {
		if c := column(h); c != "" {
			if _, dup := pos[c]; !dup {
				pos[c] = i
			}
		}
	}
	for _, c := range []string{colCategory, colItem, colType} {
		if _, ok := pos[c]; !ok {
			return nil, nil, fmt.Errorf("canonical menu has no %s column (header: %s)", c, strings.Join(header, ", "))
		}
	}

	cell := func(row []string, c string) string {
		i, ok := pos[c]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var (
		items []model.Item
		eans  []index.EANAssociation
	)
	for _, row := range rows {
		if strings.TrimSpace(strings.Join(row, "")) == "" {
			continue
		}
		it := model.Item{Category: cell(row, colCategory), Name: cell(row, colItem), FCType: cell(row, colType)}
		items = append(items, it)
		if ean := cell(row, colEAN); ean != "" {
			eans = append(eans, index.EANAssociation{EAN: ean, Item: it})
		}
	}
	return items, eans, nil
}
