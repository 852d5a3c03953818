package menusource

import (
	"context"
	"fmt"
	"os"

	"github.com/fcanalytics/menurecon/pkg/index"
)

// FileSource reads a CSV export with menu_category, menu_item and fc_type
// columns and an optional ean column. Encoding is a charset label; empty
// means UTF-8 with a cp1250 fallback.
type FileSource struct {
	Path     string
	Encoding string
}

func (s FileSource) LoadSnapshot(ctx context.Context) (index.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return index.Snapshot{}, err
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("reading canonical menu: %w", err)
	}
	data, err := decode(raw, s.Encoding)
	if err != nil {
		return index.Snapshot{}, err
	}
	items, eans, err := parseCSV(data)
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("%s: %w", s.Path, err)
	}
	return index.Snapshot{Items: items, EANs: eans, Version: Version("file", items, eans)}, nil
}
