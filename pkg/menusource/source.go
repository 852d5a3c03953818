// Package menusource loads canonical menu snapshots from the database, a
// CSV file or an HTTP endpoint.
package menusource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/fcanalytics/menurecon/pkg/index"
	"github.com/fcanalytics/menurecon/pkg/model"
)

// Kind selects where the canonical menu comes from.
type Kind string

const (
	KindDB   Kind = "db"
	KindFile Kind = "file"
	KindURL  Kind = "url"
)

// Source loads one canonical snapshot.
type Source interface {
	LoadSnapshot(ctx context.Context) (index.Snapshot, error)
}

// CanonicalStore is the part of the relational store a DB source reads.
type CanonicalStore interface {
	LoadCanonical(ctx context.Context) ([]model.Item, error)
	LoadEANMap(ctx context.Context, table string) ([]index.EANAssociation, error)
}

// DBSource reads canonical_menu and, when EANTable is set, an EAN mapping
// table from the relational store.
type DBSource struct {
	Store    CanonicalStore
	EANTable string
}

func (s DBSource) LoadSnapshot(ctx context.Context) (index.Snapshot, error) {
	items, err := s.Store.LoadCanonical(ctx)
	if err != nil {
		return index.Snapshot{}, err
	}
	var eans []index.EANAssociation
	if s.EANTable != "" {
		eans, err = s.Store.LoadEANMap(ctx, s.EANTable)
		if err != nil {
			return index.Snapshot{}, err
		}
	}
	return index.Snapshot{Items: items, EANs: eans, Version: Version("db", items, eans)}, nil
}

// Version labels a snapshot by origin and content so run summaries show
// which menu a run used.
func Version(origin string, items []model.Item, eans []index.EANAssociation) string {
	lines := make([]string, 0, len(items)+len(eans))
	for _, it := range items {
		lines = append(lines, it.Key())
	}
	for _, e := range eans {
		lines = append(lines, e.EAN+"="+e.Item.Key())
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return fmt.Sprintf("%s:%d:%s", origin, len(items), hex.EncodeToString(sum[:6]))
}

// Config selects a source. Location is a file path or URL.
type Config struct {
	Kind     Kind
	Location string
	Encoding string
	EANTable string
}

// New returns the source described by cfg. store is only used by KindDB.
func New(cfg Config, store CanonicalStore) (Source, error) {
	switch cfg.Kind {
	case KindDB, "":
		if store == nil {
			return nil, fmt.Errorf("canonical source db needs a database")
		}
		return DBSource{Store: store, EANTable: cfg.EANTable}, nil
	case KindFile:
		if cfg.Location == "" {
			return nil, fmt.Errorf("canonical source file needs canonical.location")
		}
		return FileSource{Path: cfg.Location, Encoding: cfg.Encoding}, nil
	case KindURL:
		if !strings.HasPrefix(cfg.Location, "http://") && !strings.HasPrefix(cfg.Location, "https://") {
			return nil, fmt.Errorf("canonical source url needs an http(s) canonical.location, got %q", cfg.Location)
		}
		return URLSource{URL: cfg.Location, Encoding: cfg.Encoding}, nil
	default:
		return nil, fmt.Errorf("unknown canonical source %q (want db, file or url)", cfg.Kind)
	}
}
