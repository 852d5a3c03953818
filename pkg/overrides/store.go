// Package overrides keeps the append-only log of human corrections. A pin
// maps a fingerprint to a canonical item until a later revoke marker.
package overrides

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fcanalytics/menurecon/pkg/model"
)

var (
	// ErrWriteConflict means the log moved since the caller last read it.
	// Re-read the history and retry.
	ErrWriteConflict = errors.New("override write conflict")
	// ErrNotActive is returned when revoking a fingerprint without an active pin.
	ErrNotActive = errors.New("no active override")
)

// AnyVersion skips the optimistic version check.
const AnyVersion = -1

// Backend persists override entries. AppendOverride must fail with
// ErrWriteConflict when (fingerprint, version) already exists.
type Backend interface {
	LatestOverride(ctx context.Context, fingerprint string) (model.OverrideEntry, bool, error)
	AppendOverride(ctx context.Context, e model.OverrideEntry) error
	OverrideHistory(ctx context.Context, fingerprint string) ([]model.OverrideEntry, error)
	AllOverrides(ctx context.Context) ([]model.OverrideEntry, error)
}

// Locker serializes writers across processes.
type Locker interface {
	Lock() error
	Unlock() error
}

// Correction is a request to pin a fingerprint.
type Correction struct {
	Fingerprint string
	Item        model.Item
	Author      string
	Note        string
	// ExpectedVersion is the latest version the author saw, 0 when there was
	// none, or AnyVersion.
	ExpectedVersion int
}

// Store fronts a Backend with write serialization and an in-memory snapshot
// of active pins for the hot path.
type Store struct {
	backend Backend
	locker  Locker

	writeMu sync.Mutex

	mu     sync.RWMutex
	active map[string]model.OverrideEntry

	now func() time.Time
}

// NewStore wraps a backend. locker may be nil for single-process use.
func NewStore(backend Backend, locker Locker) *Store {
	return &Store{
		backend: backend,
		locker:  locker,
		active:  make(map[string]model.OverrideEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the in-memory snapshot with the backend's active pins.
func (s *Store) Load(ctx context.Context) error {
	entries, err := s.backend.AllOverrides(ctx)
	if err != nil {
		return fmt.Errorf("loading overrides: %w", err)
	}
	active := activeFrom(entries)
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
	return nil
}

// Lookup returns the active pin for a fingerprint from the loaded snapshot.
func (s *Store) Lookup(fingerprint string) (model.OverrideEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.active[fingerprint]
	return e, ok
}

// Len returns the number of active pins in the snapshot.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// RecordCorrection appends a pin with version latest+1.
func (s *Store) RecordCorrection(ctx context.Context, c Correction) (model.OverrideEntry, error) {
	if strings.TrimSpace(c.Fingerprint) == "" {
		return model.OverrideEntry{}, errors.New("fingerprint is required")
	}
	if !c.Item.Valid() {
		return model.OverrideEntry{}, fmt.Errorf("override item must have category, name and type: %+v", c.Item)
	}
	if strings.TrimSpace(c.Author) == "" {
		return model.OverrideEntry{}, errors.New("author is required")
	}
	return s.append(ctx, c.Fingerprint, c.ExpectedVersion, func(latest model.OverrideEntry, found bool) (model.OverrideEntry, error) {
		return model.OverrideEntry{
			Fingerprint: c.Fingerprint,
			Item:        c.Item,
			Author:      c.Author,
			Note:        c.Note,
			Action:      model.ActionPin,
		}, nil
	})
}

// Revoke appends a revoke marker for an active pin.
func (s *Store) Revoke(ctx context.Context, fingerprint, author, note string, expectedVersion int) (model.OverrideEntry, error) {
	if strings.TrimSpace(author) == "" {
		return model.OverrideEntry{}, errors.New("author is required")
	}
	return s.append(ctx, fingerprint, expectedVersion, func(latest model.OverrideEntry, found bool) (model.OverrideEntry, error) {
		if !found || latest.Action != model.ActionPin {
			return model.OverrideEntry{}, fmt.Errorf("%w for %s", ErrNotActive, fingerprint)
		}
		return model.OverrideEntry{
			Fingerprint: fingerprint,
			Author:      author,
			Note:        note,
			Action:      model.ActionRevoke,
		}, nil
	})
}

func (s *Store) append(ctx context.Context, fingerprint string, expected int, build func(model.OverrideEntry, bool) (model.OverrideEntry, error)) (model.OverrideEntry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.locker != nil {
		if err := s.locker.Lock(); err != nil {
			return model.OverrideEntry{}, err
		}
		defer s.locker.Unlock()
	}

	latest, found, err := s.backend.LatestOverride(ctx, fingerprint)
	if err != nil {
		return model.OverrideEntry{}, err
	}
	if expected != AnyVersion && expected != latest.Version {
		return model.OverrideEntry{}, fmt.Errorf("%w: %s is at version %d, expected %d", ErrWriteConflict, fingerprint, latest.Version, expected)
	}
	e, err := build(latest, found)
	if err != nil {
		return model.OverrideEntry{}, err
	}
	e.Version = latest.Version + 1
	e.CreatedAt = s.now()
	if err := s.backend.AppendOverride(ctx, e); err != nil {
		return model.OverrideEntry{}, err
	}

	s.mu.Lock()
	if e.Action == model.ActionPin {
		s.active[fingerprint] = e
	} else {
		delete(s.active, fingerprint)
	}
	s.mu.Unlock()
	return e, nil
}

// History returns every entry for a fingerprint, oldest first.
func (s *Store) History(ctx context.Context, fingerprint string) ([]model.OverrideEntry, error) {
	return s.backend.OverrideHistory(ctx, fingerprint)
}

// ListActive reads the backend and returns active pins ordered by fingerprint.
func (s *Store) ListActive(ctx context.Context) ([]model.OverrideEntry, error) {
	entries, err := s.backend.AllOverrides(ctx)
	if err != nil {
		return nil, err
	}
	active := activeFrom(entries)
	out := make([]model.OverrideEntry, 0, len(active))
	for _, e := range active {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}

// activeFrom keeps the latest entry per fingerprint when it is a pin.
func activeFrom(entries []model.OverrideEntry) map[string]model.OverrideEntry {
	latest := make(map[string]model.OverrideEntry)
	for _, e := range entries {
		if cur, ok := latest[e.Fingerprint]; !ok || e.Version > cur.Version {
			latest[e.Fingerprint] = e
		}
	}
	for fp, e := range latest {
		if e.Action != model.ActionPin {
			delete(latest, fp)
		}
	}
	return latest
}
