package utils

import (
	"path/filepath"
	"testing"
)

func TestWriteLockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := NewWriteLock(filepath.Join(dir, "store.sqlite"))
	if err != nil {
		t.Fatalf("NewWriteLock() error: %v", err)
	}
	if got, want := l.Path(), filepath.Join(dir, "store.sqlite.lock"); got != want {
		t.Fatalf("Path() = %q, want %q", got, want)
	}
	if err := l.Lock(); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock() error: %v", err)
	}
	// Re-acquirable after release.
	if err := l.Lock(); err != nil {
		t.Fatalf("second Lock() error: %v", err)
	}
	_ = l.Unlock()
}

func TestGetAbsDBPath(t *testing.T) {
	dsn := "postgres://u:p@localhost:5432/menu"
	if got, _ := GetAbsDBPath(dsn); got != dsn {
		t.Errorf("GetAbsDBPath(%q) = %q", dsn, got)
	}
	got, err := GetAbsDBPath("rel.sqlite")
	if err != nil || !filepath.IsAbs(got) {
		t.Errorf("GetAbsDBPath(rel) = %q, %v", got, err)
	}
	if !IsPostgresDSN("postgresql://x") || IsPostgresDSN("/tmp/a.sqlite") {
		t.Error("IsPostgresDSN misclassified")
	}
}
