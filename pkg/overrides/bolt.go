package overrides

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fcanalytics/menurecon/pkg/model"
	"go.etcd.io/bbolt"
)

const bucketName = "overrides"

// BoltBackend keeps the override log in a standalone bbolt file, for
// analysts without write access to the database.
type BoltBackend struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the file at path.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Keys sort by fingerprint, then version.
func entryKey(fingerprint string, version int) []byte {
	return []byte(fmt.Sprintf("%s/%010d", fingerprint, version))
}

func prefix(fingerprint string) []byte {
	return []byte(fingerprint + "/")
}

func (b *BoltBackend) LatestOverride(ctx context.Context, fingerprint string) (model.OverrideEntry, bool, error) {
	hist, err := b.OverrideHistory(ctx, fingerprint)
	if err != nil || len(hist) == 0 {
		return model.OverrideEntry{}, false, err
	}
	return hist[len(hist)-1], true, nil
}

func (b *BoltBackend) AppendOverride(ctx context.Context, e model.OverrideEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		key := entryKey(e.Fingerprint, e.Version)
		if bucket.Get(key) != nil {
			return fmt.Errorf("%w: %s version %d already exists", ErrWriteConflict, e.Fingerprint, e.Version)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling override: %w", err)
		}
		return bucket.Put(key, data)
	})
}

func (b *BoltBackend) OverrideHistory(ctx context.Context, fingerprint string) ([]model.OverrideEntry, error) {
	out := make([]model.OverrideEntry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		p := prefix(fingerprint)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var e model.OverrideEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling override %s: %w", k, err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltBackend) AllOverrides(ctx context.Context) ([]model.OverrideEntry, error) {
	out := make([]model.OverrideEntry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, v []byte) error {
			var e model.OverrideEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling override %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the bolt file.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
