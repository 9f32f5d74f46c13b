package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/doccache"
)

// Index is the bbolt-backed metadata index for cached conversions. It
// maintains the entries bucket plus a forward/reverse retention index so
// the janitor can sweep expired entries without a full scan.
type Index struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool // disables fsync per transaction (for testing only)
}

// IndexOption configures an Index instance.
type IndexOption func(*Index)

// WithIndexLogger sets the logger for the index.
func WithIndexLogger(logger *slog.Logger) IndexOption {
	return func(i *Index) {
		i.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) IndexOption {
	return func(i *Index) {
		i.noSync = noSync
	}
}

// NewIndex creates a new Index instance with options.
func NewIndex(opts ...IndexOption) *Index {
	i := &Index{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Open opens the index database at the given path.
func (i *Index) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  i.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening index database: %w", err)
	}
	i.db = db

	if err := i.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	i.logger.Debug("opened index", "path", path, "noSync", i.noSync)
	return nil
}

func (i *Index) createBuckets() error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketEntries,
			bucketEntriesByExpiry,
			bucketExpiryByEntry,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the index database.
func (i *Index) Close() error {
	if i.db == nil {
		return nil
	}
	i.logger.Debug("closing index")
	return i.db.Close()
}

// Get retrieves an entry by fingerprint.
func (i *Index) Get(_ context.Context, key doccache.Fingerprint) (*Entry, error) {
	var entry Entry
	err := i.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return doccache.ErrNotFound
		}

		val := bucket.Get(key[:])
		if val == nil {
			return doccache.ErrNotFound
		}

		if err := json.Unmarshal(val, &entry); err != nil {
			return fmt.Errorf("%w: unmarshaling entry %s: %s", doccache.ErrCacheCorruption, key.ShortString(), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Create inserts a new entry, failing if the fingerprint is already present.
// This is the claim step for pending conversions: exactly one caller wins.
func (i *Index) Create(_ context.Context, entry *Entry) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return fmt.Errorf("entries bucket not found")
		}

		if existing := bucket.Get(entry.Key[:]); existing != nil {
			return fmt.Errorf("%w: entry %s", doccache.ErrAlreadyPending, entry.Key.ShortString())
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		if err := bucket.Put(entry.Key[:], data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}

		return i.updateExpiryIndex(tx, entry.Key, entry.ExpiresAt)
	})
}

// Put stores an entry, overwriting any existing record and updating the
// retention index to match the entry's expiry.
func (i *Index) Put(_ context.Context, entry *Entry) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return fmt.Errorf("entries bucket not found")
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		if err := bucket.Put(entry.Key[:], data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}

		return i.updateExpiryIndex(tx, entry.Key, entry.ExpiresAt)
	})
}

// Delete removes an entry and its retention index records. Deleting a
// missing entry is not an error.
func (i *Index) Delete(_ context.Context, key doccache.Fingerprint) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}

		if err := i.updateExpiryIndex(tx, key, time.Time{}); err != nil {
			return err
		}

		return bucket.Delete(key[:])
	})
}

// updateExpiryIndex updates the forward+reverse retention indexes.
// A zero expiresAt only deletes existing index records.
func (i *Index) updateExpiryIndex(tx *bbolt.Tx, key doccache.Fingerprint, expiresAt time.Time) error {
	expiryBucket := tx.Bucket(bucketEntriesByExpiry)
	if expiryBucket == nil {
		return nil
	}

	reverseBucket := tx.Bucket(bucketExpiryByEntry)
	if reverseBucket == nil {
		return nil
	}

	// Delete the old forward index record via the reverse index, then the
	// reverse record itself.
	if tsBytes := reverseBucket.Get(key[:]); tsBytes != nil {
		oldExpiresAt := decodeTimestamp(tsBytes)
		if err := expiryBucket.Delete(makeExpiryKey(oldExpiresAt, key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseBucket.Delete(key[:]); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if !expiresAt.IsZero() {
		if err := expiryBucket.Put(makeExpiryKey(expiresAt, key), key[:]); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseBucket.Put(key[:], encodeTimestamp(expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}

// List returns all entries in fingerprint order.
func (i *Index) List(_ context.Context) ([]*Entry, error) {
	var entries []*Entry
	err := i.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				i.logger.Warn("skipping corrupt entry", "key", fmt.Sprintf("%x", k), "error", err)
				return nil
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// Expired returns entries whose retention window ended at or before the
// given time, oldest first, up to limit (0 means no limit). The boundary
// is inclusive, matching Entry.Expired. The retention index is sorted by
// timestamp so the scan stops at the cutoff.
func (i *Index) Expired(_ context.Context, before time.Time, limit int) ([]*Entry, error) {
	var entries []*Entry
	beforeTs := encodeTimestamp(before)

	err := i.db.View(func(tx *bbolt.Tx) error {
		expiryBucket := tx.Bucket(bucketEntriesByExpiry)
		if expiryBucket == nil {
			return nil
		}

		entryBucket := tx.Bucket(bucketEntries)

		cursor := expiryBucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if bytes.Compare(k[:8], beforeTs) > 0 {
				break
			}
			if limit > 0 && len(entries) >= limit {
				break
			}

			if entryBucket == nil {
				continue
			}
			data := entryBucket.Get(v)
			if data == nil {
				continue
			}

			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				i.logger.Warn("skipping corrupt entry in expiry scan", "key", fmt.Sprintf("%x", v), "error", err)
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}
