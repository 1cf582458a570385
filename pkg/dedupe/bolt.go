package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDigests = []byte("digests")

// BoltConfig configures the BoltDB-backed index.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltIndex persists the digest index in BoltDB so that dedup survives
// process restarts.
type BoltIndex struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltIndex opens (creating if needed) a Bolt-backed index.
func NewBoltIndex(cfg BoltConfig) (*BoltIndex, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("dedupe: bolt path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("dedupe: open %s: %w", cfg.Path, err)
	}
	idx := &BoltIndex{cfg: cfg, db: db}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (b *BoltIndex) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDigests); err != nil {
			return fmt.Errorf("dedupe: create bucket: %w", err)
		}
		return nil
	})
}

func (b *BoltIndex) Get(ctx context.Context, digest string) (string, bool, error) {
	var id string
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketDigests).Get([]byte(digest)); v != nil {
			id = string(v)
			ok = true
		}
		return nil
	})
	return id, ok, err
}

func (b *BoltIndex) Put(ctx context.Context, digest, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDigests).Put([]byte(digest), []byte(id))
	})
}

func (b *BoltIndex) Delete(ctx context.Context, digest string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDigests).Delete([]byte(digest))
	})
}

func (b *BoltIndex) Replace(ctx context.Context, entries map[string]string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketDigests); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		bkt, err := tx.CreateBucketIfNotExists(bucketDigests)
		if err != nil {
			return fmt.Errorf("dedupe: create bucket: %w", err)
		}
		for digest, id := range entries {
			if err := bkt.Put([]byte(digest), []byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying BoltDB.
func (b *BoltIndex) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
