package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"mcpkit/internal/domain"
)

// ErrBackendClosed is returned by a closed bolt backend.
var ErrBackendClosed = errors.New("session backend is closed")

// BoltBackend persists session data in a bbolt file so it survives restarts.
// Values are CBOR records compressed with zstd.
type BoltBackend struct {
	mu     sync.RWMutex
	db     *bolt.DB
	bucket []byte
	ttl    time.Duration
	now    func() time.Time
	closed bool
}

// OpenBoltBackend opens or creates the database at path.
func OpenBoltBackend(path, bucket string, ttl time.Duration) (*BoltBackend, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("session store path is required")
	}
	if bucket == "" {
		bucket = domain.DefaultSessionBoltBucket
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure session store dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session bucket: %w", err)
	}
	return &BoltBackend{db: db, bucket: []byte(bucket), ttl: ttl, now: time.Now}, nil
}

func (b *BoltBackend) Get(ctx context.Context, id string) (domain.SessionData, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var blob []byte
	err := b.view(func(tx *bolt.Tx) error {
		if value := tx.Bucket(b.bucket).Get([]byte(id)); value != nil {
			blob = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil || blob == nil {
		return nil, false, err
	}
	data, updatedAt, err := decodeRecord(blob)
	if err != nil {
		return nil, false, fmt.Errorf("session %s: %w", id, err)
	}
	if b.ttl > 0 && b.now().Sub(updatedAt) > b.ttl {
		return nil, false, b.Delete(ctx, id)
	}
	return data, true, nil
}

func (b *BoltBackend) Put(ctx context.Context, id string, data domain.SessionData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blob, err := encodeRecord(data, b.now())
	if err != nil {
		return err
	}
	return b.update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(id), blob)
	})
}

func (b *BoltBackend) Delete(_ context.Context, id string) error {
	return b.update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(id))
	})
}

// Prune removes every record idle longer than the TTL and reports how many
// were removed.
func (b *BoltBackend) Prune(ctx context.Context) (int, error) {
	if b.ttl <= 0 {
		return 0, nil
	}
	removed := 0
	err := b.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		var stale [][]byte
		if err := bucket.ForEach(func(key, value []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, updatedAt, err := decodeRecord(value)
			if err != nil || b.now().Sub(updatedAt) > b.ttl {
				stale = append(stale, append([]byte(nil), key...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, key := range stale {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (b *BoltBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *BoltBackend) view(fn func(*bolt.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBackendClosed
	}
	return b.db.View(fn)
}

func (b *BoltBackend) update(fn func(*bolt.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBackendClosed
	}
	return b.db.Update(fn)
}

var _ domain.SessionBackend = (*BoltBackend)(nil)
