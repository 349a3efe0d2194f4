// Package lock provides a BoltDB-backed distributed lock guarding the
// on-disk status.snapshot and metadata.json against a second orchestrator
// instance concurrently pointed at the same result directory. This is a
// cheap, local safeguard, not the cross-machine state replication this
// system's Non-goals explicitly exclude.
package lock

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const (
	lockBucket    = "locks"
	defaultExpiry = 5 * time.Minute
)

// Store wraps a bbolt.DB dedicated to lock records.
type Store struct {
	db     *bbolt.DB
	expiry time.Duration
}

// Open opens (or creates) a BoltDB file at path and prepares its lock
// bucket.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open lock store at %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(lockBucket))
		return errors.Wrapf(err, "create %s bucket", lockBucket)
	})
	if err != nil {
		return nil, errors.Wrap(err, "initialize lock store buckets")
	}

	return &Store{db: db, expiry: defaultExpiry}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SetExpiry overrides the default lock expiry (5 minutes), useful in tests.
func (s *Store) SetExpiry(d time.Duration) { s.expiry = d }

func formatLockInfo(instanceID string) string {
	return fmt.Sprintf("%s:%d", instanceID, time.Now().UnixNano())
}

func parseLockInfo(data []byte) (instanceID string, lockedAt time.Time, err error) {
	parts := strings.SplitN(string(data), ":", 2)
	if len(parts) != 2 {
		return "", time.Time{}, fmt.Errorf("malformed lock info: expected instanceID:timestamp")
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid lock timestamp: %w", err)
	}
	return parts[0], time.Unix(0, nanos), nil
}

// Acquire attempts to take the lock named key on behalf of instanceID. It
// succeeds if unheld, already held by this instance, or expired.
func (s *Store) Acquire(key, instanceID string) (bool, error) {
	var acquired bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(lockBucket))
		k := []byte(key)
		current := b.Get(k)

		if current == nil {
			acquired = true
			return errors.Wrap(b.Put(k, []byte(formatLockInfo(instanceID))), "put lock")
		}

		heldBy, lockedAt, err := parseLockInfo(current)
		if err != nil {
			return errors.Wrap(err, "parse existing lock")
		}

		if heldBy == instanceID || time.Since(lockedAt) > s.expiry {
			acquired = true
			return errors.Wrap(b.Put(k, []byte(formatLockInfo(instanceID))), "re-acquire lock")
		}

		acquired = false
		return nil
	})
	return acquired, err
}

// Release releases key if still held by instanceID; releasing a lock held
// by someone else, or that does not exist, is a no-op.
func (s *Store) Release(key, instanceID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(lockBucket))
		k := []byte(key)
		current := b.Get(k)
		if current == nil {
			return nil
		}

		heldBy, _, err := parseLockInfo(current)
		if err != nil {
			return errors.Wrap(b.Delete(k), "delete malformed lock")
		}
		if heldBy != instanceID {
			return nil
		}
		return errors.Wrap(b.Delete(k), "delete lock")
	})
}
