package kvstore

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"
)

const (
	defaultDir         = "./wal/instainr"
	walDirPermissions  = 0o755
	kvSegmentThreshold = 1000
	kvMaxSegments      = 100
	compactionDivisor  = 2
	tombstone          = "null"
	lockFile           = "LOCK"
)

var (
	// ErrNotFound is returned by Get when the key has no live value.
	ErrNotFound = errors.New("key not found")
	// ErrLocked is returned when another process holds the store directory.
	ErrLocked = errors.New("kv store is in use by another process")
)

// WALStore is a JSON key-value store replayed from a write-ahead log.
// The last write per key wins. Deletes are written as tombstones.
type WALStore struct {
	wal  *gowal.Wal
	lock *flock.Flock
	l    *zap.Logger
	mu   sync.RWMutex
	data map[string][]byte

	writesSinceCompaction int
	compactAfter          int
}

// NewWALStore opens (or creates) the store under dir and replays it. The
// directory is locked until Close; a second opener gets ErrLocked.
func NewWALStore(l *zap.Logger, dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultDir
	}
	if l == nil {
		l = zap.NewNop()
	}
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", dir)
	}
	if !locked {
		return nil, errors.Wrapf(ErrLocked, "dir %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "kv_",
		SegmentThreshold: kvSegmentThreshold,
		MaxSegments:      kvMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "init kv WAL")
	}

	data := make(map[string][]byte)
	for msg := range wal.Iterator() {
		if string(msg.Value) == tombstone {
			delete(data, msg.Key)
			continue
		}
		data[msg.Key] = append([]byte(nil), msg.Value...)
	}

	l.Debug("kv store replayed", zap.String("dir", dir), zap.Int("keys", len(data)))

	return &WALStore{
		wal:          wal,
		lock:         lock,
		l:            l,
		data:         data,
		compactAfter: kvSegmentThreshold * kvMaxSegments / compactionDivisor,
	}, nil
}

// Get decodes the value stored under key into v.
func (s *WALStore) Get(key string, v any) error {
	if s == nil || s.wal == nil {
		return errors.New("kv store is not initialized")
	}

	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "decode %s", key)
	}
	return nil
}

// Put encodes v and appends it to the log before returning.
func (s *WALStore) Put(key string, v any) error {
	if s == nil || s.wal == nil {
		return errors.New("kv store is not initialized")
	}
	if key == "" {
		return errors.New("kv key is required")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	if bytes.Equal(payload, []byte(tombstone)) {
		return s.Delete(key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(key, payload); err != nil {
		return err
	}
	s.data[key] = payload
	return s.maybeCompact()
}

// Delete removes key. Deleting a missing key is not an error.
func (s *WALStore) Delete(key string) error {
	if s == nil || s.wal == nil {
		return errors.New("kv store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return nil
	}
	if err := s.append(key, []byte(tombstone)); err != nil {
		return err
	}
	delete(s.data, key)
	return s.maybeCompact()
}

// keys returns the live keys in lexical order.
func (s *WALStore) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close closes the underlying WAL and releases the directory lock.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("kv store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.wal.Close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = errors.Wrap(uerr, "unlock kv store")
	}
	return err
}

func (s *WALStore) append(key string, payload []byte) error {
	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, key, payload); err != nil {
		return errors.Wrapf(err, "write %s", key)
	}
	s.writesSinceCompaction++
	return nil
}

// maybeCompact re-appends every live key once enough writes have accumulated,
// so old segments can be evicted without losing the current value of any key.
// Caller holds s.mu.
func (s *WALStore) maybeCompact() error {
	if s.writesSinceCompaction < s.compactAfter {
		return nil
	}

	for key, payload := range s.data {
		nextIndex := s.wal.CurrentIndex() + 1
		if err := s.wal.Write(nextIndex, key, payload); err != nil {
			return errors.Wrapf(err, "compact %s", key)
		}
	}
	s.writesSinceCompaction = 0
	s.l.Debug("kv store compacted", zap.Int("keys", len(s.data)))
	return nil
}
