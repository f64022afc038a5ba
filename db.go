package cqstore

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cqkv/cqstore/codec"
	"github.com/cqkv/cqstore/fio"
	"github.com/cqkv/cqstore/keydir"
	"github.com/cqkv/cqstore/model"
	"github.com/cqkv/cqstore/utils"
)

// Store is a single file, log structured key/value store for typed values.
//
// All records live in one append-only log; the keydir maps every live key to
// its record and is mirrored to an index file by the auto-save loop. Readers
// share mu, writers and compaction hold it exclusively.
type Store struct {
	mu     sync.RWMutex
	keydir keydir.Keydir

	started bool
	locker  fio.FileLocker

	// version counts keydir mutations, flushed is the version last written
	// to the index file. They differ while the index is dirty.
	version       atomic.Uint64
	flushed       atomic.Uint64
	opsSinceFlush atomic.Int64
	flushMu       sync.Mutex

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	isCompacting atomic.Bool

	stats   *storeStats
	options options
}

// New builds a store that is not started yet
func New(opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.resolve()

	switch {
	case o.logPath == o.indexPath:
		return nil, fmt.Errorf("%w: log and index share the path %s", ErrInvalidOption, o.logPath)
	case o.registry == nil:
		return nil, fmt.Errorf("%w: nil codec registry", ErrInvalidOption)
	case o.ioManagerCreator == nil:
		return nil, fmt.Errorf("%w: nil io manager creator", ErrInvalidOption)
	case o.logger == nil:
		return nil, fmt.Errorf("%w: nil logger", ErrInvalidOption)
	case o.sampleCapacity < 0 || o.maxBatchNum < 0 || o.autoSaveOps < 0 || o.autoSaveInterval < 0:
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidOption)
	}

	return &Store{
		keydir:  keydir.NewBTree(o.keydirDegree),
		kick:    make(chan struct{}, 1),
		stats:   newStoreStats(o.sampleCapacity),
		options: o,
	}, nil
}

// Open builds a store in dirPath and starts it
func Open(dirPath string, opts ...Option) (*Store, error) {
	s, err := New(append([]Option{WithDirPath(dirPath)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err = s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// Insert stores value under a key that must not exist yet
func (s *Store) Insert(key string, value any) error {
	return s.put(OpInsert, key, value)
}

// Upsert stores value under key, replacing any previous value
func (s *Store) Upsert(key string, value any) error {
	return s.put(OpUpsert, key, value)
}

func (s *Store) put(kind OpKind, key string, value any) error {
	start := time.Now()
	defer s.stats.record(kind, key, start)

	if err := validateKey(key); err != nil {
		return err
	}
	tag, payload, err := s.options.registry.Encode(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	s.lockWrite()
	defer s.unlockWrite()
	if !s.started {
		return ErrStoreClosed
	}

	lf, err := s.openLog()
	if err != nil {
		return err
	}
	defer lf.Close()

	if err = s.putLocked(lf, kind, key, tag, payload); err != nil {
		return err
	}
	return s.afterWrite(lf, 1)
}

// putLocked appends the record and points key at it, mu must be held
func (s *Store) putLocked(lf *model.LogFile, kind OpKind, key, tag string, payload []byte) error {
	if _, ok := s.keydir.Get(key); ok && kind == OpInsert {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, key)
	}

	offset, length, err := lf.Append(payload)
	if err != nil {
		if errors.Is(err, model.ErrRecordTooBig) {
			return fmt.Errorf("%w: %q", err, key)
		}
		return ioError("append", lf.Path, err)
	}

	s.keydir.Put(key, model.IndexEntry{
		Offset:       offset,
		Length:       length,
		Tag:          tag,
		LastModified: time.Now(),
	})
	return nil
}

// Get reads the value under key as a T. The tag registered for T must be
// the tag the value was stored with.
func Get[T any](s *Store, key string) (T, error) {
	var zero T
	tag, c, resolveErr := codec.Resolve[T](s.options.registry)
	_, payload, err := s.read(key, tag, resolveErr)
	if err != nil {
		return zero, err
	}
	v, err := c.Unmarshal(payload)
	if err != nil {
		return zero, fmt.Errorf("decode %q as %s: %w", key, tag, err)
	}
	return v, nil
}

// Raw returns the tag and undecoded payload stored under key
func (s *Store) Raw(key string) (string, []byte, error) {
	return s.read(key, "", nil)
}

// Tag returns the type tag stored under key
func (s *Store) Tag(key string) (string, error) {
	start := time.Now()
	defer s.stats.record(OpGet, key, start)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return "", ErrStoreClosed
	}
	entry, ok := s.keydir.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return entry.Tag, nil
}

// read loads the payload under key, wantTag "" accepts any tag. tagErr is
// the failure to resolve wantTag, reported once the key is known to exist.
func (s *Store) read(key, wantTag string, tagErr error) (string, []byte, error) {
	start := time.Now()
	defer s.stats.record(OpGet, key, start)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return "", nil, ErrStoreClosed
	}

	entry, ok := s.keydir.Get(key)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if tagErr != nil {
		return "", nil, tagErr
	}
	if wantTag != "" && entry.Tag != wantTag {
		return "", nil, fmt.Errorf("%w: %q holds %s, not %s", ErrTypeMismatch, key, entry.Tag, wantTag)
	}

	lf, err := s.openLog()
	if err != nil {
		return "", nil, err
	}
	defer lf.Close()

	payload, err := lf.ReadPayload(entry)
	if err != nil {
		if errors.Is(err, model.ErrBadPrefix) || errors.Is(err, model.ErrShortRecord) {
			return "", nil, fmt.Errorf("%w: %q: %w", ErrCorruptRecord, key, err)
		}
		return "", nil, ioError("read", lf.Path, err)
	}
	return entry.Tag, payload, nil
}

// Delete forgets key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	start := time.Now()
	defer s.stats.record(OpDelete, key, start)

	s.lockWrite()
	defer s.unlockWrite()
	if !s.started {
		return ErrStoreClosed
	}
	if !s.keydir.Delete(key) {
		return nil
	}
	return s.afterWrite(nil, 1)
}

// ContainsKey reports whether key is live
func (s *Store) ContainsKey(key string) bool {
	start := time.Now()
	defer s.stats.record(OpContains, key, start)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return false
	}
	_, ok := s.keydir.Get(key)
	return ok
}

// ListKeys returns every live key in ascending order
func (s *Store) ListKeys() []string {
	start := time.Now()
	defer s.stats.record(OpList, "", start)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil
	}
	keys := make([]string, 0, s.keydir.Size())
	it := s.keydir.Iterator()
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Key())
	}
	return keys
}

// afterWrite marks the keydir dirty after n successful changes. With sync
// writes the log is fsynced and the index flushed before returning.
func (s *Store) afterWrite(lf *model.LogFile, n int64) error {
	if lf != nil {
		s.stats.logSize.Store(lf.WriteOffset)
	}
	s.markDirty(n)
	if !s.options.syncWrites {
		return nil
	}
	if lf != nil {
		if err := lf.Sync(); err != nil {
			return ioError("sync", lf.Path, err)
		}
	}
	return s.flushLocked()
}

func (s *Store) markDirty(n int64) {
	s.version.Add(1)
	s.stats.entries.Store(int64(s.keydir.Size()))
	pending := s.opsSinceFlush.Add(n)
	if s.options.autoSaveOps > 0 && pending >= s.options.autoSaveOps {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func (s *Store) dirty() bool {
	return s.version.Load() != s.flushed.Load()
}

// openLog opens the record log for one operation
func (s *Store) openLog() (*model.LogFile, error) {
	lf, err := s.openLogAt(s.options.logPath)
	if err != nil {
		return nil, err
	}
	s.stats.logSize.Store(lf.WriteOffset)
	return lf, nil
}

func (s *Store) openLogAt(path string) (*model.LogFile, error) {
	ioManager, err := s.options.ioManagerCreator(path)
	if err != nil {
		return nil, ioError("open", path, err)
	}
	lf, err := model.OpenLogFile(path, ioManager)
	if err != nil {
		_ = ioManager.Close()
		return nil, ioError("stat", path, err)
	}
	return lf, nil
}

func validateKey(key string) error {
	if err := utils.ValidateKey(key); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidKey, key, err)
	}
	return nil
}

func fileSize(path string) int64 {
	stat, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return stat.Size()
}
