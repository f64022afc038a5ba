package cqstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cqkv/cqstore/fio"
	"github.com/cqkv/cqstore/keydir"
)

const (
	flushSuffix   = ".tmp"
	compactSuffix = ".compact"
)

// Start creates the log and index files when missing, takes the file lock,
// loads the index and starts the auto-save loop
func (s *Store) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	logPath, indexPath := s.options.logPath, s.options.indexPath
	for _, dir := range []string{filepath.Dir(logPath), filepath.Dir(indexPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return ioError("mkdir", dir, err)
		}
	}

	if s.options.fileLock {
		fl := fio.NewFlock(logPath)
		ok, err := fl.TryLock()
		if err != nil {
			return ioError("lock", fl.Path(), err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrStoreInUse, logPath)
		}
		s.locker = fl
	}

	if err := s.load(); err != nil {
		s.releaseLock()
		return err
	}

	s.started = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.autoSave(s.stopCh)

	s.options.logger.Info().
		Str("log", logPath).
		Str("index", indexPath).
		Int("keys", s.keydir.Size()).
		Msg("store started")
	return nil
}

// load rebuilds the keydir from the index file, mu must be held
func (s *Store) load() error {
	logPath, indexPath := s.options.logPath, s.options.indexPath

	if err := s.recoverCompaction(); err != nil {
		return err
	}

	// leftovers of an interrupted flush or compaction
	for _, tmp := range []string{logPath + compactSuffix, indexPath + compactSuffix, indexPath + flushSuffix} {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			return ioError("remove", tmp, err)
		}
	}

	lf, err := s.openLog()
	if err != nil {
		return err
	}
	logSize := uint64(lf.WriteOffset)
	if err = lf.Close(); err != nil {
		return ioError("close", logPath, err)
	}

	f, err := os.OpenFile(indexPath, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return ioError("create", indexPath, err)
	}
	_ = f.Close()

	kd := keydir.NewBTree(s.options.keydirDegree)
	if err = keydir.LoadSidecar(indexPath, kd); err != nil {
		return ioError("load", indexPath, err)
	}

	// the index may have been flushed ahead of the log
	var dropped int
	it := kd.Iterator()
	for it.Rewind(); it.Valid(); it.Next() {
		if entry := it.Value(); entry.End() > logSize {
			kd.Delete(it.Key())
			dropped++
			s.options.logger.Warn().
				Str("key", it.Key()).
				Uint64("end", entry.End()).
				Uint64("log_size", logSize).
				Msg("index entry points past the end of the log, dropped")
		}
	}
	it.Close()

	_ = s.keydir.Close()
	s.keydir = kd
	s.version.Store(0)
	s.flushed.Store(0)
	s.opsSinceFlush.Store(0)
	if dropped > 0 {
		s.version.Add(1)
	}
	s.stats.entries.Store(int64(kd.Size()))
	return nil
}

// recoverCompaction finishes a compaction that stopped between its two
// renames. The compacted index only outlives the compacted log once the log
// has been renamed over the old one, so it is the index that matches.
func (s *Store) recoverCompaction() error {
	tmpLog := s.options.logPath + compactSuffix
	tmpIndex := s.options.indexPath + compactSuffix

	if _, err := os.Stat(tmpLog); err == nil || !os.IsNotExist(err) {
		return nil
	}
	if _, err := os.Stat(tmpIndex); err != nil {
		return nil
	}
	if err := os.Rename(tmpIndex, s.options.indexPath); err != nil {
		return ioError("rename", tmpIndex, err)
	}
	s.options.logger.Warn().
		Str("index", s.options.indexPath).
		Msg("installed index of an interrupted compaction")
	return nil
}

// Stop ends the auto-save loop, flushes a dirty index and releases the lock
func (s *Store) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	err := s.flush()
	s.releaseLock()

	if err != nil {
		s.options.logger.Error().Err(err).Msg("final index flush failed")
		return err
	}
	s.options.logger.Info().Str("log", s.options.logPath).Msg("store stopped")
	return nil
}

// Close is Stop, for io.Closer
func (s *Store) Close() error {
	return s.Stop()
}

// Flush writes the index file now if it is dirty
func (s *Store) Flush() error {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return ErrStoreClosed
	}
	return s.flush()
}

func (s *Store) flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	version := s.version.Load()
	if version == s.flushed.Load() {
		s.mu.RUnlock()
		return nil
	}
	pending := s.opsSinceFlush.Load()
	it := s.keydir.Iterator()
	s.mu.RUnlock()

	return s.saveIndex(version, pending, it)
}

// flushLocked flushes while mu is held exclusively, flushMu must be held too
func (s *Store) flushLocked() error {
	version := s.version.Load()
	if version == s.flushed.Load() {
		return nil
	}
	return s.saveIndex(version, s.opsSinceFlush.Load(), s.keydir.Iterator())
}

// saveIndex writes the snapshot it taken at version. pending is the number of
// writes the snapshot covers; writes made during the flush stay counted.
func (s *Store) saveIndex(version uint64, pending int64, it keydir.Iterator) error {
	defer it.Close()
	start := time.Now()
	if err := keydir.SaveSidecar(s.options.indexPath, flushSuffix, it); err != nil {
		return ioError("flush", s.options.indexPath, err)
	}
	s.flushed.Store(version)
	s.opsSinceFlush.Add(-pending)
	s.options.logger.Debug().
		Str("index", s.options.indexPath).
		Uint64("version", version).
		Dur("elapsed", time.Since(start)).
		Msg("index flushed")
	return nil
}

func (s *Store) autoSave(stop <-chan struct{}) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.options.autoSaveInterval > 0 {
		ticker := time.NewTicker(s.options.autoSaveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-tick:
		case <-s.kick:
		}
		if err := s.flush(); err != nil {
			// dirty stays set, the next round retries
			s.options.logger.Error().Err(err).Str("index", s.options.indexPath).Msg("auto-save failed")
		}
	}
}

// lockWrite takes the exclusive lock. Sync writes flush inside the critical
// section, so they take flushMu first to keep the flushMu -> mu order.
func (s *Store) lockWrite() {
	if s.options.syncWrites {
		s.flushMu.Lock()
	}
	s.mu.Lock()
}

func (s *Store) unlockWrite() {
	s.mu.Unlock()
	if s.options.syncWrites {
		s.flushMu.Unlock()
	}
}

func (s *Store) releaseLock() {
	if s.locker == nil {
		return
	}
	if err := s.locker.Unlock(); err != nil {
		s.options.logger.Warn().Err(err).Msg("release file lock")
	}
	s.locker = nil
}
