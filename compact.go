package cqstore

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cqkv/cqstore/keydir"
	"github.com/cqkv/cqstore/model"
)

// Compact rewrites the live records into a fresh log and swaps it in.
// It holds the exclusive lock for the whole pass. On failure the temporary
// files are removed and the store is left as it was.
func (s *Store) Compact(ctx context.Context) error {
	if !s.isCompacting.CompareAndSwap(false, true) {
		return ErrCompactionInProgress
	}
	defer s.isCompacting.Store(false)

	start := time.Now()
	defer s.stats.record(OpCompact, "", start)

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrStoreClosed
	}

	before := fileSize(s.options.logPath)
	if err := s.compactLocked(ctx); err != nil {
		s.options.logger.Error().Err(err).Str("log", s.options.logPath).Msg("compaction failed")
		return err
	}
	after := fileSize(s.options.logPath)
	s.stats.logSize.Store(after)

	s.options.logger.Info().
		Int("keys", s.keydir.Size()).
		Int64("before", before).
		Int64("after", after).
		Dur("elapsed", time.Since(start)).
		Msg("compaction finished")
	return nil
}

// CompactAsync runs Compact in its own goroutine and reports on the channel
func (s *Store) CompactAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Compact(ctx)
	}()
	return done
}

func (s *Store) compactLocked(ctx context.Context) (err error) {
	logPath, indexPath := s.options.logPath, s.options.indexPath
	tmpLog, tmpIndex := logPath+compactSuffix, indexPath+compactSuffix

	defer func() {
		if err != nil {
			_ = os.Remove(tmpLog)
			_ = os.Remove(tmpIndex)
			err = fmt.Errorf("%w: %w", ErrCompactionFailed, err)
		}
	}()

	for _, tmp := range []string{tmpLog, tmpIndex} {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			return ioError("remove", tmp, rmErr)
		}
	}

	src, err := s.openLog()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := s.openLogAt(tmpLog)
	if err != nil {
		return err
	}
	dstClosed := false
	defer func() {
		if !dstClosed {
			_ = dst.Close()
		}
	}()

	next, err := s.copyLive(ctx, src, dst)
	if err != nil {
		return err
	}

	if err = dst.Sync(); err != nil {
		return ioError("sync", tmpLog, err)
	}
	dstClosed = true
	if err = dst.Close(); err != nil {
		return ioError("close", tmpLog, err)
	}

	if err = keydir.WriteSidecarFile(tmpIndex, next.Iterator()); err != nil {
		return ioError("write", tmpIndex, err)
	}

	if err = os.Rename(tmpLog, logPath); err != nil {
		return ioError("rename", tmpLog, err)
	}

	// the new log is canonical from here on, only offsets moved
	_ = s.keydir.Close()
	s.keydir = next
	version := s.version.Add(1)

	if renameErr := os.Rename(tmpIndex, indexPath); renameErr != nil {
		_ = os.Remove(tmpIndex)
		s.options.logger.Error().
			Err(renameErr).
			Str("index", indexPath).
			Msg("install compacted index failed, auto-save will rewrite it")
		return nil
	}
	s.flushed.Store(version)
	s.opsSinceFlush.Store(0)
	return nil
}

// copyLive appends every live record of src to dst in key order and returns
// a keydir pointing into dst
func (s *Store) copyLive(ctx context.Context, src, dst *model.LogFile) (*keydir.BTree, error) {
	next := keydir.NewBTree(s.options.keydirDegree)

	it := s.keydir.Iterator()
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key, entry := it.Key(), it.Value()
		data, err := src.ReadRecord(entry.Offset, entry.Length)
		if err != nil {
			return nil, ioError("read", src.Path, err)
		}
		if _, err = model.DecodeRecord(data, entry.Length); err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrCorruptRecord, key, err)
		}

		offset := dst.WriteOffset
		if err = dst.Write(data); err != nil {
			return nil, ioError("append", dst.Path, err)
		}
		entry.Offset = uint64(offset)
		next.Put(key, entry)
	}
	return next, nil
}
