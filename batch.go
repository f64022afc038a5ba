package cqstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cqkv/cqstore/model"
)

// BatchOp is one step of a batch
type BatchOp struct {
	Key   string
	Value any
	Kind  OpKind // OpInsert, OpUpsert or OpDelete
	// ContinueOnError logs a failure of this op and goes on with the next
	ContinueOnError bool
}

func InsertOp(key string, value any) BatchOp {
	return BatchOp{Key: key, Value: value, Kind: OpInsert}
}

func UpsertOp(key string, value any) BatchOp {
	return BatchOp{Key: key, Value: value, Kind: OpUpsert}
}

func DeleteOp(key string) BatchOp {
	return BatchOp{Key: key, Kind: OpDelete}
}

// Tolerant returns a copy of op that does not abort the batch when it fails
func (op BatchOp) Tolerant() BatchOp {
	op.ContinueOnError = true
	return op
}

type preparedOp struct {
	BatchOp
	tag     string
	payload []byte
	err     error // validation or encoding failure, raised when the op's turn comes
}

// ApplyBatch runs ops in order under one exclusive lock.
//
// A batch is not atomic: when an op fails without ContinueOnError the batch
// stops and returns that error, and the ops before it stay applied. Failures
// of tolerant ops are logged and skipped. A cancelled ctx stops the batch
// before its next op.
func (s *Store) ApplyBatch(ctx context.Context, ops ...BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	if s.options.maxBatchNum > 0 && len(ops) > s.options.maxBatchNum {
		return ErrExceedMaxBatchNum
	}

	// encoding does not need the lock
	prepared := make([]preparedOp, len(ops))
	for i, op := range ops {
		prepared[i] = s.prepare(op)
	}

	s.lockWrite()
	defer s.unlockWrite()
	if !s.started {
		return ErrStoreClosed
	}

	var (
		lf      *model.LogFile
		changed int64
		err     error
	)
	defer func() {
		if lf != nil {
			_ = lf.Close()
		}
	}()

	for i, op := range prepared {
		if err = ctx.Err(); err != nil {
			break
		}

		start := time.Now()
		opErr := op.err
		if opErr == nil {
			var didChange bool
			didChange, opErr = s.applyLocked(&lf, op)
			if didChange {
				changed++
			}
		}
		s.stats.record(op.Kind, op.Key, start)

		if opErr == nil {
			continue
		}
		if !op.ContinueOnError {
			err = fmt.Errorf("batch op %d (%s %q): %w", i, op.Kind, op.Key, opErr)
			break
		}
		s.options.logger.Warn().
			Err(opErr).
			Int("index", i).
			Str("op", op.Kind.String()).
			Str("key", op.Key).
			Msg("batch operation failed, continuing")
	}

	if changed > 0 {
		if syncErr := s.afterWrite(lf, changed); syncErr != nil && err == nil {
			err = syncErr
		}
	}
	return err
}

func (s *Store) prepare(op BatchOp) preparedOp {
	p := preparedOp{BatchOp: op}
	switch op.Kind {
	case OpInsert, OpUpsert, OpDelete:
	default:
		p.err = fmt.Errorf("%w: %s", ErrUnknownOpKind, op.Kind)
		return p
	}
	if p.err = validateKey(op.Key); p.err != nil {
		return p
	}
	if op.Kind == OpDelete {
		return p
	}
	var err error
	if p.tag, p.payload, err = s.options.registry.Encode(op.Value); err != nil {
		p.err = fmt.Errorf("encode %q: %w", op.Key, err)
	}
	return p
}

// applyLocked runs one prepared op and reports whether the keydir changed.
// The log is opened on the first op that needs it.
func (s *Store) applyLocked(lf **model.LogFile, op preparedOp) (bool, error) {
	if op.Kind == OpDelete {
		return s.keydir.Delete(op.Key), nil
	}
	if *lf == nil {
		opened, err := s.openLog()
		if err != nil {
			return false, err
		}
		*lf = opened
	}
	if err := s.putLocked(*lf, op.Kind, op.Key, op.tag, op.payload); err != nil {
		if errors.Is(err, ErrIO) {
			// later ops append at the real end of the file
			if size, sizeErr := (*lf).IoManager.Size(); sizeErr == nil {
				(*lf).WriteOffset = size
			}
		}
		return false, err
	}
	return true, nil
}

// WriteBatch collects operations and applies them with one Commit
type WriteBatch struct {
	mu *sync.Mutex

	store   *Store
	pending []BatchOp
}

func (s *Store) NewWriteBatch() *WriteBatch {
	return &WriteBatch{
		mu:    new(sync.Mutex),
		store: s,
	}
}

func (wb *WriteBatch) Insert(key string, value any) error {
	return wb.Add(InsertOp(key, value))
}

func (wb *WriteBatch) Upsert(key string, value any) error {
	return wb.Add(UpsertOp(key, value))
}

func (wb *WriteBatch) Delete(key string) error {
	return wb.Add(DeleteOp(key))
}

// Add queues op, rejecting bad keys right away
func (wb *WriteBatch) Add(op BatchOp) error {
	if err := validateKey(op.Key); err != nil {
		return err
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()

	if limit := wb.store.options.maxBatchNum; limit > 0 && len(wb.pending) >= limit {
		return ErrExceedMaxBatchNum
	}
	wb.pending = append(wb.pending, op)
	return nil
}

func (wb *WriteBatch) Len() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

// Commit applies the queued operations and empties the batch
func (wb *WriteBatch) Commit(ctx context.Context) error {
	wb.mu.Lock()
	ops := wb.pending
	wb.pending = nil
	wb.mu.Unlock()

	return wb.store.ApplyBatch(ctx, ops...)
}
