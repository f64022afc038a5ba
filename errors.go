package cqstore

import (
	"fmt"
)

var (
	ErrInvalidKey    = addPrefix("invalid key")
	ErrAlreadyExists = addPrefix("key already exists")
	ErrNotFound      = addPrefix("key not found")
	ErrTypeMismatch  = addPrefix("stored type does not match requested type")
	ErrIO            = addPrefix("io failure")
	ErrCorruptRecord = addPrefix("record does not match its index entry")

	ErrStoreClosed   = addPrefix("store is not started")
	ErrStoreInUse    = addPrefix("store files are used by another instance")
	ErrInvalidOption = addPrefix("invalid option")

	ErrCompactionFailed     = addPrefix("compaction failed")
	ErrCompactionInProgress = addPrefix("compaction is in progress")

	ErrExceedMaxBatchNum = addPrefix("exceed the max batch num")
	ErrUnknownOpKind     = addPrefix("unknown batch operation kind")
)

func addPrefix(errStr string) error {
	return fmt.Errorf("cqstore err: %s", errStr)
}

func ioError(action, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrIO, action, path, err)
}
