package fio

import (
	"github.com/gofrs/flock"
)

// FileLocker guards a store's files against a second owner
type FileLocker interface {
	TryLock() (bool, error)
	Unlock() error
}

const flockSuffix = ".lock"

// NewFlock returns the lock that sits next to the record log
func NewFlock(logPath string) *flock.Flock {
	return flock.New(logPath + flockSuffix)
}
