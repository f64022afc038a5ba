package keydir

import (
	"github.com/cqkv/cqstore/model"
)

// Keydir defined the keydir interface
// you can use some other data structure once you implement this interface
type Keydir interface {
	// Put stores the entry and reports whether an older entry was replaced
	Put(key string, entry model.IndexEntry) bool
	Get(key string) (model.IndexEntry, bool)
	Delete(key string) bool
	Size() int
	// Iterator walks a snapshot of the keydir in ascending key order
	Iterator() Iterator
	Close() error
}

// Iterator walks keydir entries
type Iterator interface {
	Rewind()
	Next()
	Valid() bool
	Key() string
	Value() model.IndexEntry
	Close()
}
