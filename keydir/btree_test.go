package keydir

import (
	"fmt"
	"testing"
	"time"

	"github.com/cqkv/cqstore/model"
	"github.com/stretchr/testify/assert"
)

func TestBTree_Put(t *testing.T) {
	bt := NewBTree(32)

	replaced := bt.Put("a", model.IndexEntry{Offset: 3, Length: 5, Tag: "string"})
	assert.False(t, replaced)

	replaced = bt.Put("a", model.IndexEntry{Offset: 8, Length: 5, Tag: "string"})
	assert.True(t, replaced)
	assert.Equal(t, 1, bt.Size())
}

func TestBTree_Get(t *testing.T) {
	bt := NewBTree(0)

	_, ok := bt.Get("missing")
	assert.False(t, ok)

	bt.Put("a", model.IndexEntry{Offset: 3, Length: 5, Tag: "int"})
	entry, ok := bt.Get("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(3), entry.Offset)
	assert.Equal(t, uint32(5), entry.Length)
	assert.Equal(t, "int", entry.Tag)

	bt.Put("a", model.IndexEntry{Offset: 9, Length: 5, Tag: "int"})
	entry, _ = bt.Get("a")
	assert.Equal(t, uint64(9), entry.Offset)
}

func TestBTree_Delete(t *testing.T) {
	bt := NewBTree(32)
	bt.Put("a", model.IndexEntry{Offset: 1, Length: 4})

	assert.True(t, bt.Delete("a"))
	assert.False(t, bt.Delete("a"))
	assert.Equal(t, 0, bt.Size())
}

func TestBTree_Iterator(t *testing.T) {
	bt := NewBTree(4)
	for _, k := range []string{"c", "a", "e", "b", "d"} {
		bt.Put(k, model.IndexEntry{Length: 4})
	}

	it := bt.Iterator()
	// later writes do not show up in an existing snapshot
	bt.Put("f", model.IndexEntry{Length: 4})

	var keys []string
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Key())
	}
	it.Close()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)
}

func TestBTree_Close(t *testing.T) {
	bt := NewBTree(32)
	for i := 0; i < 100; i++ {
		bt.Put(fmt.Sprintf("key-%03d", i), model.IndexEntry{Offset: uint64(i), Length: 4, LastModified: time.Now()})
	}
	assert.Equal(t, 100, bt.Size())
	assert.Nil(t, bt.Close())
	assert.Equal(t, 0, bt.Size())
}
