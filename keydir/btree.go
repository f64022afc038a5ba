package keydir

import (
	"sync"

	"github.com/cqkv/cqstore/model"
	"github.com/google/btree"
)

var _ Keydir = (*BTree)(nil)

const defaultDegree = 32

// BTree implement the keydir
type BTree struct {
	tree *btree.BTree

	// guards the tree itself; the store still serializes writers with its
	// own lock so that log and keydir change together
	lock *sync.RWMutex
}

// Item implement the btree.Item interface
type Item struct {
	key   string
	entry model.IndexEntry
}

func (i *Item) Less(than btree.Item) bool {
	return i.key < than.(*Item).key
}

func NewBTree(degree int) *BTree {
	if degree <= 0 {
		degree = defaultDegree
	}
	return &BTree{
		tree: btree.New(degree),
		lock: &sync.RWMutex{},
	}
}

func (bt *BTree) Put(key string, entry model.IndexEntry) bool {
	item := &Item{
		key:   key,
		entry: entry,
	}
	bt.lock.Lock()
	defer bt.lock.Unlock()
	return bt.tree.ReplaceOrInsert(item) != nil
}

func (bt *BTree) Get(key string) (model.IndexEntry, bool) {
	bt.lock.RLock()
	defer bt.lock.RUnlock()
	btItem := bt.tree.Get(&Item{key: key})
	if btItem == nil {
		return model.IndexEntry{}, false
	}
	return btItem.(*Item).entry, true
}

func (bt *BTree) Delete(key string) bool {
	bt.lock.Lock()
	res := bt.tree.Delete(&Item{key: key})
	bt.lock.Unlock()
	return res != nil
}

func (bt *BTree) Size() int {
	bt.lock.RLock()
	defer bt.lock.RUnlock()
	return bt.tree.Len()
}

func (bt *BTree) Close() error {
	bt.lock.Lock()
	bt.tree.Clear(false)
	bt.lock.Unlock()
	return nil
}

func (bt *BTree) Iterator() Iterator {
	return bt.newBtreeIterator()
}

type btreeIterator struct {
	values []*Item
	curIdx int
}

func (bt *BTree) newBtreeIterator() *btreeIterator {
	bt.lock.RLock()
	defer bt.lock.RUnlock()

	iterator := &btreeIterator{
		values: make([]*Item, 0, bt.tree.Len()),
	}

	bt.tree.Ascend(func(item btree.Item) bool {
		iterator.values = append(iterator.values, item.(*Item))
		return true
	})

	return iterator
}

func (bti *btreeIterator) Rewind() {
	bti.curIdx = 0
}

func (bti *btreeIterator) Next() {
	bti.curIdx++
}

func (bti *btreeIterator) Valid() bool {
	return bti.curIdx < len(bti.values)
}

func (bti *btreeIterator) Key() string {
	return bti.values[bti.curIdx].key
}

func (bti *btreeIterator) Value() model.IndexEntry {
	return bti.values[bti.curIdx].entry
}

func (bti *btreeIterator) Close() {
	bti.values = nil
}
