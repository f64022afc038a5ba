package collection

import (
	"context"
	"errors"
	"strings"

	"github.com/cqkv/cqstore"
)

// Separator joins a collection prefix and an id into a store key
const Separator = ":"

/*
	collection layout:
		key: prefix | ":" | id
		value: T, stored under the tag registered for T
*/

// Collection scopes a store to the keys of one prefix, all holding a T
type Collection[T any] struct {
	store  *cqstore.Store
	prefix string
}

func New[T any](s *cqstore.Store, prefix string) *Collection[T] {
	return &Collection[T]{
		store:  s,
		prefix: prefix,
	}
}

// Key returns the store key of id
func (c *Collection[T]) Key(id string) string {
	return c.prefix + Separator + id
}

func (c *Collection[T]) Prefix() string {
	return c.prefix
}

// Insert only the id is not exist
func (c *Collection[T]) Insert(id string, v T) error {
	return c.store.Insert(c.Key(id), v)
}

func (c *Collection[T]) Upsert(id string, v T) error {
	return c.store.Upsert(c.Key(id), v)
}

func (c *Collection[T]) Get(id string) (T, error) {
	return cqstore.Get[T](c.store, c.Key(id))
}

// Delete only the id exist, return true
func (c *Collection[T]) Delete(id string) (bool, error) {
	key := c.Key(id)
	if !c.store.ContainsKey(key) {
		return false, nil
	}
	if err := c.store.Delete(key); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Collection[T]) Has(id string) bool {
	return c.store.ContainsKey(c.Key(id))
}

// Type returns the tag stored under id, "none" when id is missing
func (c *Collection[T]) Type(id string) (string, error) {
	tag, err := c.store.Tag(c.Key(id))
	if err != nil {
		if errors.Is(err, cqstore.ErrNotFound) {
			return "none", nil
		}
		return "", err
	}
	return tag, nil
}

// IDs returns the ids of the collection in ascending order
func (c *Collection[T]) IDs() []string {
	var ids []string
	scope := c.prefix + Separator
	for _, key := range c.store.ListKeys() {
		if id, ok := strings.CutPrefix(key, scope); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Collection[T]) Len() int {
	return len(c.IDs())
}

// Clear deletes every id of the collection with write batches, committing
// whenever a batch is full
func (c *Collection[T]) Clear(ctx context.Context) error {
	wb := c.store.NewWriteBatch()
	for _, id := range c.IDs() {
		err := wb.Delete(c.Key(id))
		if errors.Is(err, cqstore.ErrExceedMaxBatchNum) {
			if err = wb.Commit(ctx); err != nil {
				return err
			}
			err = wb.Delete(c.Key(id))
		}
		if err != nil {
			return err
		}
	}
	return wb.Commit(ctx)
}
