package cqstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cqkv/cqstore/codec"
	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type User struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

type unregistered struct{}

var quietLogger = &log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: io.Discard}}

func testRegistry(t testing.TB) *codec.Registry {
	r := codec.NewRegistry()
	require.NoError(t, codec.RegisterJSON[User](r, "app.User"))
	return r
}

// openStore starts a store in a fresh directory with auto-save left to the test
func openStore(t testing.TB, opts ...Option) (*Store, string) {
	dir := t.TempDir()
	base := []Option{
		WithRegistry(testRegistry(t)),
		WithLogger(quietLogger),
		WithAutoSaveInterval(0),
		WithAutoSaveOps(0),
	}
	s, err := Open(dir, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Stop()
	})
	return s, dir
}

func reopen(t testing.TB, dir string, opts ...Option) *Store {
	base := []Option{
		WithRegistry(testRegistry(t)),
		WithLogger(quietLogger),
		WithAutoSaveInterval(0),
		WithAutoSaveOps(0),
	}
	s, err := Open(dir, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Stop()
	})
	return s
}

func TestNew(t *testing.T) {
	s, err := New(WithDirPath("./data"))
	assert.Nil(t, err)
	assert.NotNil(t, s)

	assert.Equal(t, true, reflect.ValueOf(s.options.ioManagerCreator).Pointer() == reflect.ValueOf(defaultIOManagerCreator).Pointer())
	assert.Equal(t, filepath.Join("data", DefaultLogFileName), s.options.logPath)
	assert.Equal(t, filepath.Join("data", DefaultIndexFileName), s.options.indexPath)
	assert.Same(t, codec.Default, s.options.registry)

	_, err = New(WithLogPath("same"), WithIndexPath("same"))
	assert.True(t, errors.Is(err, ErrInvalidOption))

	_, err = New(WithRegistry(nil))
	assert.True(t, errors.Is(err, ErrInvalidOption))

	_, err = New(WithMaxBatchNum(-1))
	assert.True(t, errors.Is(err, ErrInvalidOption))
}

func TestStore_NotStarted(t *testing.T) {
	s, err := New(WithDirPath(t.TempDir()), WithLogger(quietLogger))
	require.NoError(t, err)

	assert.Equal(t, ErrStoreClosed, s.Insert("k", "v"))
	assert.Equal(t, ErrStoreClosed, s.Upsert("k", "v"))
	assert.Equal(t, ErrStoreClosed, s.Delete("k"))
	_, err = Get[string](s, "k")
	assert.Equal(t, ErrStoreClosed, err)
	assert.False(t, s.ContainsKey("k"))
	assert.Nil(t, s.ListKeys())
	assert.Equal(t, ErrStoreClosed, s.Flush())
	assert.Nil(t, s.Stop())
}

func TestStore_InsertGet(t *testing.T) {
	s, _ := openStore(t)

	assert.Nil(t, s.Insert("s", "value"))
	assert.Nil(t, s.Insert("i", 42))
	assert.Nil(t, s.Insert("f", 2.5))
	assert.Nil(t, s.Insert("b", true))
	assert.Nil(t, s.Insert("raw", []byte{1, 2, 3}))
	assert.Nil(t, s.Insert("u", User{Name: "admin", Roles: []string{"root"}}))
	assert.Nil(t, s.Insert("empty", ""))

	str, err := Get[string](s, "s")
	assert.Nil(t, err)
	assert.Equal(t, "value", str)

	i, err := Get[int](s, "i")
	assert.Nil(t, err)
	assert.Equal(t, 42, i)

	f, err := Get[float64](s, "f")
	assert.Nil(t, err)
	assert.Equal(t, 2.5, f)

	b, err := Get[bool](s, "b")
	assert.Nil(t, err)
	assert.True(t, b)

	raw, err := Get[[]byte](s, "raw")
	assert.Nil(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)

	u, err := Get[User](s, "u")
	assert.Nil(t, err)
	assert.Equal(t, User{Name: "admin", Roles: []string{"root"}}, u)

	empty, err := Get[string](s, "empty")
	assert.Nil(t, err)
	assert.Equal(t, "", empty)

	// pointers are stored as the value they point to
	assert.Nil(t, s.Insert("p", &User{Name: "ptr"}))
	u, err = Get[User](s, "p")
	assert.Nil(t, err)
	assert.Equal(t, "ptr", u.Name)
}

func TestStore_InsertExisting(t *testing.T) {
	s, _ := openStore(t)

	assert.Nil(t, s.Insert("k", "v1"))
	err := s.Insert("k", "v2")
	assert.True(t, errors.Is(err, ErrAlreadyExists))

	v, err := Get[string](s, "k")
	assert.Nil(t, err)
	assert.Equal(t, "v1", v)
}

func TestStore_Upsert(t *testing.T) {
	s, _ := openStore(t)

	assert.Nil(t, s.Upsert("k", "v1"))
	assert.Nil(t, s.Upsert("k", "v2"))

	v, err := Get[string](s, "k")
	assert.Nil(t, err)
	assert.Equal(t, "v2", v)

	// the old record stays in the log as garbage
	st := s.Stats()
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, int64(6), st.LiveBytes)
	assert.Equal(t, int64(6), st.GarbageBytes)

	// upsert may change the stored type
	assert.Nil(t, s.Upsert("k", 7))
	n, err := Get[int](s, "k")
	assert.Nil(t, err)
	assert.Equal(t, 7, n)
}

func TestStore_Delete(t *testing.T) {
	s, _ := openStore(t)

	assert.Nil(t, s.Insert("k", "v"))
	assert.Nil(t, s.Delete("k"))

	_, err := Get[string](s, "k")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, s.ContainsKey("k"))

	// deleting a missing key is a no-op
	assert.Nil(t, s.Delete("k"))
	assert.Nil(t, s.Delete("never-there"))

	// the key can be inserted again
	assert.Nil(t, s.Insert("k", "again"))
	v, err := Get[string](s, "k")
	assert.Nil(t, err)
	assert.Equal(t, "again", v)
}

func TestStore_TypeMismatch(t *testing.T) {
	s, _ := openStore(t)

	assert.Nil(t, s.Insert("k", 1))
	_, err := Get[string](s, "k")
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	_, err = Get[User](s, "k")
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	_, err = Get[unregistered](s, "k")
	assert.True(t, errors.Is(err, codec.ErrUnregisteredType))

	// a missing key is reported before the unregistered type, and counted
	reads := s.Stats().OpsRead
	_, err = Get[unregistered](s, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, reads+1, s.Stats().OpsRead)

	err = s.Insert("x", unregistered{})
	assert.True(t, errors.Is(err, codec.ErrUnregisteredType))
	assert.False(t, s.ContainsKey("x"))
}

func TestStore_InvalidKey(t *testing.T) {
	s, _ := openStore(t)

	for _, key := range []string{"", "   ", "a|b", "line\nbreak"} {
		err := s.Insert(key, "v")
		assert.True(t, errors.Is(err, ErrInvalidKey), "key %q", key)
		err = s.Upsert(key, "v")
		assert.True(t, errors.Is(err, ErrInvalidKey), "key %q", key)
	}
	// nothing reached the log
	assert.Equal(t, int64(0), s.Stats().LogSizeBytes)
}

func TestStore_RawAndTag(t *testing.T) {
	s, _ := openStore(t)

	assert.Nil(t, s.Insert("u:1", User{Name: "admin"}))

	tag, err := s.Tag("u:1")
	assert.Nil(t, err)
	assert.Equal(t, "app.User", tag)

	tag, payload, err := s.Raw("u:1")
	assert.Nil(t, err)
	assert.Equal(t, "app.User", tag)
	assert.JSONEq(t, `{"name":"admin"}`, string(payload))

	_, err = s.Tag("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, _, err = s.Raw("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ListKeys(t *testing.T) {
	s, _ := openStore(t)

	assert.Empty(t, s.ListKeys())
	for _, k := range []string{"key2", "key3", "key1"} {
		assert.Nil(t, s.Insert(k, k))
	}
	assert.Nil(t, s.Delete("key3"))

	assert.Equal(t, []string{"key1", "key2"}, s.ListKeys())
	assert.True(t, s.ContainsKey("key1"))
	assert.False(t, s.ContainsKey("key3"))
}

func TestStore_OnDiskFormat(t *testing.T) {
	s, dir := openStore(t)

	assert.Nil(t, s.Insert("k", "abc"))
	assert.Nil(t, s.Insert("n", 1))

	data, err := os.ReadFile(filepath.Join(dir, DefaultLogFileName))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 7, 'a', 'b', 'c', 0, 0, 0, 12, 0, 0, 0, 0, 0, 0, 0, 1}, data)

	require.NoError(t, s.Flush())
	index, err := os.ReadFile(filepath.Join(dir, DefaultIndexFileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(index)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "k|0|7|string|"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "n|7|12|int|"), lines[1])
}

func TestStore_Restart(t *testing.T) {
	s, dir := openStore(t)

	for i := 0; i < 50; i++ {
		assert.Nil(t, s.Insert(fmt.Sprintf("key-%02d", i), User{Name: fmt.Sprintf("user-%d", i)}))
	}
	for i := 0; i < 25; i++ {
		assert.Nil(t, s.Delete(fmt.Sprintf("key-%02d", i)))
	}
	assert.Nil(t, s.Upsert("key-49", User{Name: "last"}))
	assert.True(t, s.Stats().Dirty)
	assert.Nil(t, s.Stop())

	s = reopen(t, dir)
	assert.Equal(t, 25, len(s.ListKeys()))
	assert.False(t, s.Stats().Dirty)

	u, err := Get[User](s, "key-30")
	assert.Nil(t, err)
	assert.Equal(t, "user-30", u.Name)
	u, err = Get[User](s, "key-49")
	assert.Nil(t, err)
	assert.Equal(t, "last", u.Name)
	_, err = Get[User](s, "key-00")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_StartStopIdempotent(t *testing.T) {
	s, _ := openStore(t)
	assert.Nil(t, s.Start())
	assert.Nil(t, s.Insert("k", "v"))
	assert.Nil(t, s.Stop())
	assert.Nil(t, s.Stop())

	// a stopped store can be started again
	assert.Nil(t, s.Start())
	v, err := Get[string](s, "k")
	assert.Nil(t, err)
	assert.Equal(t, "v", v)
}

func TestStore_DropsEntriesPastLog(t *testing.T) {
	s, dir := openStore(t)
	assert.Nil(t, s.Insert("a", "first"))
	assert.Nil(t, s.Insert("b", "second"))
	assert.Nil(t, s.Stop())

	// the log lost its tail, the index still names both records
	require.NoError(t, os.Truncate(filepath.Join(dir, DefaultLogFileName), 9))

	s = reopen(t, dir)
	assert.True(t, s.ContainsKey("a"))
	assert.False(t, s.ContainsKey("b"))
	assert.True(t, s.Stats().Dirty)

	v, err := Get[string](s, "a")
	assert.Nil(t, err)
	assert.Equal(t, "first", v)
}

func TestStore_CorruptRecord(t *testing.T) {
	s, dir := openStore(t)
	assert.Nil(t, s.Insert("a", "xyz"))
	assert.Nil(t, s.Stop())

	indexPath := filepath.Join(dir, DefaultIndexFileName)
	index, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	broken := strings.Replace(string(index), "a|0|7|", "a|0|6|", 1)
	require.NoError(t, os.WriteFile(indexPath, []byte(broken), 0644))

	s = reopen(t, dir)
	_, err = Get[string](s, "a")
	assert.True(t, errors.Is(err, ErrCorruptRecord))
}

func TestStore_InUse(t *testing.T) {
	s, dir := openStore(t)

	_, err := Open(dir, WithLogger(quietLogger))
	assert.True(t, errors.Is(err, ErrStoreInUse))

	assert.Nil(t, s.Stop())
	other, err := Open(dir, WithLogger(quietLogger))
	require.NoError(t, err)
	assert.Nil(t, other.Stop())
}

func TestStore_CustomPaths(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "records.log")
	indexPath := filepath.Join(dir, "meta", "records.idx")

	s, err := New(WithLogPath(logPath), WithIndexPath(indexPath), WithLogger(quietLogger))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Nil(t, s.Insert("k", "v"))
	assert.Nil(t, s.Stop())

	_, err = os.Stat(logPath)
	assert.Nil(t, err)
	index, err := os.ReadFile(indexPath)
	assert.Nil(t, err)
	assert.True(t, strings.HasPrefix(string(index), "k|0|5|string|"))
}

func TestStore_StopFlushesIndex(t *testing.T) {
	s, dir := openStore(t)
	assert.Nil(t, s.Insert("k", "v"))

	index, err := os.ReadFile(filepath.Join(dir, DefaultIndexFileName))
	require.NoError(t, err)
	assert.Empty(t, index)

	assert.Nil(t, s.Stop())
	index, err = os.ReadFile(filepath.Join(dir, DefaultIndexFileName))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(index), "k|"))
}

func TestStore_SyncWrites(t *testing.T) {
	s, dir := openStore(t, WithSyncWrites(true))
	assert.Nil(t, s.Insert("k", "v"))
	assert.False(t, s.Stats().Dirty)

	index, err := os.ReadFile(filepath.Join(dir, DefaultIndexFileName))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(index), "k|"))

	assert.Nil(t, s.Delete("k"))
	index, err = os.ReadFile(filepath.Join(dir, DefaultIndexFileName))
	require.NoError(t, err)
	assert.Empty(t, index)
}

func TestStore_AutoSaveOps(t *testing.T) {
	s, _ := openStore(t, WithAutoSaveOps(3))

	for i := 0; i < 3; i++ {
		assert.Nil(t, s.Insert(fmt.Sprintf("k%d", i), i))
	}
	assert.Eventually(t, func() bool {
		return !s.Stats().Dirty
	}, time.Second, 5*time.Millisecond)
}

func TestStore_AutoSaveInterval(t *testing.T) {
	s, dir := openStore(t, WithAutoSaveInterval(10*time.Millisecond))

	assert.Nil(t, s.Insert("k", "v"))
	assert.Eventually(t, func() bool {
		index, err := os.ReadFile(filepath.Join(dir, DefaultIndexFileName))
		return err == nil && strings.HasPrefix(string(index), "k|")
	}, time.Second, 5*time.Millisecond)
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s, _ := openStore(t)
	assert.Nil(t, s.Insert("a", "A"))
	assert.Nil(t, s.Insert("b", "B"))

	// a held read lock does not keep other readers out
	s.mu.RLock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := Get[string](s, "b")
		assert.Nil(t, err)
		assert.Equal(t, "B", v)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader blocked by another reader")
	}
	s.mu.RUnlock()
}

func TestStore_ConcurrentReadWrite(t *testing.T) {
	s, _ := openStore(t)
	for i := 0; i < 10; i++ {
		assert.Nil(t, s.Insert(fmt.Sprintf("key-%d", i), i))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.Nil(t, s.Upsert(fmt.Sprintf("key-%d", i%10), w*1000+i))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := Get[int](s, fmt.Sprintf("key-%d", i%10))
				assert.Nil(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, s.Stats().Count)
}

func TestStore_ExampleScenario(t *testing.T) {
	s, _ := openStore(t)

	assert.Nil(t, s.Insert("u:1", User{Name: "admin"}))
	assert.Equal(t, 1, s.Stats().Count)

	assert.Nil(t, s.Upsert("u:1", User{Name: "root"}))
	u, err := Get[User](s, "u:1")
	assert.Nil(t, err)
	assert.Equal(t, "root", u.Name)

	before := s.Stats().LogSizeBytes
	assert.Nil(t, s.Compact(context.Background()))

	u, err = Get[User](s, "u:1")
	assert.Nil(t, err)
	assert.Equal(t, "root", u.Name)
	assert.LessOrEqual(t, s.Stats().LogSizeBytes, before)
}

func TestStore_FlushKeepsLaterWrites(t *testing.T) {
	s, _ := openStore(t)
	assert.Nil(t, s.Insert("a", 1))
	assert.Nil(t, s.Insert("b", 2))

	// snapshot the way flush does, then let a write land before saving
	s.mu.RLock()
	version := s.version.Load()
	pending := s.opsSinceFlush.Load()
	it := s.keydir.Iterator()
	s.mu.RUnlock()
	assert.Nil(t, s.Insert("c", 3))

	require.NoError(t, s.saveIndex(version, pending, it))
	assert.Equal(t, int64(1), s.opsSinceFlush.Load())
	assert.True(t, s.Stats().Dirty)

	require.NoError(t, s.Flush())
	assert.Equal(t, int64(0), s.opsSinceFlush.Load())
	assert.False(t, s.Stats().Dirty)
}
