package fio

// IOManager can be custom in options
type IOManager interface {
	Read([]byte, int64) (int, error)
	Write([]byte) (int, error)
	Size() (int64, error)
	Sync() error
	Close() error
}

// Creator opens an IOManager for the given path. The store calls it once per
// operation and closes the returned manager when the operation ends.
type Creator func(path string) (IOManager, error)
