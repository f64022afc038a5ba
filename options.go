package cqstore

import (
	"path/filepath"
	"time"

	"github.com/cqkv/cqstore/codec"
	"github.com/cqkv/cqstore/fio"
	"github.com/phuslu/log"
)

const (
	DefaultLogFileName      = "store.log"
	DefaultIndexFileName    = "store.idx"
	DefaultAutoSaveInterval = 5 * time.Second
	DefaultAutoSaveOps      = 1000
	DefaultSampleCapacity   = 128
	DefaultMaxBatchNum      = 10000
)

type options struct {
	dirPath   string
	logPath   string
	indexPath string

	autoSaveInterval time.Duration
	autoSaveOps      int64
	syncWrites       bool
	fileLock         bool

	sampleCapacity int
	maxBatchNum    int
	keydirDegree   int

	logger           *log.Logger
	registry         *codec.Registry
	ioManagerCreator fio.Creator
}

type Option func(*options)

var defaultIOManagerCreator fio.Creator = fio.NewFileIO

func defaultOptions() options {
	return options{
		dirPath:          ".",
		autoSaveInterval: DefaultAutoSaveInterval,
		autoSaveOps:      DefaultAutoSaveOps,
		fileLock:         true,
		sampleCapacity:   DefaultSampleCapacity,
		maxBatchNum:      DefaultMaxBatchNum,
		logger:           &log.DefaultLogger,
		registry:         codec.Default,
		ioManagerCreator: defaultIOManagerCreator,
	}
}

// resolve fills the file paths that were left to the directory
func (o *options) resolve() {
	if o.logPath == "" {
		o.logPath = filepath.Join(o.dirPath, DefaultLogFileName)
	}
	if o.indexPath == "" {
		o.indexPath = filepath.Join(o.dirPath, DefaultIndexFileName)
	}
}

// WithDirPath places the log and index under dir with their default names
func WithDirPath(dirPath string) Option {
	return func(o *options) {
		o.dirPath = dirPath
	}
}

// WithLogPath overrides the record log location
func WithLogPath(path string) Option {
	return func(o *options) {
		o.logPath = path
	}
}

// WithIndexPath overrides the index file location
func WithIndexPath(path string) Option {
	return func(o *options) {
		o.indexPath = path
	}
}

// WithAutoSaveInterval sets how often a dirty index is flushed, 0 disables the timer
func WithAutoSaveInterval(interval time.Duration) Option {
	return func(o *options) {
		o.autoSaveInterval = interval
	}
}

// WithAutoSaveOps flushes the index after n writes, 0 disables the threshold
func WithAutoSaveOps(n int64) Option {
	return func(o *options) {
		o.autoSaveOps = n
	}
}

// WithSyncWrites fsyncs the log and flushes the index before a write returns
func WithSyncWrites(sync bool) Option {
	return func(o *options) {
		o.syncWrites = sync
	}
}

// WithFileLock toggles the lock file that keeps a second store off the same log
func WithFileLock(enabled bool) Option {
	return func(o *options) {
		o.fileLock = enabled
	}
}

func WithSampleCapacity(n int) Option {
	return func(o *options) {
		o.sampleCapacity = n
	}
}

// WithMaxBatchNum bounds the number of operations in one batch, 0 means no bound
func WithMaxBatchNum(n int) Option {
	return func(o *options) {
		o.maxBatchNum = n
	}
}

func WithKeydirDegree(degree int) Option {
	return func(o *options) {
		o.keydirDegree = degree
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegistry sets the codec registry used to encode and decode values
func WithRegistry(registry *codec.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

func WithIOManagerCreator(fn fio.Creator) Option {
	return func(o *options) {
		o.ioManagerCreator = fn
	}
}
