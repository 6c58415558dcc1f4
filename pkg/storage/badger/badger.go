package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"
)

// Storage implements storage.Store using BadgerDB (LSM tree).
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = 48 MB budget)
	MaxMemoryMB int64

	// Logger receives BadgerDB's internal log lines (nil = silent)
	Logger *zap.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// A third of the budget goes to the memtable. Without an explicit budget
	// we use a 16 MB memtable, the smallest size that avoids constant flushes.
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20).
		WithLogger(newLogger(cfg.Logger))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: rewrite a file if at least this fraction of it is garbage.
// badger.ErrNoRewrite means nothing needed collecting.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// update runs fn in a read-write transaction bounded by ctx.
// The transaction is discarded if ctx ends before fn returns; once fn has
// returned nil the commit outcome is reported as is.
func (s *Storage) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := fn(txn); err != nil {
			return err
		}
		return ctx.Err()
	})
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%s operation cancelled: %w", op, err)
	}
	return err
}

// view runs fn in a read-only transaction bounded by ctx.
func (s *Storage) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.View(fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// checkEvery returns ctx.Err() on every nth call, nil otherwise.
func checkEvery(ctx context.Context, i, n int) error {
	if i%n != 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func newLogger(l *zap.Logger) badger.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return zapLogger{s: l.Named("badger").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l zapLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l zapLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l zapLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l zapLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
