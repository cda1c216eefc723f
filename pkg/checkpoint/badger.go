package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"
)

const keyPrefix = "checkpoint/"

// BadgerStore keeps checkpoints in an embedded BadgerDB. Writes are
// synchronous so a returned Write is on disk.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time
}

// BadgerConfig holds BadgerDB configuration
type BadgerConfig struct {
	// Dir stores the database files
	Dir string

	// InMemory mode (for testing)
	InMemory bool
}

// OpenBadger opens (or creates) the checkpoint database.
func OpenBadger(cfg BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = opts.WithSyncWrites(true)
	}

	// A handful of tiny keys: keep Badger's footprint minimal.
	opts = opts.
		WithLogger(nil).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(4 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(1 << 20).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &BadgerStore{
		db:     db,
		logger: logger.Named("checkpoint"),
		now:    time.Now,
	}, nil
}

// Read returns the timestamp stored under key, or the current time if the
// key has never been written.
func (s *BadgerStore) Read(key string) (int64, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		ts := unixNow(s.now)
		s.logger.Warn("no checkpoint found, starting from now",
			zap.String("key", key), zap.Int64("timestamp", ts))
		return ts, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrUnreadable, key, err)
	}
	return parse(key, data)
}

// Write stores ts under key in a single transaction.
func (s *BadgerStore) Write(key string, ts int64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), format(ts))
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWrite, key, err)
	}
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
