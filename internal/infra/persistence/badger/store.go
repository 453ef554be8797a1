// Package badger provides a persistent store over an embedded Badger
// key-value database. Transactions run against the in-memory store; every
// commit writes its touched entities to Badger under "bucket/id" keys.
package badger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"medtrace/internal/infra/persistence/memory"
	"medtrace/pkg/domain"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var _ domain.PersistentStore = (*Store)(nil)

// Store persists entities to Badger while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *badger.DB
}

// NewStore opens the Badger database in dir. An empty dir opens an
// in-memory database, which is only useful for tests.
func NewStore(dir string, engine *domain.RulesEngine, logger *zap.Logger, opts ...memory.Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var badgerOpts badger.Options
	if dir == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if _, err := os.Stat(dir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read data dir: %w", err)
			}
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		badgerOpts = badger.DefaultOptions(dir)
	}
	badgerOpts = badgerOpts.
		WithLogger(newBadgerLogger(logger)).
		// INFO is too chatty for a request-serving process
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	snapshot, err := load(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(engine, opts...)
	mem.ImportState(snapshot)
	s := &Store{Store: mem, db: db}
	mem.SetCommitHook(s.persist)
	return s, nil
}

func load(db *badger.DB) (memory.Snapshot, error) {
	var snapshot memory.Snapshot
	err := db.View(func(txn *badger.Txn) error {
		for _, bucket := range memory.Buckets {
			prefix := []byte(bucket + "/")
			it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
			for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				payload, err := item.ValueCopy(nil)
				if err != nil {
					it.Close()
					return fmt.Errorf("read %s: %w", item.Key(), err)
				}
				id := strings.TrimPrefix(string(item.Key()), bucket+"/")
				if err := snapshot.Apply(memory.Row{Bucket: bucket, ID: id, Payload: payload}); err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, err
	}
	return snapshot, nil
}

func (s *Store) persist(_ context.Context, changes []domain.Change) error {
	rows, err := memory.EncodeChanges(changes)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, row := range rows {
			if err := txn.Set(row.Key(), row.Payload); err != nil {
				return fmt.Errorf("set %s: %w", row.Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger update: %w", err)
	}
	return nil
}

// DB exposes the underlying Badger handle.
func (s *Store) DB() *badger.DB { return s.db }

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

// badgerLogger routes Badger's internal logging to zap.
type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func newBadgerLogger(logger *zap.Logger) *badgerLogger {
	return &badgerLogger{sugar: logger.Named("badger").Sugar()}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.sugar.Errorf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.sugar.Warnf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.sugar.Infof(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.sugar.Debugf(strings.TrimSpace(format), args...)
}
