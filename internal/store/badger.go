package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Badger is the on-device Backend: an encrypted BadgerDB directory owned by
// this application. The directory holds exactly one namespace.
type Badger struct {
	db     *badger.DB
	prefix []byte
}

// BadgerOptions configures the Badger backend.
type BadgerOptions struct {
	// Dir is the data directory. Created with 0700 if missing.
	// Required unless InMemory is set.
	Dir string

	// Namespace prefixes every key.
	Namespace string

	// EncryptionKey enables AES encryption at rest. Must be 16, 24 or 32
	// bytes. Nil disables encryption.
	EncryptionKey []byte

	// InMemory runs badger without disk persistence.
	InMemory bool

	// Logger receives badger warnings and errors. Nil silences badger.
	Logger *zap.Logger
}

// NewBadger opens (or creates) the store directory.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("store: BadgerOptions.Dir is required for on-disk mode")
	}
	switch len(opts.EncryptionKey) {
	case 0, 16, 24, 32:
	default:
		return nil, fmt.Errorf("store: encryption key must be 16, 24 or 32 bytes, got %d", len(opts.EncryptionKey))
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}

	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", opts.Dir, err)
	}
	if len(opts.EncryptionKey) > 0 {
		// badger refuses encryption without a block index cache
		dbOpts = dbOpts.WithEncryptionKey(opts.EncryptionKey).WithIndexCacheSize(16 << 20)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log: opts.Logger})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, prefix: []byte(opts.Namespace + ":")}, nil
}

func (b *Badger) key(k string) []byte {
	out := make([]byte, 0, len(b.prefix)+len(k))
	out = append(out, b.prefix...)
	return append(out, k...)
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *Badger) Set(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(key), value)
	})
}

func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// DeleteAll drops every table and value log file in the directory, not
// just the tombstoned keys.
func (b *Badger) DeleteAll(_ context.Context) error {
	return b.db.DropAll()
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger output to zap, dropping info and debug chatter.
type badgerLogger struct {
	log *zap.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	if l.log != nil {
		l.log.Sugar().Errorf("[badger] "+f, v...)
	}
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	if l.log != nil {
		l.log.Sugar().Warnf("[badger] "+f, v...)
	}
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
