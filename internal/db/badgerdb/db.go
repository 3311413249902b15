// Package badgerdb stores events in BadgerDB, keyed by schema and event time.
package badgerdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/db"
	"github.com/tarungka/telepipe/internal/logger"
	"github.com/tarungka/telepipe/internal/models"
)

var eventPrefix = []byte("ev/")

type Config struct {
	// Dir is where the database lives. Empty means in memory.
	Dir string
}

type DB struct {
	open atomic.Bool

	dbPath string
	logger zerolog.Logger

	db *badger.DB
	mu sync.RWMutex
}

var _ db.EventStore = (*DB)(nil)

func New(c *Config) *DB {
	return &DB{
		dbPath: c.Dir,
		logger: logger.Component("badgerdb"),
	}
}

// Open opens the database at the configured path, or in memory when the
// path is empty.
func (d *DB) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open.Load() {
		return db.ErrDBOpen
	}

	opts := badger.DefaultOptions(d.dbPath).WithLogger(nil)
	if d.dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	bdb, err := badger.Open(opts)
	if err != nil {
		return err
	}
	d.db = bdb
	d.open.Store(true)
	if d.dbPath == "" {
		d.logger.Debug().Msg("opened an in-memory event store")
	} else {
		d.logger.Debug().Msgf("opened a file-based event store at %s", d.dbPath)
	}
	return nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open.Load() {
		return nil
	}
	d.open.Store(false)
	return d.db.Close()
}

// Put writes events in one batch. Events with the same schema, time and id
// overwrite each other.
func (d *DB) Put(ctx context.Context, events models.Events) error {
	if !d.open.Load() {
		return db.ErrDBNotOpen
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		val, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
		if err := wb.Set(eventKey(ev), val); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		d.logger.Err(err).Msgf("failed to write %d events", len(events))
		return err
	}
	db.RecordImported(len(events))
	return nil
}

func (d *DB) Scan(ctx context.Context, q db.Query, fn func(*models.Event) error) error {
	if !d.open.Load() {
		return db.ErrDBNotOpen
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	db.RecordScan()

	prefix := eventPrefix
	seek := eventPrefix
	if q.Schema != "" {
		prefix = schemaPrefix(q.Schema)
		seek = prefix
		if !q.Since.IsZero() {
			seek = binary.BigEndian.AppendUint64(bytes.Clone(prefix), uint64(q.Since.UnixNano()))
		}
	}

	count := 0
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ev := new(models.Event)
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, ev)
			}); err != nil {
				return fmt.Errorf("failed to decode event at %q: %w", it.Item().Key(), err)
			}
			if !q.Match(ev) {
				continue
			}
			if err := fn(ev); err != nil {
				return err
			}
			count++
			if q.Limit > 0 && count >= q.Limit {
				return nil
			}
		}
		return nil
	})
	db.RecordExported(count)
	return err
}

func schemaPrefix(schema string) []byte {
	key := make([]byte, 0, len(eventPrefix)+len(schema)+1)
	key = append(key, eventPrefix...)
	key = append(key, schema...)
	return append(key, 0)
}

// eventKey is ev/<schema>\x00<unix nanos><id>, so a scan yields one schema
// in time order.
func eventKey(ev *models.Event) []byte {
	key := schemaPrefix(ev.Schema)
	key = binary.BigEndian.AppendUint64(key, uint64(ev.Time.UnixNano()))
	return append(key, ev.ID[:]...)
}
