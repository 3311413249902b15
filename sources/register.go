package sources

import (
	"errors"
	"fmt"

	"github.com/tarungka/telepipe/internal/db"
	"github.com/tarungka/telepipe/internal/operator"
)

// ErrNoStore is returned for store backed operators when no store is set.
var ErrNoStore = errors.New("no event store configured")

const defaultBatchSize = 256

// Register adds the source operators to f. store may be nil, in which case
// export cannot be created.
func Register(f *operator.Factory, store db.EventStore) {
	f.Register("from_file", func(args map[string]string) (operator.Operator, error) {
		a := operator.Args(args)
		path, err := a.Required("path")
		if err != nil {
			return nil, err
		}
		lines, err := a.Int("lines", 64)
		if err != nil {
			return nil, err
		}
		return &FileSource{Path: path, Lines: lines}, nil
	})
	f.Register("from_kafka", func(args map[string]string) (operator.Operator, error) {
		a := operator.Args(args)
		brokers := a.List("bootstrap_servers")
		if len(brokers) == 0 {
			return nil, fmt.Errorf("%w: bootstrap_servers", operator.ErrMissingArgument)
		}
		topic, err := a.Required("topic")
		if err != nil {
			return nil, err
		}
		poll, err := a.Duration("poll_timeout", defaultPollTimeout)
		if err != nil {
			return nil, err
		}
		maxRecords, err := a.Int("max_records", defaultBatchSize)
		if err != nil {
			return nil, err
		}
		return &KafkaSource{Brokers: brokers, Topic: topic, Group: a.String("group", ""), PollTimeout: poll, MaxRecords: maxRecords}, nil
	})
	f.Register("from_mongo", func(args map[string]string) (operator.Operator, error) {
		a := operator.Args(args)
		src := &MongoSource{}
		var err error
		if src.URI, err = a.Required("uri"); err != nil {
			return nil, err
		}
		if src.Database, err = a.Required("database"); err != nil {
			return nil, err
		}
		if src.Collection, err = a.Required("collection"); err != nil {
			return nil, err
		}
		if src.Filter, err = parseFilter(a.String("filter", "")); err != nil {
			return nil, err
		}
		if src.BatchSize, err = a.Int("batch_size", defaultBatchSize); err != nil {
			return nil, err
		}
		return src, nil
	})
	f.Register("generate", func(args map[string]string) (operator.Operator, error) {
		a := operator.Args(args)
		count, err := a.Int("count", 10)
		if err != nil {
			return nil, err
		}
		size, err := a.Int("batch_size", defaultBatchSize)
		if err != nil {
			return nil, err
		}
		return &Generate{Count: count, Schema: a.String("schema", "generated"), BatchSize: max(size, 1)}, nil
	})
	f.Register("export", func(args map[string]string) (operator.Operator, error) {
		if store == nil {
			return nil, ErrNoStore
		}
		a := operator.Args(args)
		var q db.Query
		var err error
		q.Schema = a.String("schema", "")
		if q.Since, err = a.Time("since"); err != nil {
			return nil, err
		}
		if q.Until, err = a.Time("until"); err != nil {
			return nil, err
		}
		if q.Limit, err = a.Int("limit", 0); err != nil {
			return nil, err
		}
		size, err := a.Int("batch_size", defaultBatchSize)
		if err != nil {
			return nil, err
		}
		return &Export{Store: store, Query: q, BatchSize: max(size, 1)}, nil
	})
}
