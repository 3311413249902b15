package sinks

import (
	"errors"
	"fmt"

	"github.com/tarungka/telepipe/internal/db"
	"github.com/tarungka/telepipe/internal/operator"
)

// ErrNoStore is returned for store backed operators when no store is set.
var ErrNoStore = errors.New("no event store configured")

// Register adds the sink operators to f. store may be nil, in which case
// import cannot be created.
func Register(f *operator.Factory, store db.EventStore) {
	f.Register("to_file", func(args map[string]string) (operator.Operator, error) {
		path, err := operator.Args(args).Required("path")
		if err != nil {
			return nil, err
		}
		return &FileSink{Path: path}, nil
	})
	f.Register("to_kafka", func(args map[string]string) (operator.Operator, error) {
		a := operator.Args(args)
		brokers := a.List("bootstrap_servers")
		if len(brokers) == 0 {
			return nil, fmt.Errorf("%w: bootstrap_servers", operator.ErrMissingArgument)
		}
		topic, err := a.Required("topic")
		if err != nil {
			return nil, err
		}
		return &KafkaSink{Brokers: brokers, Topic: topic}, nil
	})
	f.Register("to_elasticsearch", func(args map[string]string) (operator.Operator, error) {
		a := operator.Args(args)
		index, err := a.Required("index_name")
		if err != nil {
			return nil, err
		}
		sink := &ElasticSink{Addresses: a.List("url"), CloudID: a.String("cloud_id", ""), APIKey: a.String("api_key", ""), Index: index}
		if len(sink.Addresses) == 0 && sink.CloudID == "" {
			return nil, fmt.Errorf("%w: url or cloud_id", operator.ErrMissingArgument)
		}
		return sink, nil
	})
	f.Register("import", func(args map[string]string) (operator.Operator, error) {
		if store == nil {
			return nil, ErrNoStore
		}
		return &Import{Store: store}, nil
	})
	f.Register("discard", func(args map[string]string) (operator.Operator, error) {
		return &Discard{}, nil
	})
}
