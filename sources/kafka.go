package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
	"github.com/twmb/franz-go/pkg/kgo"
)

const defaultPollTimeout = 100 * time.Millisecond

// KafkaSource consumes a topic and emits the record values as newline
// delimited chunks. It never ends on its own.
type KafkaSource struct {
	Brokers     []string
	Topic       string
	Group       string
	PollTimeout time.Duration
	// MaxRecords bounds the records per chunk.
	MaxRecords int
}

func (k *KafkaSource) Name() string              { return "from_kafka" }
func (k *KafkaSource) Location() models.Location { return models.Anywhere }

func (k *KafkaSource) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindNone, models.KindBytes)
}

func (k *KafkaSource) options() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(k.Brokers...),
		kgo.ConsumeTopics(k.Topic),
	}
	if k.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(k.Group), kgo.AutoCommitMarks())
	}
	return opts
}

func (k *KafkaSource) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	client, err := kgo.NewClient(k.options()...)
	if err != nil {
		return operator.Output{}, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	ctrl.Logger().Debug().Strs("bootstrap_servers", k.Brokers).Str("topic", k.Topic).Str("group", k.Group).Msg("consuming from kafka")

	ctx := ctrl.Context()
	seq := func(yield func(models.Batch) bool) {
		for {
			pollCtx, cancel := context.WithTimeout(ctx, k.PollTimeout)
			fetches := client.PollRecords(pollCtx, k.MaxRecords)
			cancel()
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			fetches.EachError(func(t string, p int32, err error) {
				// a poll that timed out is just an empty poll
				if !errors.Is(err, context.DeadlineExceeded) {
					ctrl.Warn(fmt.Errorf("fetch error on topic %s partition %d: %w", t, p, err))
				}
			})

			var buf bytes.Buffer
			var records []*kgo.Record
			fetches.EachRecord(func(r *kgo.Record) {
				buf.Write(bytes.TrimRight(r.Value, "\n"))
				buf.WriteByte('\n')
				records = append(records, r)
			})
			var batch models.Batch
			if buf.Len() > 0 {
				batch = models.Chunk(buf.Bytes())
			}
			if !yield(batch) {
				return
			}
			if len(records) > 0 && k.Group != "" {
				client.MarkCommitRecords(records...)
			}
		}
	}
	release := func() error {
		client.Close()
		return nil
	}
	return operator.Output{Kind: models.KindBytes, Seq: seq, Release: release}, nil
}
