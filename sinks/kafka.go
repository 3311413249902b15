package sinks

import (
	"bytes"
	"fmt"

	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink produces one record per line of its input.
type KafkaSink struct {
	Brokers []string
	Topic   string
}

func (k *KafkaSink) Name() string              { return "to_kafka" }
func (k *KafkaSink) Location() models.Location { return models.Anywhere }

func (k *KafkaSink) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindBytes, models.KindNone)
}

func (k *KafkaSink) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.Brokers...),
		kgo.DefaultProduceTopic(k.Topic),
	)
	if err != nil {
		return operator.Output{}, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	ctrl.Logger().Debug().Strs("bootstrap_servers", k.Brokers).Str("topic", k.Topic).Msg("producing to kafka")

	ctx := ctrl.Context()
	seq := func(yield func(models.Batch) bool) {
		for b := range in.Seq {
			if !models.IsIdle(b) {
				var records []*kgo.Record
				for _, line := range bytes.Split(b.(models.Chunk), []byte{'\n'}) {
					if len(line) > 0 {
						records = append(records, &kgo.Record{Value: line})
					}
				}
				if err := client.ProduceSync(ctx, records...).FirstErr(); err != nil {
					ctrl.Abort(fmt.Errorf("failed to produce to %s: %w", k.Topic, err))
					return
				}
				ctrl.Logger().Trace().Msgf("produced %d records", len(records))
			}
			if !yield(nil) {
				return
			}
		}
	}
	release := func() error {
		client.Close()
		return nil
	}
	return operator.Output{Kind: models.KindNone, Seq: seq, Release: release}, nil
}
