package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const disconnectTimeout = 5 * time.Second

// MongoSource emits the documents of a collection matching a filter.
type MongoSource struct {
	URI        string
	Database   string
	Collection string
	// Filter is a relaxed extended JSON document.
	Filter    bson.D
	BatchSize int
}

func (m *MongoSource) Name() string              { return "from_mongo" }
func (m *MongoSource) Location() models.Location { return models.Anywhere }

func (m *MongoSource) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindNone, models.KindEvents)
}

// parseFilter reads a filter given as extended JSON.
func parseFilter(raw string) (bson.D, error) {
	filter := bson.D{}
	if raw == "" {
		return filter, nil
	}
	if err := bson.UnmarshalExtJSON([]byte(raw), false, &filter); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return filter, nil
}

func (m *MongoSource) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	ctx := ctrl.Context()
	ctrl.Logger().Trace().Msg("connecting to mongodb")
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(m.URI))
	if err != nil {
		return operator.Output{}, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	release := func() error {
		// ctx is already cancelled once the node is done
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		return client.Disconnect(dctx)
	}
	filter := m.Filter
	if filter == nil {
		filter = bson.D{}
	}

	coll := client.Database(m.Database).Collection(m.Collection)
	seq := func(yield func(models.Batch) bool) {
		cursor, err := coll.Find(ctx, filter, options.Find().SetBatchSize(int32(m.BatchSize)))
		if err != nil {
			ctrl.Abort(fmt.Errorf("find on %s.%s failed: %w", m.Database, m.Collection, err))
			return
		}
		defer cursor.Close(ctx)

		var batch models.Events
		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				ctrl.Warn(fmt.Errorf("skipping undecodable document: %w", err))
				continue
			}
			ev, err := models.NewEvent(m.Collection, doc)
			if err != nil {
				ctrl.Warn(err)
				continue
			}
			batch = append(batch, ev)
			// the cursor only blocks when it needs the next server batch
			if len(batch) >= m.BatchSize || cursor.RemainingBatchLength() == 0 {
				if !yield(batch) {
					return
				}
				batch = nil
			}
		}
		if err := cursor.Err(); err != nil && ctx.Err() == nil {
			ctrl.Abort(fmt.Errorf("reading %s.%s failed: %w", m.Database, m.Collection, err))
			return
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
	return operator.Output{Kind: models.KindEvents, Seq: seq, Release: release}, nil
}
