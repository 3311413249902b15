package sinks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
)

// ElasticSink bulk indexes events.
type ElasticSink struct {
	Addresses []string
	CloudID   string
	APIKey    string
	Index     string
}

func (e *ElasticSink) Name() string              { return "to_elasticsearch" }
func (e *ElasticSink) Location() models.Location { return models.Anywhere }

func (e *ElasticSink) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindNone)
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// bulkBody renders events as index actions. The event id becomes the
// document id so retries do not duplicate.
func bulkBody(events models.Events) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	for _, ev := range events {
		meta := map[string]any{"index": map[string]any{"_id": ev.ID.String()}}
		doc := make(map[string]any, len(ev.Fields)+2)
		for k, v := range ev.Fields {
			doc[k] = v
		}
		doc["@timestamp"] = ev.Time
		if ev.Schema != "" {
			doc["schema"] = ev.Schema
		}
		for _, v := range []any{meta, doc} {
			line, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
	}
	return &buf, nil
}

func (e *ElasticSink) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: e.Addresses,
		CloudID:   e.CloudID,
		APIKey:    e.APIKey,
	})
	if err != nil {
		return operator.Output{}, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	ctrl.Logger().Trace().Str("index", e.Index).Msg("indexing into elasticsearch")

	ctx := ctrl.Context()
	index := func(events models.Events) error {
		body, err := bulkBody(events)
		if err != nil {
			return err
		}
		res, err := es.Bulk(body, es.Bulk.WithIndex(e.Index), es.Bulk.WithContext(ctx))
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.IsError() {
			msg, _ := io.ReadAll(res.Body)
			return fmt.Errorf("bulk request failed: %s: %s", res.Status(), msg)
		}
		var br bulkResponse
		if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
			return fmt.Errorf("failed to decode bulk response: %w", err)
		}
		if br.Errors {
			for _, item := range br.Items {
				for _, r := range item {
					if r.Status >= 300 {
						ctrl.Warn(fmt.Errorf("document rejected: %s: %s", r.Error.Type, r.Error.Reason))
					}
				}
			}
		}
		return nil
	}

	seq := func(yield func(models.Batch) bool) {
		for b := range in.Seq {
			if !models.IsIdle(b) {
				if err := index(b.(models.Events)); err != nil {
					ctrl.Abort(err)
					return
				}
			}
			if !yield(nil) {
				return
			}
		}
	}
	return operator.Output{Kind: models.KindNone, Seq: seq}, nil
}
