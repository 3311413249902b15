// Package transforms holds the stage operators.
package transforms

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
)

// ReadJSON parses newline delimited JSON into events. A line may span
// several chunks.
type ReadJSON struct {
	Schema string
	// SchemaField names a field holding the schema of each line.
	SchemaField string
}

func (r *ReadJSON) Name() string              { return "read_json" }
func (r *ReadJSON) Location() models.Location { return models.Anywhere }

func (r *ReadJSON) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindBytes, models.KindEvents)
}

func (r *ReadJSON) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		var partial []byte
		for b := range in.Seq {
			if models.IsIdle(b) {
				if !yield(nil) {
					return
				}
				continue
			}
			data := append(partial, b.(models.Chunk)...)
			cut := bytes.LastIndexByte(data, '\n')
			if cut < 0 {
				partial = data
				if !yield(nil) {
					return
				}
				continue
			}
			partial = append([]byte(nil), data[cut+1:]...)
			if !yield(r.parse(data[:cut], ctrl)) {
				return
			}
		}
		if len(bytes.TrimSpace(partial)) > 0 {
			yield(r.parse(partial, ctrl))
		}
	}
	return operator.Output{Kind: models.KindEvents, Seq: seq}, nil
}

func (r *ReadJSON) parse(data []byte, ctrl operator.Control) models.Batch {
	var events models.Events
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(line, &fields); err != nil {
			ctrl.Warn(fmt.Errorf("skipping malformed line: %w", err))
			continue
		}
		schema := r.Schema
		if s, ok := fields[r.SchemaField].(string); ok && r.SchemaField != "" {
			schema = s
		}
		ev, err := models.NewEvent(schema, fields)
		if err != nil {
			ctrl.Warn(err)
			continue
		}
		if ctrl.Schemas().Observe(schema, fields) {
			ctrl.Logger().Debug().Msgf("observed new schema %q", schema)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil
	}
	return events
}

// WriteJSON renders events as newline delimited JSON. With Envelope the
// whole event is written, otherwise only its fields.
type WriteJSON struct {
	Envelope bool
}

func (w *WriteJSON) Name() string              { return "write_json" }
func (w *WriteJSON) Location() models.Location { return models.Anywhere }

func (w *WriteJSON) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindBytes)
}

func (w *WriteJSON) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		for b := range in.Seq {
			if models.IsIdle(b) {
				if !yield(nil) {
					return
				}
				continue
			}
			var buf bytes.Buffer
			for _, ev := range b.(models.Events) {
				var v any = ev.Fields
				if w.Envelope {
					v = ev
				}
				line, err := json.Marshal(v)
				if err != nil {
					ctrl.Warn(fmt.Errorf("failed to encode event %s: %w", ev.ID, err))
					continue
				}
				buf.Write(line)
				buf.WriteByte('\n')
			}
			if !yield(models.Chunk(buf.Bytes())) {
				return
			}
		}
	}
	return operator.Output{Kind: models.KindBytes, Seq: seq}, nil
}
