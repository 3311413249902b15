package transforms

import (
	"fmt"
	"strings"

	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
)

// eventStage runs fn over every event batch and passes idle markers on.
// fn returns the batch to emit and whether to continue.
func eventStage(in operator.Input, fn func(models.Events) (models.Events, bool)) operator.Output {
	seq := func(yield func(models.Batch) bool) {
		for b := range in.Seq {
			if models.IsIdle(b) {
				if !yield(nil) {
					return
				}
				continue
			}
			out, more := fn(b.(models.Events))
			var batch models.Batch
			if len(out) > 0 {
				batch = out
			}
			if !yield(batch) || !more {
				return
			}
		}
	}
	return operator.Output{Kind: models.KindEvents, Seq: seq}
}

// Uppercase upper-cases a string field.
type Uppercase struct {
	Field string
}

func (u *Uppercase) Name() string              { return "uppercase" }
func (u *Uppercase) Location() models.Location { return models.Anywhere }

func (u *Uppercase) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindEvents)
}

func (u *Uppercase) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	return eventStage(in, func(events models.Events) (models.Events, bool) {
		out := make(models.Events, 0, len(events))
		for _, ev := range events {
			if s, ok := ev.Fields[u.Field].(string); ok {
				ev = ev.Clone()
				ev.Fields[u.Field] = strings.ToUpper(s)
			}
			out = append(out, ev)
		}
		return out, true
	}), nil
}

// Head passes the first N events and then stops consuming.
type Head struct {
	N int
}

func (h *Head) Name() string              { return "head" }
func (h *Head) Location() models.Location { return models.Anywhere }

func (h *Head) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindEvents)
}

func (h *Head) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	if h.N <= 0 {
		seq := func(yield func(models.Batch) bool) {}
		return operator.Output{Kind: models.KindEvents, Seq: seq}, nil
	}
	seen := 0
	return eventStage(in, func(events models.Events) (models.Events, bool) {
		if rest := h.N - seen; len(events) > rest {
			events = events[:rest]
		}
		seen += len(events)
		return events, seen < h.N
	}), nil
}

// Select keeps only the listed fields.
type Select struct {
	Fields []string
}

func (s *Select) Name() string              { return "select" }
func (s *Select) Location() models.Location { return models.Anywhere }

func (s *Select) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindEvents)
}

func (s *Select) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	return eventStage(in, func(events models.Events) (models.Events, bool) {
		out := make(models.Events, 0, len(events))
		for _, ev := range events {
			fields := make(map[string]any, len(s.Fields))
			for _, f := range s.Fields {
				if v, ok := ev.Fields[f]; ok {
					fields[f] = v
				}
			}
			out = append(out, &models.Event{ID: ev.ID, Schema: ev.Schema, Time: ev.Time, Fields: fields})
		}
		return out, true
	}), nil
}

// Where keeps events whose field renders as Value.
type Where struct {
	Field  string
	Value  string
	Negate bool
}

func (w *Where) Name() string              { return "where" }
func (w *Where) Location() models.Location { return models.Anywhere }

func (w *Where) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindEvents)
}

func (w *Where) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	return eventStage(in, func(events models.Events) (models.Events, bool) {
		var out models.Events
		for _, ev := range events {
			v, ok := ev.Fields[w.Field]
			match := ok && fmt.Sprint(v) == w.Value
			if match != w.Negate {
				out = append(out, ev)
			}
		}
		return out, true
	}), nil
}
