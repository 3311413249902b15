package sinks

import (
	"fmt"

	"github.com/tarungka/telepipe/internal/db"
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
)

// Import writes events into the event store.
type Import struct {
	Store db.EventStore
}

func (i *Import) Name() string { return "import" }

// Location is local: the event store lives in the calling process.
func (i *Import) Location() models.Location { return models.Local }

func (i *Import) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindNone)
}

func (i *Import) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		for b := range in.Seq {
			if !models.IsIdle(b) {
				if err := i.Store.Put(ctrl.Context(), b.(models.Events)); err != nil {
					ctrl.Abort(fmt.Errorf("import failed: %w", err))
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

// Discard drops everything it receives.
type Discard struct{}

func (d *Discard) Name() string              { return "discard" }
func (d *Discard) Location() models.Location { return models.Anywhere }

func (d *Discard) Infer(input models.Kind) (models.Kind, error) {
	if input == models.KindNone {
		return models.KindNone, fmt.Errorf("%w: expected %s or %s", operator.ErrUnsupportedInput, models.KindBytes, models.KindEvents)
	}
	return models.KindNone, nil
}

func (d *Discard) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		for range in.Seq {
			if !yield(nil) {
				return
			}
		}
	}
	return operator.Output{Kind: models.KindNone, Seq: seq}, nil
}
