package sources

import (
	"errors"
	"fmt"

	"github.com/tarungka/telepipe/internal/db"
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
)

var errStopScan = errors.New("scan stopped")

// Export emits events previously imported into the event store.
type Export struct {
	Store     db.EventStore
	Query     db.Query
	BatchSize int
}

func (e *Export) Name() string { return "export" }

// Location is local: the event store lives in the calling process.
func (e *Export) Location() models.Location { return models.Local }

func (e *Export) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindNone, models.KindEvents)
}

func (e *Export) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		var batch models.Events
		err := e.Store.Scan(ctrl.Context(), e.Query, func(ev *models.Event) error {
			batch = append(batch, ev)
			if len(batch) < e.BatchSize {
				return nil
			}
			if !yield(batch) {
				return errStopScan
			}
			batch = nil
			return nil
		})
		if errors.Is(err, errStopScan) {
			return
		}
		if err != nil {
			ctrl.Abort(fmt.Errorf("export failed: %w", err))
			return
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
	return operator.Output{Kind: models.KindEvents, Seq: seq}, nil
}
