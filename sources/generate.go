package sources

import (
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
)

// Generate emits Count synthetic events carrying a sequence number.
type Generate struct {
	Count     int
	Schema    string
	BatchSize int
}

func (g *Generate) Name() string              { return "generate" }
func (g *Generate) Location() models.Location { return models.Anywhere }

func (g *Generate) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindNone, models.KindEvents)
}

func (g *Generate) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		var batch models.Events
		for i := range g.Count {
			ev, err := models.NewEvent(g.Schema, map[string]any{"seq": i})
			if err != nil {
				ctrl.Abort(err)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= g.BatchSize {
				if !yield(batch) {
					return
				}
				batch = nil
			}
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
	return operator.Output{Kind: models.KindEvents, Seq: seq}, nil
}
