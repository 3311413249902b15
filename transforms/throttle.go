package transforms

import (
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
	"golang.org/x/time/rate"
)

// Throttle limits the number of events per second passing through.
type Throttle struct {
	Rate  float64
	Burst int
}

func (t *Throttle) Name() string              { return "throttle" }
func (t *Throttle) Location() models.Location { return models.Anywhere }

func (t *Throttle) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindEvents)
}

func (t *Throttle) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	burst := max(t.Burst, 1)
	limiter := rate.NewLimiter(rate.Limit(t.Rate), burst)
	ctx := ctrl.Context()

	seq := func(yield func(models.Batch) bool) {
		for b := range in.Seq {
			if models.IsIdle(b) {
				if !yield(nil) {
					return
				}
				continue
			}
			// hand out at most burst events per wait so WaitN never exceeds it
			events := b.(models.Events)
			for len(events) > 0 {
				n := min(len(events), burst)
				if err := limiter.WaitN(ctx, n); err != nil {
					return
				}
				if !yield(events[:n]) {
					return
				}
				events = events[n:]
			}
		}
	}
	return operator.Output{Kind: models.KindEvents, Seq: seq}, nil
}
