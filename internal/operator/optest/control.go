package optest

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
)

// Control is an operator.Control recording warnings and aborts.
type Control struct {
	Ctx context.Context
	Log zerolog.Logger

	schemas  *operator.Schemas
	mu       sync.Mutex
	warnings []error
	aborted  error
}

var _ operator.Control = (*Control)(nil)

func NewControl() *Control {
	return &Control{Ctx: context.Background(), Log: zerolog.Nop(), schemas: operator.NewSchemas()}
}

func (c *Control) Logger() *zerolog.Logger    { return &c.Log }
func (c *Control) Context() context.Context   { return c.Ctx }
func (c *Control) Demand() int                { return 1 }
func (c *Control) Schemas() *operator.Schemas { return c.schemas }

func (c *Control) Warn(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, err)
}

func (c *Control) Abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted == nil {
		c.aborted = err
	}
}

func (c *Control) Warnings() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.warnings...)
}

func (c *Control) Aborted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// Drive instantiates op against the given batches, each followed by an
// idle marker the way a bridge queue delivers them, and returns every
// non-idle batch it produced. The sequence is released afterwards.
func Drive(op operator.Operator, kind models.Kind, ctrl operator.Control, in ...models.Batch) ([]models.Batch, error) {
	input := operator.Input{Kind: kind}
	if kind != models.KindNone {
		input.Seq = func(yield func(models.Batch) bool) {
			for _, b := range in {
				if !yield(b) || !yield(nil) {
					return
				}
			}
		}
	}
	inst, err := operator.New(op).Instantiate(input, ctrl)
	if err != nil {
		return nil, err
	}
	defer inst.Close()

	var out []models.Batch
	for {
		b, ok := inst.Next()
		if !ok {
			return out, nil
		}
		if !models.IsIdle(b) {
			out = append(out, b)
		}
	}
}
