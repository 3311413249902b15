// Package optest provides small operators for exercising the execution
// engine in tests.
package optest

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
)

// Values is a source emitting one event {"value": v} per value.
type Values struct {
	Vals     []int
	Loc      models.Location
	released bool
	mu       sync.Mutex
}

func (v *Values) Name() string              { return "values" }
func (v *Values) Location() models.Location { return v.Loc }

func (v *Values) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindNone, models.KindEvents)
}

func (v *Values) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		for _, val := range v.Vals {
			ev, err := models.NewEvent("test.value", map[string]any{"value": val})
			if err != nil {
				ctrl.Abort(err)
				return
			}
			if !yield(models.Events{ev}) {
				return
			}
		}
	}
	return operator.Output{Kind: models.KindEvents, Seq: seq, Release: func() error {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.released = true
		return nil
	}}, nil
}

func (v *Values) Released() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.released
}

// Scale multiplies the "value" field of every event.
type Scale struct {
	Factor int
	Loc    models.Location
}

func (s *Scale) Name() string              { return "scale" }
func (s *Scale) Location() models.Location { return s.Loc }

func (s *Scale) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindEvents)
}

func (s *Scale) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		for b := range in.Seq {
			if models.IsIdle(b) {
				if !yield(nil) {
					return
				}
				continue
			}
			events := b.(models.Events)
			out := make(models.Events, 0, len(events))
			for _, ev := range events {
				c := ev.Clone()
				c.Fields["value"] = Int(ev.Fields["value"]) * s.Factor
				out = append(out, c)
			}
			if !yield(out) {
				return
			}
		}
	}
	return operator.Output{Kind: models.KindEvents, Seq: seq}, nil
}

// Collect is a sink recording every value it receives.
type Collect struct {
	Delay time.Duration
	Loc   models.Location

	mu       sync.Mutex
	values   []int
	finished bool
}

func (c *Collect) Name() string              { return "collect" }
func (c *Collect) Location() models.Location { return c.Loc }

func (c *Collect) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindNone)
}

func (c *Collect) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		for b := range in.Seq {
			if !models.IsIdle(b) {
				for _, ev := range b.(models.Events) {
					c.mu.Lock()
					c.values = append(c.values, Int(ev.Fields["value"]))
					c.mu.Unlock()
				}
				if c.Delay > 0 {
					time.Sleep(c.Delay)
				}
			}
			if !yield(nil) {
				return
			}
		}
		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()
	}
	return operator.Output{Kind: models.KindNone, Seq: seq}, nil
}

func (c *Collect) Values() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.values...)
}

// Finished reports whether the input ended and the sink saw all of it.
func (c *Collect) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Chunks is a source of raw bytes.
type Chunks struct {
	Data []string
	Loc  models.Location
}

func (c *Chunks) Name() string              { return "chunks" }
func (c *Chunks) Location() models.Location { return c.Loc }

func (c *Chunks) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindNone, models.KindBytes)
}

func (c *Chunks) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		for _, d := range c.Data {
			if !yield(models.Chunk(d)) {
				return
			}
		}
	}
	return operator.Output{Kind: models.KindBytes, Seq: seq}, nil
}

// ErrBoom is what Fail aborts with.
var ErrBoom = errors.New("boom")

// Fail is a stage that aborts on the first batch it sees.
type Fail struct {
	Loc models.Location
}

func (f *Fail) Name() string              { return "fail" }
func (f *Fail) Location() models.Location { return f.Loc }

func (f *Fail) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindEvents)
}

func (f *Fail) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		for b := range in.Seq {
			if !models.IsIdle(b) {
				ctrl.Abort(ErrBoom)
			}
			if !yield(nil) {
				return
			}
		}
	}
	return operator.Output{Kind: models.KindEvents, Seq: seq}, nil
}

// Idle is a source that never produces and never ends.
type Idle struct {
	Loc models.Location
}

func (i *Idle) Name() string              { return "idle" }
func (i *Idle) Location() models.Location { return i.Loc }

func (i *Idle) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindNone, models.KindEvents)
}

func (i *Idle) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := iter.Seq[models.Batch](func(yield func(models.Batch) bool) {
		for yield(nil) {
		}
	})
	return operator.Output{Kind: models.KindEvents, Seq: seq}, nil
}

// Int converts numeric field values, which become float64 after a JSON round
// trip.
func Int(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

var (
	collectorsMu sync.Mutex
	collectors   = map[string]*Collect{}
)

// Collector returns the named collector created through the factory.
func Collector(name string) *Collect {
	collectorsMu.Lock()
	defer collectorsMu.Unlock()
	c, ok := collectors[name]
	if !ok {
		c = &Collect{}
		collectors[name] = c
	}
	return c
}

// Register adds the test operators to f under their names.
func Register(f *operator.Factory) {
	f.Register("values", func(args map[string]string) (operator.Operator, error) {
		v := &Values{}
		for _, s := range strings.Split(args["values"], ",") {
			if s == "" {
				continue
			}
			i, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("bad value %q: %w", s, err)
			}
			v.Vals = append(v.Vals, i)
		}
		return v, nil
	})
	f.Register("scale", func(args map[string]string) (operator.Operator, error) {
		factor, err := strconv.Atoi(args["factor"])
		if err != nil {
			return nil, fmt.Errorf("bad factor: %w", err)
		}
		return &Scale{Factor: factor}, nil
	})
	f.Register("collect", func(args map[string]string) (operator.Operator, error) {
		if args["name"] == "" {
			return nil, fmt.Errorf("%w: name", operator.ErrMissingArgument)
		}
		return Collector(args["name"]), nil
	})
	f.Register("chunks", func(args map[string]string) (operator.Operator, error) {
		return &Chunks{Data: strings.Split(args["data"], ",")}, nil
	})
	f.Register("fail", func(args map[string]string) (operator.Operator, error) {
		return &Fail{}, nil
	})
}
