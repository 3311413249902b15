// Package operator defines the operator unit: a placement-tagged pipeline
// step that is instantiated exactly once against a concrete input.
package operator

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/models"
)

// Input is what an operator is instantiated against. Seq is nil for sources.
//
// Seq yields the idle marker whenever no data is pending. Operators must pass
// it on (yield nil) instead of waiting for more input, otherwise the hosting
// node never regains control.
type Input struct {
	Kind models.Kind
	Seq  iter.Seq[models.Batch]
}

// Output is the result of instantiating an operator.
type Output struct {
	Kind models.Kind
	Seq  iter.Seq[models.Batch]
	// Release frees whatever Instantiate acquired. It runs after Seq was
	// stopped.
	Release func() error
}

// Control is the per-node context handed to an operator.
type Control interface {
	Logger() *zerolog.Logger
	// Context is cancelled when the hosting node exits.
	Context() context.Context
	// Warn emits a non-fatal diagnostic.
	Warn(err error)
	// Abort fails the hosting node after the current pull.
	Abort(err error)
	// Demand is the number of batches downstream can accept right now.
	Demand() int
	Schemas() *Schemas
}

// Operator is implemented by every concrete pipeline step.
type Operator interface {
	Name() string
	Location() models.Location
	// Infer returns the output kind for the given input kind without
	// acquiring any resources.
	Infer(input models.Kind) (models.Kind, error)
	Instantiate(in Input, ctrl Control) (Output, error)
}

// Unit wraps an Operator with its placement and the single-use guard.
type Unit struct {
	op       Operator
	location models.Location
	spec     *Spec
	used     atomic.Bool
}

// New wraps op. The unit is not transmissible to a remote peer.
func New(op Operator) *Unit {
	return &Unit{op: op, location: op.Location()}
}

func (u *Unit) Name() string {
	return u.op.Name()
}

func (u *Unit) Location() models.Location {
	return u.location
}

// Spec returns the description a remote peer can rebuild the unit from.
func (u *Unit) Spec() (Spec, bool) {
	if u.spec == nil {
		return Spec{}, false
	}
	return *u.spec, true
}

// Infer type checks the unit against input.
func (u *Unit) Infer(input models.Kind) (models.Kind, error) {
	out, err := u.op.Infer(input)
	if err != nil {
		return models.KindNone, &TypeClashError{Operator: u.Name(), Input: input, Err: err}
	}
	return out, nil
}

// Instantiate binds the unit to in. It may be called once.
func (u *Unit) Instantiate(in Input, ctrl Control) (*Instance, error) {
	if !u.used.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: '%s'", ErrAlreadyInstantiated, u.Name())
	}
	want, err := u.Infer(in.Kind)
	if err != nil {
		return nil, err
	}
	out, err := u.op.Instantiate(in, ctrl)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate '%s': %w", u.Name(), err)
	}
	if out.Kind != want || out.Seq == nil {
		if out.Release != nil {
			_ = out.Release()
		}
		return nil, fmt.Errorf("%w: '%s' produced %s, expected %s", ErrBadOutput, u.Name(), out.Kind, want)
	}
	return newInstance(u, out), nil
}
