package operator

import (
	"fmt"
	"strings"

	"github.com/tarungka/telepipe/internal/models"
)

// Pipeline is a linear chain of units. It is consumed by one run.
type Pipeline []*Unit

// FromSpecs builds a pipeline through the factory.
func (f *Factory) FromSpecs(specs []Spec) (Pipeline, error) {
	p := make(Pipeline, 0, len(specs))
	for _, spec := range specs {
		u, err := f.Create(spec)
		if err != nil {
			return nil, err
		}
		p = append(p, u)
	}
	return p, nil
}

func FromSpecs(specs []Spec) (Pipeline, error) {
	return defaultFactory.FromSpecs(specs)
}

// Infer type checks every adjacent pair, starting from input.
func (p Pipeline) Infer(input models.Kind) (models.Kind, error) {
	kind := input
	for _, u := range p {
		out, err := u.Infer(kind)
		if err != nil {
			return models.KindNone, err
		}
		kind = out
	}
	return kind, nil
}

// Check verifies that p is a closed pipeline: it starts without input, every
// adjacent pair matches, nothing follows a sink and the last unit is a sink.
func (p Pipeline) Check() error {
	if len(p) == 0 {
		return nil
	}
	kind := models.KindNone
	for i, u := range p {
		if i > 0 && kind == models.KindNone {
			return fmt.Errorf("%w: pipeline continues with '%s' after sink '%s'", ErrContinuesAfterSink, u.Name(), p[i-1].Name())
		}
		out, err := u.Infer(kind)
		if err != nil {
			return err
		}
		kind = out
	}
	if kind != models.KindNone {
		return fmt.Errorf("%w: pipeline is still open after last operator '%s'", ErrPipelineNotClosed, p[len(p)-1].Name())
	}
	return nil
}

// Specs returns the transmissible form of p.
func (p Pipeline) Specs() ([]Spec, error) {
	specs := make([]Spec, 0, len(p))
	for _, u := range p {
		spec, ok := u.Spec()
		if !ok {
			return nil, fmt.Errorf("%w: '%s'", ErrNotTransmissible, u.Name())
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (p Pipeline) String() string {
	names := make([]string, 0, len(p))
	for _, u := range p {
		names = append(names, u.Name())
	}
	return strings.Join(names, " | ")
}
