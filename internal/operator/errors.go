package operator

import (
	"errors"
	"fmt"

	"github.com/tarungka/telepipe/internal/models"
)

var (
	// ErrAlreadyInstantiated is returned on the second Instantiate call.
	ErrAlreadyInstantiated = errors.New("operator was already instantiated")

	// ErrBadOutput is returned when an operator's output disagrees with its
	// own type inference.
	ErrBadOutput = errors.New("operator output does not match its inferred kind")

	// ErrUnknownOperator is returned by Create for unregistered names.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrNotTransmissible is returned for units built without a Spec.
	ErrNotTransmissible = errors.New("operator cannot be sent to a remote peer")

	// ErrMissingArgument is returned by factories for absent required args.
	ErrMissingArgument = errors.New("missing operator argument")

	ErrUnsupportedInput = errors.New("unsupported input")

	ErrEmptyPipeline      = errors.New("pipeline is empty")
	ErrPipelineNotClosed  = errors.New("pipeline must end with a sink")
	ErrContinuesAfterSink = errors.New("pipeline continues after sink")
)

// TypeClashError reports that an operator cannot take the kind of data its
// predecessor produces.
type TypeClashError struct {
	Operator string
	Input    models.Kind
	Err      error
}

func (e *TypeClashError) Error() string {
	return fmt.Sprintf("type clash: '%s' does not accept %s input: %v", e.Operator, e.Input, e.Err)
}

func (e *TypeClashError) Unwrap() error {
	return e.Err
}

// Accept is a helper for Infer implementations that take exactly one input
// kind and produce one output kind.
func Accept(input, want, output models.Kind) (models.Kind, error) {
	if input != want {
		return models.KindNone, fmt.Errorf("%w: expected %s", ErrUnsupportedInput, want)
	}
	return output, nil
}
