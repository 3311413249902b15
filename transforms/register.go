package transforms

import (
	"fmt"

	"github.com/tarungka/telepipe/internal/operator"
)

// Register adds the stage operators to f.
func Register(f *operator.Factory) {
	f.Register("read_json", func(args map[string]string) (operator.Operator, error) {
		a := operator.Args(args)
		return &ReadJSON{Schema: a.String("schema", ""), SchemaField: a.String("schema_field", "")}, nil
	})
	f.Register("write_json", func(args map[string]string) (operator.Operator, error) {
		envelope, err := operator.Args(args).Bool("envelope", false)
		if err != nil {
			return nil, err
		}
		return &WriteJSON{Envelope: envelope}, nil
	})
	f.Register("uppercase", func(args map[string]string) (operator.Operator, error) {
		field, err := operator.Args(args).Required("field")
		if err != nil {
			return nil, err
		}
		return &Uppercase{Field: field}, nil
	})
	f.Register("head", func(args map[string]string) (operator.Operator, error) {
		n, err := operator.Args(args).Int("n", 10)
		if err != nil {
			return nil, err
		}
		return &Head{N: n}, nil
	})
	f.Register("select", func(args map[string]string) (operator.Operator, error) {
		fields := operator.Args(args).List("fields")
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: fields", operator.ErrMissingArgument)
		}
		return &Select{Fields: fields}, nil
	})
	f.Register("where", func(args map[string]string) (operator.Operator, error) {
		a := operator.Args(args)
		field, err := a.Required("field")
		if err != nil {
			return nil, err
		}
		negate, err := a.Bool("negate", false)
		if err != nil {
			return nil, err
		}
		return &Where{Field: field, Value: a.String("equals", ""), Negate: negate}, nil
	})
	f.Register("throttle", func(args map[string]string) (operator.Operator, error) {
		a := operator.Args(args)
		r, err := a.Float("rate", 0)
		if err != nil {
			return nil, err
		}
		if r <= 0 {
			return nil, fmt.Errorf("%w: rate must be positive", operator.ErrMissingArgument)
		}
		burst, err := a.Int("burst", 1)
		if err != nil {
			return nil, err
		}
		return &Throttle{Rate: r, Burst: burst}, nil
	})
}
