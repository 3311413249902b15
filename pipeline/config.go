package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/tarungka/telepipe/internal/operator"
)

// ErrInvalidConfig wraps every validation failure of a pipeline config.
var ErrInvalidConfig = errors.New("invalid pipeline config")

// OperatorConfig is one operator entry of a configured pipeline.
type OperatorConfig struct {
	Name     string            `koanf:"name" json:"name" validate:"required"`
	Location string            `koanf:"location" json:"location,omitempty" validate:"omitempty,oneof=local remote anywhere"`
	Args     map[string]string `koanf:"args" json:"args,omitempty"`
}

// PipelineConfig describes a pipeline either as a definition string or as an
// explicit operator list.
type PipelineConfig struct {
	Name       string           `koanf:"name" json:"name" validate:"required"`
	Definition string           `koanf:"definition" json:"definition,omitempty" validate:"required_without=Operators"`
	Operators  []OperatorConfig `koanf:"operators" json:"operators,omitempty" validate:"omitempty,dive"`
	Autostart  bool             `koanf:"autostart" json:"autostart,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return strings.ToLower(fld.Name)
			}
			return name
		})
	})
	return validate
}

// Validate checks the struct tags and that the definition parses.
func (c PipelineConfig) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed '%s'", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
	}
	if c.Definition != "" && len(c.Operators) > 0 {
		return fmt.Errorf("%w: %s: definition and operators are mutually exclusive", ErrInvalidConfig, c.Name)
	}
	if c.Definition != "" {
		if _, err := ParseDefinition(c.Definition); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.Name, err)
		}
	}
	return nil
}

// Specs returns the operator specs of c.
func (c PipelineConfig) Specs() ([]operator.Spec, error) {
	if c.Definition != "" {
		return ParseDefinition(c.Definition)
	}
	specs := make([]operator.Spec, 0, len(c.Operators))
	for _, op := range c.Operators {
		specs = append(specs, operator.Spec{Name: op.Name, Location: op.Location, Args: op.Args})
	}
	return specs, nil
}

// Load reads and validates the "pipelines" section of ko. Names must be
// unique.
func Load(ko *koanf.Koanf) ([]PipelineConfig, error) {
	var configs []PipelineConfig
	if !ko.Exists("pipelines") {
		return nil, nil
	}
	if err := ko.Unmarshal("pipelines", &configs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipelines: %w", err)
	}
	seen := make(map[string]bool, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: duplicate pipeline name '%s'", ErrInvalidConfig, c.Name)
		}
		seen[c.Name] = true
	}
	return configs, nil
}
