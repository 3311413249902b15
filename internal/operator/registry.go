package operator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tarungka/telepipe/internal/models"
)

// Spec is the transmissible description of a unit: enough for any process
// that registered the same operators to rebuild it.
type Spec struct {
	Name     string            `json:"name"`
	Location string            `json:"location,omitempty"`
	Args     map[string]string `json:"args,omitempty"`
}

func (s Spec) String() string {
	return fmt.Sprintf("%s%v", s.Name, s.Args)
}

// Creator builds an operator from its arguments.
type Creator func(args map[string]string) (Operator, error)

// Factory maps operator names to creators.
type Factory struct {
	mu       sync.RWMutex
	creators map[string]Creator
}

var defaultFactory = NewFactory()

func NewFactory() *Factory {
	return &Factory{creators: make(map[string]Creator)}
}

// Register adds creator under name. A later registration replaces an earlier
// one.
func (f *Factory) Register(name string, creator Creator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[name] = creator
}

// Create builds a unit from spec.
func (f *Factory) Create(spec Spec) (*Unit, error) {
	f.mu.RLock()
	creator, exists := f.creators[spec.Name]
	f.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, spec.Name)
	}

	op, err := creator(spec.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to create '%s': %w", spec.Name, err)
	}
	u := New(op)
	if spec.Location != "" {
		loc, err := models.ParseLocation(spec.Location)
		if err != nil {
			return nil, err
		}
		u.location = loc
	}
	s := spec
	u.spec = &s
	return u, nil
}

// Names lists the registered operators in lexical order.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Register(name string, creator Creator) {
	defaultFactory.Register(name, creator)
}

func Create(spec Spec) (*Unit, error) {
	return defaultFactory.Create(spec)
}

func Names() []string {
	return defaultFactory.Names()
}

// Default returns the process-wide factory operator packages register into.
func Default() *Factory {
	return defaultFactory
}
