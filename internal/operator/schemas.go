package operator

import (
	"sort"
	"sync"
)

// Schemas records the field layout of every event schema seen during a run.
// One registry is shared by all nodes of an executor.
type Schemas struct {
	mu      sync.RWMutex
	schemas map[string][]string
}

func NewSchemas() *Schemas {
	return &Schemas{schemas: make(map[string][]string)}
}

// Observe merges fields into schema name and reports whether the layout
// changed.
func (s *Schemas) Observe(name string, fields map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := s.schemas[name]
	seen := make(map[string]struct{}, len(known))
	for _, f := range known {
		seen[f] = struct{}{}
	}
	changed := false
	for f := range fields {
		if _, ok := seen[f]; !ok {
			known = append(known, f)
			changed = true
		}
	}
	if changed || known == nil {
		sort.Strings(known)
		s.schemas[name] = known
	}
	return changed
}

func (s *Schemas) Lookup(name string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.schemas[name]
	return append([]string(nil), fields...), ok
}

func (s *Schemas) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
