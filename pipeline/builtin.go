package pipeline

import (
	"github.com/tarungka/telepipe/internal/db"
	"github.com/tarungka/telepipe/internal/operator"
	"github.com/tarungka/telepipe/sinks"
	"github.com/tarungka/telepipe/sources"
	"github.com/tarungka/telepipe/transforms"
)

// RegisterBuiltins adds every shipped operator to f. Both ends of a remote
// link must register the same set. store may be nil.
func RegisterBuiltins(f *operator.Factory, store db.EventStore) {
	sources.Register(f, store)
	transforms.Register(f)
	sinks.Register(f, store)
}

// NewFactory returns a factory holding the built-in operators.
func NewFactory(store db.EventStore) *operator.Factory {
	f := operator.NewFactory()
	RegisterBuiltins(f, store)
	return f
}
