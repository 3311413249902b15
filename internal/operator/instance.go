package operator

import (
	"iter"

	"github.com/tarungka/telepipe/internal/models"
)

// Instance owns an instantiated unit and the sequence derived from it. The
// unit is held first and the sequence second; Close tears them down in the
// reverse order so the sequence never outlives the operator state.
type Instance struct {
	unit    *Unit
	kind    models.Kind
	next    func() (models.Batch, bool)
	stop    func()
	release func() error
	closed  bool
}

func newInstance(u *Unit, out Output) *Instance {
	next, stop := iter.Pull(out.Seq)
	return &Instance{
		unit:    u,
		kind:    out.Kind,
		next:    next,
		stop:    stop,
		release: out.Release,
	}
}

func (i *Instance) Name() string {
	return i.unit.Name()
}

func (i *Instance) Kind() models.Kind {
	return i.kind
}

// Next advances the sequence. ok is false once it is exhausted.
func (i *Instance) Next() (models.Batch, bool) {
	if i.closed {
		return nil, false
	}
	return i.next()
}

// Close stops the sequence and then releases the operator. It is safe to
// call more than once.
func (i *Instance) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.stop()
	if i.release != nil {
		return i.release()
	}
	return nil
}
