package node

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/operator"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is emitted by an operator through its control plane.
type Diagnostic struct {
	Node     string    `json:"node"`
	Operator string    `json:"operator"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// Diagnostics receives the diagnostics of every node of a run.
type Diagnostics interface {
	Emit(d Diagnostic)
}

// ControlPlane is what the spawner shares with each node it creates.
type ControlPlane struct {
	Logger      zerolog.Logger
	Diagnostics Diagnostics
	Schemas     *operator.Schemas
}

// control is the operator.Control of a single node.
type control struct {
	plane    ControlPlane
	log      zerolog.Logger
	ctx      context.Context
	nodeID   string
	operator string
	demand   func() int

	mu       sync.Mutex
	abortErr error
}

var _ operator.Control = (*control)(nil)

func newControl(ctx context.Context, plane ControlPlane, nodeID, name string) *control {
	if plane.Schemas == nil {
		plane.Schemas = operator.NewSchemas()
	}
	return &control{
		plane:    plane,
		log:      plane.Logger.With().Str("node", nodeID).Str("operator", name).Logger(),
		ctx:      ctx,
		nodeID:   nodeID,
		operator: name,
		demand:   func() int { return 1 },
	}
}

func (c *control) Logger() *zerolog.Logger {
	return &c.log
}

func (c *control) Context() context.Context {
	return c.ctx
}

func (c *control) Warn(err error) {
	c.log.Warn().Err(err).Msg("operator warning")
	c.emit(SeverityWarning, err)
}

func (c *control) Abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abortErr == nil {
		c.abortErr = err
		c.emit(SeverityError, err)
	}
}

func (c *control) aborted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortErr
}

func (c *control) Demand() int {
	return c.demand()
}

func (c *control) Schemas() *operator.Schemas {
	return c.plane.Schemas
}

func (c *control) emit(sev Severity, err error) {
	if c.plane.Diagnostics == nil {
		return
	}
	c.plane.Diagnostics.Emit(Diagnostic{
		Node:     c.nodeID,
		Operator: c.operator,
		Severity: sev,
		Message:  err.Error(),
		Time:     time.Now(),
	})
}
