package pipeline

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/node"
)

// DiagnosticsCollector keeps the diagnostics of one run.
type DiagnosticsCollector struct {
	logger  zerolog.Logger
	metrics *ExecutorMetrics
	forward node.Diagnostics

	mu    sync.Mutex
	diags []node.Diagnostic
}

func newDiagnosticsCollector(l zerolog.Logger, m *ExecutorMetrics, forward node.Diagnostics) *DiagnosticsCollector {
	return &DiagnosticsCollector{logger: l, metrics: m, forward: forward}
}

func (d *DiagnosticsCollector) Emit(diag node.Diagnostic) {
	d.mu.Lock()
	d.diags = append(d.diags, diag)
	d.mu.Unlock()

	d.metrics.IncrementDiagnostics()
	d.logger.Debug().Str("node", diag.Node).Str("severity", string(diag.Severity)).Msgf("%s: %s", diag.Operator, diag.Message)
	if d.forward != nil {
		d.forward.Emit(diag)
	}
}

func (d *DiagnosticsCollector) All() []node.Diagnostic {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]node.Diagnostic(nil), d.diags...)
}
