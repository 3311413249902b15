package pipeline

import (
	"sync/atomic"
	"time"
)

// ExecutorMetrics counts what one executor did.
type ExecutorMetrics struct {
	name string

	localNodes       uint64
	remoteNodes      uint64
	remoteSpawns     uint64
	spawnMismatches  uint64
	benignExits      uint64
	failedExits      uint64
	diagnostics      uint64
	startedAtUnixMs  int64
	finishedAtUnixMs int64
}

func NewExecutorMetrics(name string) *ExecutorMetrics {
	return &ExecutorMetrics{name: name}
}

func (m *ExecutorMetrics) IncrementLocalNodes() {
	atomic.AddUint64(&m.localNodes, 1)
}

// IncrementRemoteNodes adds n nodes created by a remote peer.
func (m *ExecutorMetrics) IncrementRemoteNodes(n int) {
	atomic.AddUint64(&m.remoteSpawns, 1)
	atomic.AddUint64(&m.remoteNodes, uint64(n))
}

func (m *ExecutorMetrics) IncrementSpawnMismatches() {
	atomic.AddUint64(&m.spawnMismatches, 1)
}

// RecordExit counts a node termination.
func (m *ExecutorMetrics) RecordExit(benign bool) {
	if benign {
		atomic.AddUint64(&m.benignExits, 1)
	} else {
		atomic.AddUint64(&m.failedExits, 1)
	}
}

func (m *ExecutorMetrics) IncrementDiagnostics() {
	atomic.AddUint64(&m.diagnostics, 1)
}

func (m *ExecutorMetrics) MarkStarted() {
	atomic.StoreInt64(&m.startedAtUnixMs, time.Now().UnixMilli())
}

func (m *ExecutorMetrics) MarkFinished() {
	atomic.StoreInt64(&m.finishedAtUnixMs, time.Now().UnixMilli())
}

// ExecutorStats is a snapshot of ExecutorMetrics.
type ExecutorStats struct {
	Name            string  `json:"name"`
	LocalNodes      uint64  `json:"local_nodes"`
	RemoteNodes     uint64  `json:"remote_nodes"`
	RemoteSpawns    uint64  `json:"remote_spawns"`
	SpawnMismatches uint64  `json:"spawn_mismatches"`
	BenignExits     uint64  `json:"benign_exits"`
	FailedExits     uint64  `json:"failed_exits"`
	Diagnostics     uint64  `json:"diagnostics"`
	RuntimeMs       float64 `json:"runtime_ms"`
}

// GetStats returns a snapshot of the current metrics.
func (m *ExecutorMetrics) GetStats() ExecutorStats {
	started := atomic.LoadInt64(&m.startedAtUnixMs)
	finished := atomic.LoadInt64(&m.finishedAtUnixMs)
	if finished == 0 && started != 0 {
		finished = time.Now().UnixMilli()
	}
	return ExecutorStats{
		Name:            m.name,
		LocalNodes:      atomic.LoadUint64(&m.localNodes),
		RemoteNodes:     atomic.LoadUint64(&m.remoteNodes),
		RemoteSpawns:    atomic.LoadUint64(&m.remoteSpawns),
		SpawnMismatches: atomic.LoadUint64(&m.spawnMismatches),
		BenignExits:     atomic.LoadUint64(&m.benignExits),
		FailedExits:     atomic.LoadUint64(&m.failedExits),
		Diagnostics:     atomic.LoadUint64(&m.diagnostics),
		RuntimeMs:       float64(finished - started),
	}
}
