// Package hooks provides production-ready Logger and MetricsCollector
// implementations.
package hooks

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openlot/image-delivery/core"
)

// ── Structured logger adapter ─────────────────────────────────────────────────

// SlogLogger wraps the standard library slog.Logger to satisfy core.Logger.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

func (s *SlogLogger) Debug(msg string, fields ...interface{}) { s.log.Debug(msg, fields...) }
func (s *SlogLogger) Info(msg string, fields ...interface{})  { s.log.Info(msg, fields...) }
func (s *SlogLogger) Warn(msg string, fields ...interface{})  { s.log.Warn(msg, fields...) }
func (s *SlogLogger) Error(msg string, fields ...interface{}) { s.log.Error(msg, fields...) }

// ── In-memory metrics collector ───────────────────────────────────────────────

// InMemoryMetrics accumulates pipeline observations; safe for concurrent use.
type InMemoryMetrics struct {
	mu sync.RWMutex

	opDurationsMs map[core.Operation]int64 // cumulative ms per operation
	opCalls       map[core.Operation]int64
	opErrors      map[core.Operation]map[string]int64 // per classification
	gatewayCalls  map[core.Operation]int64

	cacheHits      int64
	cacheMisses    int64
	workerRespawns int64
}

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		opDurationsMs: make(map[core.Operation]int64),
		opCalls:       make(map[core.Operation]int64),
		opErrors:      make(map[core.Operation]map[string]int64),
		gatewayCalls:  make(map[core.Operation]int64),
	}
}

func (m *InMemoryMetrics) RecordCacheHit(string)  { atomic.AddInt64(&m.cacheHits, 1) }
func (m *InMemoryMetrics) RecordCacheMiss(string) { atomic.AddInt64(&m.cacheMisses, 1) }
func (m *InMemoryMetrics) RecordWorkerRespawn()   { atomic.AddInt64(&m.workerRespawns, 1) }

func (m *InMemoryMetrics) RecordJobDuration(op core.Operation, d time.Duration) {
	m.mu.Lock()
	m.opDurationsMs[op] += d.Milliseconds()
	m.opCalls[op]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordGatewayCall(op core.Operation) {
	m.mu.Lock()
	m.gatewayCalls[op]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordError(op core.Operation, class string) {
	m.mu.Lock()
	if m.opErrors[op] == nil {
		m.opErrors[op] = make(map[string]int64)
	}
	m.opErrors[op][class]++
	m.mu.Unlock()
}

// MetricsSnapshot is an immutable point-in-time copy of metrics.
type MetricsSnapshot struct {
	OpDurationsMs  map[core.Operation]int64
	OpCalls        map[core.Operation]int64
	OpErrors       map[core.Operation]map[string]int64
	GatewayCalls   map[core.Operation]int64
	CacheHits      int64
	CacheMisses    int64
	WorkerRespawns int64
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		OpDurationsMs:  make(map[core.Operation]int64, len(m.opDurationsMs)),
		OpCalls:        make(map[core.Operation]int64, len(m.opCalls)),
		OpErrors:       make(map[core.Operation]map[string]int64, len(m.opErrors)),
		GatewayCalls:   make(map[core.Operation]int64, len(m.gatewayCalls)),
		CacheHits:      atomic.LoadInt64(&m.cacheHits),
		CacheMisses:    atomic.LoadInt64(&m.cacheMisses),
		WorkerRespawns: atomic.LoadInt64(&m.workerRespawns),
	}
	for k, v := range m.opDurationsMs {
		snap.OpDurationsMs[k] = v
	}
	for k, v := range m.opCalls {
		snap.OpCalls[k] = v
	}
	for k, v := range m.gatewayCalls {
		snap.GatewayCalls[k] = v
	}
	for op, classes := range m.opErrors {
		cp := make(map[string]int64, len(classes))
		for c, v := range classes {
			cp[c] = v
		}
		snap.OpErrors[op] = cp
	}
	return snap
}

var _ core.MetricsCollector = (*InMemoryMetrics)(nil)
var _ core.Logger = (*SlogLogger)(nil)
