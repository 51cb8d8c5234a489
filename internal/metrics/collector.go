// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Items     int64 // items handled across all calls (pages, chunks, vectors)
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
	Failures  int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Items       int64   `json:"items,omitempty"`
	Failures    int64   `json:"failures,omitempty"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot represents the full server statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	Fetch         *OperationSnapshot `json:"fetch,omitempty"`
	Chunk         *OperationSnapshot `json:"chunk,omitempty"`
	Embed         *OperationSnapshot `json:"embed,omitempty"`
	Index         *OperationSnapshot `json:"index,omitempty"`
	DBQuery       *OperationSnapshot `json:"db_query,omitempty"`
	Channel       *OperationSnapshot `json:"channel,omitempty"`
}

// Operation names for the collector.
const (
	OpFetch   = "fetch"
	OpChunk   = "chunk"
	OpEmbed   = "embed"
	OpIndex   = "index"
	OpDBQuery = "db_query"
	OpChannel = "channel"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{
			MinTime: time.Duration(math.MaxInt64),
		}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for one call of an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.RecordBatch(op, duration, 1, false)
}

// RecordBatch records one call that handled a number of items. failed
// marks the whole call as a failure.
func (c *Collector) RecordBatch(op string, duration time.Duration, items int64, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.Items += items
	m.TotalTime += duration
	if failed {
		m.Failures++
	}

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       m.Count,
		Items:       m.Items,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Fetch:         snapshotOp(c.ops[OpFetch]),
		Chunk:         snapshotOp(c.ops[OpChunk]),
		Embed:         snapshotOp(c.ops[OpEmbed]),
		Index:         snapshotOp(c.ops[OpIndex]),
		DBQuery:       snapshotOp(c.ops[OpDBQuery]),
		Channel:       snapshotOp(c.ops[OpChannel]),
	}
}
