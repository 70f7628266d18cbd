package service

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ServiceMetrics keeps in-process counters per operation for /info. The
// Prometheus registry in internal/metrics carries the same data for
// scraping; these counters need no scraper.
type ServiceMetrics struct {
	mu         sync.RWMutex
	operations map[string]*operationCounters
	startTime  time.Time
}

type operationCounters struct {
	total    atomic.Int64
	success  atomic.Int64
	failed   atomic.Int64
	latency  [len(latencyBucketNames)]atomic.Int64
	lastUsed atomic.Int64
}

var latencyBucketNames = [...]string{"lt_1s", "lt_5s", "lt_15s", "lt_60s", "gt_60s"}

// NewServiceMetrics creates a new metrics collector.
func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{
		operations: make(map[string]*operationCounters),
		startTime:  time.Now(),
	}
}

func (m *ServiceMetrics) counters(operation string) *operationCounters {
	m.mu.RLock()
	c, ok := m.operations[operation]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.operations[operation]; !ok {
		c = &operationCounters{}
		m.operations[operation] = c
	}
	return c
}

// RecordRequest records one operation with its duration and outcome.
func (m *ServiceMetrics) RecordRequest(operation string, duration time.Duration, success bool) {
	c := m.counters(operation)
	c.total.Add(1)
	if success {
		c.success.Add(1)
	} else {
		c.failed.Add(1)
	}
	c.latency[latencyBucket(duration)].Add(1)
	c.lastUsed.Store(time.Now().Unix())
}

// Relays are dominated by block time, so buckets are coarse.
func latencyBucket(d time.Duration) int {
	switch {
	case d < time.Second:
		return 0
	case d < 5*time.Second:
		return 1
	case d < 15*time.Second:
		return 2
	case d < time.Minute:
		return 3
	default:
		return 4
	}
}

// OperationStats is the exported view of one operation's counters.
type OperationStats struct {
	Total       int64            `json:"total"`
	Success     int64            `json:"success"`
	Failed      int64            `json:"failed"`
	SuccessRate float64          `json:"success_rate"`
	Latency     map[string]int64 `json:"latency_buckets"`
	LastUsed    string           `json:"last_used,omitempty"`
}

// Export returns all counters keyed by operation, plus uptime.
func (m *ServiceMetrics) Export() map[string]any {
	m.mu.RLock()
	names := make([]string, 0, len(m.operations))
	for name := range m.operations {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	ops := make(map[string]OperationStats, len(names))
	var total int64
	for _, name := range names {
		c := m.counters(name)
		s := OperationStats{
			Total:   c.total.Load(),
			Success: c.success.Load(),
			Failed:  c.failed.Load(),
			Latency: make(map[string]int64, len(latencyBucketNames)),
		}
		if s.Total > 0 {
			s.SuccessRate = float64(s.Success) / float64(s.Total) * 100
		}
		for i, b := range latencyBucketNames {
			s.Latency[b] = c.latency[i].Load()
		}
		if ts := c.lastUsed.Load(); ts > 0 {
			s.LastUsed = time.Unix(ts, 0).UTC().Format(time.RFC3339)
		}
		total += s.Total
		ops[name] = s
	}

	return map[string]any{
		"uptime":       time.Since(m.startTime).Round(time.Second).String(),
		"relays_total": total,
		"operations":   ops,
	}
}
