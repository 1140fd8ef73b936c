// Package stats collects operation and wear statistics for the environment
// store with minimal contention, using atomic counters.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Common operation types
const (
	OpGet     OperationType = "get"
	OpSet     OperationType = "set"
	OpDelete  OperationType = "delete"
	OpSave    OperationType = "save"
	OpLoad    OperationType = "load"
	OpDefault OperationType = "set_default"
)

// Collector provides centralized statistics collection. The store itself is
// single-goroutine, but stats may be read concurrently (for example by the
// CLI's .stats command), so all counters are atomic.
type Collector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // only used when creating new counter entries

	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	totalBytesWritten atomic.Uint64
	totalBytesErased  atomic.Uint64

	// Wear-leveling and recovery counters
	migrations  atomic.Uint64
	recoveries  atomic.Uint64
	slotUpdates atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex
}

// NewCollector creates a new statistics collector
func NewCollector() *Collector {
	return &Collector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *Collector) TrackOperation(op OperationType) {
	if c == nil {
		return
	}
	c.getOrCreateCounter(op).Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackError increments the counter for the specified error type
func (c *Collector) TrackError(errorType string) {
	if c == nil {
		return
	}
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytesWritten adds to the programmed-bytes counter
func (c *Collector) TrackBytesWritten(n uint64) {
	if c == nil {
		return
	}
	c.totalBytesWritten.Add(n)
}

// TrackBytesErased adds to the erased-bytes counter
func (c *Collector) TrackBytesErased(n uint64) {
	if c == nil {
		return
	}
	c.totalBytesErased.Add(n)
}

// TrackMigration increments the data block migration counter
func (c *Collector) TrackMigration() {
	if c == nil {
		return
	}
	c.migrations.Add(1)
}

// TrackRecovery increments the defaults-installed counter
func (c *Collector) TrackRecovery() {
	if c == nil {
		return
	}
	c.recoveries.Add(1)
}

// TrackSlotUpdate increments the system slot rewrite counter
func (c *Collector) TrackSlotUpdate() {
	if c == nil {
		return
	}
	c.slotUpdates.Add(1)
}

// Migrations returns the number of data block migrations performed
func (c *Collector) Migrations() uint64 {
	if c == nil {
		return 0
	}
	return c.migrations.Load()
}

// Recoveries returns the number of times defaults were installed
func (c *Collector) Recoveries() uint64 {
	if c == nil {
		return 0
	}
	return c.recoveries.Load()
}

// GetStats returns all statistics as a map
func (c *Collector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})
	if c == nil {
		return stats
	}

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["total_bytes_erased"] = c.totalBytesErased.Load()
	stats["migration_count"] = c.migrations.Load()
	stats["recovery_count"] = c.recoveries.Load()
	stats["slot_update_count"] = c.slotUpdates.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	return stats
}

func (c *Collector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}
