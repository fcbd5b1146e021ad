// Package metrics provides session-scoped delivery counters.
//
// The Collector accumulates counters for one session (or one service
// process). It is a leaf package with no internal dependencies. All
// increment methods are nil-receiver safe, so instrumentation can stay
// unconditional while metrics remain optional.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Run lifecycle
	RunsStarted  int64
	RunsFinished int64
	RunsFailed   int64

	// Record delivery
	RecordsEnqueued    int64
	RecordsSent        int64
	RecordsAcked       int64
	RecordsRedelivered int64
	RecordsDropped     int64
	DroppedByType      map[string]int64

	// Channel
	SpawnSuccess    int64
	SpawnFailure    int64
	Reconnects      int64
	ConnectFailures int64
	DecodeErrors    int64

	// Store (service side)
	StoreWriteSuccess int64
	StoreWriteFailure int64

	// Dimensions (informational, set at construction)
	SessionID      string
	Transport      string
	StorageBackend string
}

// Collector accumulates counters for one session or service process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	// Run lifecycle
	runsStarted  int64
	runsFinished int64
	runsFailed   int64

	// Record delivery
	recordsEnqueued    int64
	recordsSent        int64
	recordsAcked       int64
	recordsRedelivered int64
	recordsDropped     int64
	droppedByType      map[string]int64

	// Channel
	spawnSuccess    int64
	spawnFailure    int64
	reconnects      int64
	connectFailures int64
	decodeErrors    int64

	// Store
	storeWriteSuccess int64
	storeWriteFailure int64

	// Dimensions
	sessionID      string
	transport      string
	storageBackend string
}

// NewCollector creates a Collector with dimension labels. sessionID
// identifies the owning session; transport and storageBackend are
// informational ("tcp", "fs", ...).
func NewCollector(sessionID, transport, storageBackend string) *Collector {
	return &Collector{
		droppedByType:  make(map[string]int64),
		sessionID:      sessionID,
		transport:      transport,
		storageBackend: storageBackend,
	}
}

// --- Run lifecycle ---

// IncRunStarted records a run entering its lifecycle.
func (c *Collector) IncRunStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsStarted++
	c.mu.Unlock()
}

// IncRunFinished records a run reaching finished.
func (c *Collector) IncRunFinished() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsFinished++
	c.mu.Unlock()
}

// IncRunFailed records a run reaching failed.
func (c *Collector) IncRunFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsFailed++
	c.mu.Unlock()
}

// --- Record delivery ---

// IncRecordEnqueued records a record admitted to a run queue.
func (c *Collector) IncRecordEnqueued() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.recordsEnqueued++
	c.mu.Unlock()
}

// IncRecordSent records a record written to the channel. Redeliveries
// after a reconnect count here again and in RecordsRedelivered.
func (c *Collector) IncRecordSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.recordsSent++
	c.mu.Unlock()
}

// IncRecordRedelivered records a record resent after a reconnect.
func (c *Collector) IncRecordRedelivered() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.recordsRedelivered++
	c.mu.Unlock()
}

// AddRecordsAcked advances the acked counter by n, the number of
// records retired by one ack watermark.
func (c *Collector) AddRecordsAcked(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.recordsAcked += n
	c.mu.Unlock()
}

// IncRecordDropped records a data record evicted by the drop_oldest
// overflow policy, keyed by record type.
func (c *Collector) IncRecordDropped(recordType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.recordsDropped++
	c.droppedByType[recordType]++
	c.mu.Unlock()
}

// --- Channel ---

// IncSpawnSuccess records a successful service spawn.
func (c *Collector) IncSpawnSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.spawnSuccess++
	c.mu.Unlock()
}

// IncSpawnFailure records a failed service spawn.
func (c *Collector) IncSpawnFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.spawnFailure++
	c.mu.Unlock()
}

// IncReconnect records a channel re-establishment.
func (c *Collector) IncReconnect() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
}

// IncConnectFailure records a failed dial attempt.
func (c *Collector) IncConnectFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.connectFailures++
	c.mu.Unlock()
}

// IncDecodeError records a skippable inbound frame decode error.
func (c *Collector) IncDecodeError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.decodeErrors++
	c.mu.Unlock()
}

// --- Store ---
// Store counters are per-call, not per-record. A single append call
// with N records counts as 1 success.

// IncStoreWriteSuccess records a successful store write operation.
func (c *Collector) IncStoreWriteSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.storeWriteSuccess++
	c.mu.Unlock()
}

// IncStoreWriteFailure records a failed store write operation.
func (c *Collector) IncStoreWriteFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.storeWriteFailure++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[string]int64, len(c.droppedByType))
	for k, v := range c.droppedByType {
		dropped[k] = v
	}

	return Snapshot{
		RunsStarted:  c.runsStarted,
		RunsFinished: c.runsFinished,
		RunsFailed:   c.runsFailed,

		RecordsEnqueued:    c.recordsEnqueued,
		RecordsSent:        c.recordsSent,
		RecordsAcked:       c.recordsAcked,
		RecordsRedelivered: c.recordsRedelivered,
		RecordsDropped:     c.recordsDropped,
		DroppedByType:      dropped,

		SpawnSuccess:    c.spawnSuccess,
		SpawnFailure:    c.spawnFailure,
		Reconnects:      c.reconnects,
		ConnectFailures: c.connectFailures,
		DecodeErrors:    c.decodeErrors,

		StoreWriteSuccess: c.storeWriteSuccess,
		StoreWriteFailure: c.storeWriteFailure,

		SessionID:      c.sessionID,
		Transport:      c.transport,
		StorageBackend: c.storageBackend,
	}
}
