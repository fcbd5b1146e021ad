// Package queue implements the per-run pending queue behind ordered,
// at-least-once record delivery.
//
// A Pending queue holds one run's records in sequence order, split into
// two regions by a send cursor:
//
//	[ sent, awaiting ack | unsent ]
//
// The queue owns the run's sequence numbers: Push stamps each record
// at admission, and an overflow eviction renumbers the never-sent
// suffix so the stream handed to the wire stays contiguous. Acked
// records are trimmed from the front; a reconnect rewinds the cursor
// so every unacked record is redelivered. Records are immutable once
// handed out, so sent batches stay valid while the queue moves.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/traceline-io/traceline/config"
	"github.com/traceline-io/traceline/types"
)

// ErrQueueFull is returned when the queue is full and the overflow
// policy cannot admit the record.
var ErrQueueFull = errors.New("pending queue full")

// ErrQueueClosed is returned for operations on a closed queue.
var ErrQueueClosed = errors.New("pending queue closed")

// droppableTypes defines which record types the drop_oldest policy may
// evict. Lifecycle records (config, telemetry, run_exit) are never
// dropped: losing them changes what the run means, not just how much
// data it carries.
var droppableTypes = map[types.RecordType]bool{
	types.RecordTypeMetric:  true,
	types.RecordTypeSummary: true,
}

// IsDroppable returns true if the record type may be dropped on overflow.
func IsDroppable(rt types.RecordType) bool {
	return droppableTypes[rt]
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	// Enqueued is the number of records admitted.
	Enqueued int64
	// Sent is the number of send handouts, redeliveries included.
	Sent int64
	// Acked is the number of records retired by ack watermarks.
	Acked int64
	// Redelivered is the number of sent records scheduled for
	// redelivery by Rewind.
	Redelivered int64
	// Dropped is the number of records evicted or rejected-silently by
	// the drop_oldest policy.
	Dropped int64
	// DroppedByType maps record types to drop counts.
	DroppedByType map[types.RecordType]int64
	// HighWater is the largest queue depth observed.
	HighWater int
}

// Pending is one run's bounded outbound queue. Safe for concurrent use
// by one producer (the run) and one consumer (the dispatcher sender),
// plus ack trims from the receiver.
type Pending struct {
	runID string

	mu      sync.Mutex
	records []*types.Record
	sentIdx int
	// wireIdx is the high-water send cursor. Unlike sentIdx it is not
	// reset by Rewind: records below it may have reached the service
	// under their stamped sequence and must never be evicted or
	// renumbered.
	wireIdx int
	nextSeq int64
	closed  bool

	maxPending int
	onFull     string

	// changeCh is closed and replaced on every state change; waiters
	// grab the current channel and block until it closes.
	changeCh chan struct{}

	stats Stats
}

// NewPending creates a queue for one run using cfg bounds.
func NewPending(runID string, cfg config.QueueConfig) *Pending {
	return &Pending{
		runID:      runID,
		nextSeq:    1,
		maxPending: cfg.MaxPending,
		onFull:     cfg.OnFull,
		changeCh:   make(chan struct{}),
		stats:      Stats{DroppedByType: make(map[types.RecordType]int64)},
	}
}

// changed wakes every waiter. Caller must hold mu.
func (q *Pending) changed() {
	close(q.changeCh)
	q.changeCh = make(chan struct{})
}

// Push admits rec at the tail of the queue, stamping its sequence
// number. When the queue is full the configured overflow policy
// applies: block waits for room (bounded by ctx), drop_oldest evicts
// the oldest never-sent droppable record or drops a droppable rec
// outright, fail returns ErrQueueFull. A dropped record never consumes
// a sequence number, so the delivered stream stays contiguous.
func (q *Pending) Push(ctx context.Context, rec *types.Record) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return fmt.Errorf("%w: run %s", ErrQueueClosed, q.runID)
		}

		if len(q.records) < q.maxPending {
			q.append(rec)
			q.mu.Unlock()
			return nil
		}

		switch q.onFull {
		case config.OverflowDropOldest:
			if IsDroppable(rec.Type) && !q.evictOldestDroppable() {
				// Nothing evictable; drop the incoming record instead.
				q.recordDrop(rec.Type)
				q.mu.Unlock()
				return nil
			}
			if !IsDroppable(rec.Type) && !q.evictOldestDroppable() {
				q.mu.Unlock()
				return fmt.Errorf("%w: run %s has no droppable records", ErrQueueFull, q.runID)
			}
			q.append(rec)
			q.mu.Unlock()
			return nil

		case config.OverflowFail:
			q.mu.Unlock()
			return fmt.Errorf("%w: run %s at %d records", ErrQueueFull, q.runID, q.maxPending)

		default: // config.OverflowBlock
			ch := q.changeCh
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
			}
		}
	}
}

// append stamps rec with the next sequence number and inserts it at
// the tail. Caller must hold mu.
func (q *Pending) append(rec *types.Record) {
	rec.Seq = q.nextSeq
	q.nextSeq++
	q.records = append(q.records, rec)
	q.stats.Enqueued++
	if len(q.records) > q.stats.HighWater {
		q.stats.HighWater = len(q.records)
	}
	q.changed()
}

// evictOldestDroppable removes the oldest never-sent droppable record
// and renumbers the records behind it so the sequence stays
// contiguous. Records at or below the wire cursor are never touched:
// they may already have reached the service under their stamped
// sequence, and changing them would corrupt the stream. Returns false
// if the never-sent region holds nothing droppable. Caller must hold
// mu.
func (q *Pending) evictOldestDroppable() bool {
	for i := q.wireIdx; i < len(q.records); i++ {
		if IsDroppable(q.records[i].Type) {
			q.recordDrop(q.records[i].Type)
			q.records = append(q.records[:i], q.records[i+1:]...)
			for j := i; j < len(q.records); j++ {
				q.records[j].Seq--
			}
			q.nextSeq--
			return true
		}
	}
	return false
}

// recordDrop updates drop counters. Caller must hold mu.
func (q *Pending) recordDrop(rt types.RecordType) {
	q.stats.Dropped++
	q.stats.DroppedByType[rt]++
}

// TakeUnsent hands out up to max unsent records in sequence order and
// advances the send cursor. The returned slice stays valid after later
// queue operations; records are immutable.
func (q *Pending) TakeUnsent(max int) []*types.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	unsent := len(q.records) - q.sentIdx
	if unsent == 0 || max <= 0 {
		return nil
	}
	n := min(unsent, max)
	batch := q.records[q.sentIdx : q.sentIdx+n]
	q.sentIdx += n
	if q.sentIdx > q.wireIdx {
		q.wireIdx = q.sentIdx
	}
	q.stats.Sent += int64(n)
	q.changed()
	return batch
}

// Ack retires every sent record with sequence <= seq. Acks never touch
// the unsent region: a watermark covering records the client has not
// sent is a protocol violation and is clamped. Returns the number of
// records retired.
func (q *Pending) Ack(seq int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := 0
	for idx < q.sentIdx && q.records[idx].Seq <= seq {
		idx++
	}
	if idx == 0 {
		return 0
	}
	q.records = q.records[idx:]
	q.sentIdx -= idx
	q.wireIdx -= idx
	q.stats.Acked += int64(idx)
	q.changed()
	return idx
}

// Rewind resets the send cursor so every unacked record becomes unsent
// again. Called when the channel is re-established; redelivery from the
// oldest unacked record preserves per-run order. Returns the number of
// records scheduled for redelivery.
func (q *Pending) Rewind() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.sentIdx
	if n == 0 {
		return 0
	}
	q.sentIdx = 0
	q.stats.Redelivered += int64(n)
	q.changed()
	return n
}

// Close rejects further pushes and wakes all waiters. Held records
// remain readable via PendingSnapshot for failure inspection.
func (q *Pending) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.changed()
}

// Closed reports whether the queue has been closed.
func (q *Pending) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of held records (sent-unacked plus unsent).
func (q *Pending) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// UnsentLen returns the number of records not yet handed to the sender.
func (q *Pending) UnsentLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records) - q.sentIdx
}

// HasUnsent reports whether the sender has work for this run.
func (q *Pending) HasUnsent() bool {
	return q.UnsentLen() > 0
}

// PendingSnapshot returns a copy of the held records, oldest first.
// Used to surface undelivered data when a run fails.
func (q *Pending) PendingSnapshot() []*types.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Record, len(q.records))
	copy(out, q.records)
	return out
}

// Stats returns an atomic snapshot of queue counters.
func (q *Pending) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.DroppedByType = make(map[types.RecordType]int64, len(q.stats.DroppedByType))
	for k, v := range q.stats.DroppedByType {
		s.DroppedByType[k] = v
	}
	return s
}

// WaitSendDrained blocks until the unsent region is empty, the queue is
// closed, or ctx expires. Finish uses this: a drained send region means
// every record including run_exit reached the channel.
func (q *Pending) WaitSendDrained(ctx context.Context) error {
	for {
		q.mu.Lock()
		drained := q.sentIdx == len(q.records)
		closed := q.closed
		ch := q.changeCh
		q.mu.Unlock()

		if drained {
			return nil
		}
		if closed {
			return ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// WaitAckDrained blocks until every held record is acked, the queue is
// closed, or ctx expires.
func (q *Pending) WaitAckDrained(ctx context.Context) error {
	for {
		q.mu.Lock()
		drained := len(q.records) == 0
		closed := q.closed
		ch := q.changeCh
		q.mu.Unlock()

		if drained {
			return nil
		}
		if closed {
			return ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
