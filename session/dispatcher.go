package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/traceline-io/traceline/config"
	"github.com/traceline-io/traceline/ipc"
	"github.com/traceline-io/traceline/launcher"
	"github.com/traceline-io/traceline/log"
	"github.com/traceline-io/traceline/metrics"
	"github.com/traceline-io/traceline/queue"
	"github.com/traceline-io/traceline/types"
)

// dispatcher multiplexes every run's records over one channel. A single
// sender goroutine drains run queues round-robin, one frame per run per
// round, so no run can starve another; a single receiver goroutine
// routes ack watermarks back to the owning queue. The dispatcher alone
// touches the connection, so runs and caller goroutines never need
// transport locking.
//
// Connection failures are absorbed here: the dispatcher redials with
// exponential backoff, replays the hello, rewinds every queue to its
// first unacked record, and resumes. Once the retry budget is spent the
// transport is declared permanently failed and every live run is driven
// to failed exactly once.
type dispatcher struct {
	settings  config.Settings
	logger    *log.Logger
	collector *metrics.Collector
	endpoint  *launcher.Endpoint
	hello     *types.Hello

	mu      sync.Mutex
	conn    *ipc.Conn
	entries []*runEntry
	byRun   map[string]*runEntry
	failErr error

	wake    chan struct{}
	connErr chan connFailure
	stop    chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	recvWG   sync.WaitGroup
}

type runEntry struct {
	run   *Run
	queue *queue.Pending
}

// connFailure ties a transport error to the connection it came from,
// so a stale receiver error cannot trigger a second reconnect after
// the channel has already been replaced.
type connFailure struct {
	conn *ipc.Conn
	err  error
}

func newDispatcher(settings config.Settings, endpoint *launcher.Endpoint, conn *ipc.Conn, hello *types.Hello, logger *log.Logger, collector *metrics.Collector) *dispatcher {
	return &dispatcher{
		settings:  settings,
		logger:    logger,
		collector: collector,
		endpoint:  endpoint,
		hello:     hello,
		conn:      conn,
		byRun:     make(map[string]*runEntry),
		wake:      make(chan struct{}, 1),
		connErr:   make(chan connFailure, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// start launches the sender and receiver loops.
func (d *dispatcher) start() {
	d.startReceiver(d.conn)
	go d.senderLoop()
}

// register adds a run to the round-robin rotation.
func (d *dispatcher) register(r *Run) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return d.failErr
	}
	e := &runEntry{run: r, queue: r.queue}
	d.entries = append(d.entries, e)
	d.byRun[r.id] = e
	return nil
}

// kick nudges the sender; coalesced, so a burst of enqueues costs one
// wakeup.
func (d *dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// failed returns the permanent transport failure, or nil.
func (d *dispatcher) failed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failErr
}

// sendControl writes one control frame on the current channel. Frame
// writes are atomic, so this is safe alongside the sender loop.
func (d *dispatcher) sendControl(v any) error {
	d.mu.Lock()
	conn := d.conn
	err := d.failErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if conn == nil {
		return &ipc.ConnError{Kind: ipc.ConnErrorClosed, Op: "control"}
	}
	return conn.Write(v)
}

// waitAckDrained blocks until every registered queue is fully acked,
// ctx expires, or the transport fails. Queues closed by a failure are
// treated as abandoned, not as drain errors.
func (d *dispatcher) waitAckDrained(ctx context.Context) error {
	d.mu.Lock()
	entries := make([]*runEntry, len(d.entries))
	copy(entries, d.entries)
	d.mu.Unlock()

	for _, e := range entries {
		if err := e.queue.WaitAckDrained(ctx); err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				continue
			}
			return err
		}
	}
	return nil
}

// close stops both loops and tears down the channel. Safe to call more
// than once.
func (d *dispatcher) close() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-d.done
	d.recvWG.Wait()
}

// senderLoop drains queues until stopped or the transport permanently
// fails.
func (d *dispatcher) senderLoop() {
	defer close(d.done)
	for {
		sent, err := d.sendRound()
		if err != nil {
			if recErr := d.reconnect(err); recErr != nil {
				d.failAll(recErr)
				return
			}
			continue
		}

		if sent {
			// Stay hot, but notice a dead receiver between rounds.
			select {
			case failure := <-d.connErr:
				if d.isCurrent(failure.conn) {
					if recErr := d.reconnect(failure.err); recErr != nil {
						d.failAll(recErr)
						return
					}
				}
			case <-d.stop:
				return
			default:
			}
			continue
		}

		select {
		case <-d.wake:
		case failure := <-d.connErr:
			if d.isCurrent(failure.conn) {
				if recErr := d.reconnect(failure.err); recErr != nil {
					d.failAll(recErr)
					return
				}
			}
		case <-d.stop:
			return
		}
	}
}

// sendRound hands out at most one frame per registered run, in
// registration order. Returns whether anything was sent; a transport
// error aborts the round.
func (d *dispatcher) sendRound() (bool, error) {
	d.mu.Lock()
	conn := d.conn
	entries := make([]*runEntry, len(d.entries))
	copy(entries, d.entries)
	d.mu.Unlock()

	sent := false
	for _, e := range entries {
		batch := e.queue.TakeUnsent(1)
		if len(batch) == 0 {
			d.maybeRetire(e)
			continue
		}
		rec := batch[0]
		if err := conn.Write(rec); err != nil {
			var frameErr *ipc.FrameError
			if errors.As(err, &frameErr) && !frameErr.IsFatal() {
				// The record itself cannot be encoded; no retry can fix
				// it, and skipping its sequence number would corrupt the
				// run's stream. Fail the run, keep the channel.
				d.collector.IncDecodeError()
				e.run.fail(err)
				continue
			}
			return sent, err
		}
		d.collector.IncRecordSent()
		sent = true
	}
	return sent, nil
}

// maybeRetire drops a terminal run's entry from the rotation once its
// queue holds nothing, so long sessions do not accumulate dead runs.
func (d *dispatcher) maybeRetire(e *runEntry) {
	if !e.run.State().Terminal() {
		return
	}
	if e.queue.Len() != 0 && !e.queue.Closed() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byRun[e.run.id]; !ok {
		return
	}
	delete(d.byRun, e.run.id)
	for i, cur := range d.entries {
		if cur == e {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
}

// isCurrent reports whether conn is still the active channel.
func (d *dispatcher) isCurrent(conn *ipc.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return conn == d.conn
}

// reconnect re-establishes the channel after cause, with exponential
// backoff up to the configured attempt budget. On success every queue
// is rewound to its first unacked record, preserving per-run order
// under at-least-once delivery.
func (d *dispatcher) reconnect(cause error) error {
	d.mu.Lock()
	old := d.conn
	d.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	d.recvWG.Wait()

	policy := d.settings.Reconnect
	d.logger.Warn("channel lost, reconnecting", map[string]any{
		"error":        cause.Error(),
		"max_attempts": policy.MaxAttempts,
	})

	lastErr := cause
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		backoff := backoffDelay(policy, attempt)
		select {
		case <-d.stop:
			return &TransportError{Attempts: attempt - 1, Err: lastErr}
		case <-time.After(backoff):
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), d.settings.DialTimeout.Duration)
		conn, err := ipc.Dial(dialCtx, d.endpoint.Addr, d.settings.WriteTimeout.Duration)
		cancel()
		if err != nil {
			d.collector.IncConnectFailure()
			lastErr = err
			d.logger.Warn("reconnect attempt failed", map[string]any{
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}
		if err := conn.Write(d.hello); err != nil {
			_ = conn.Close()
			d.collector.IncConnectFailure()
			lastErr = err
			continue
		}

		redelivered := 0
		d.mu.Lock()
		d.conn = conn
		for _, e := range d.entries {
			n := e.queue.Rewind()
			redelivered += n
		}
		d.mu.Unlock()
		for range redelivered {
			d.collector.IncRecordRedelivered()
		}

		d.startReceiver(conn)
		d.collector.IncReconnect()
		d.logger.Info("channel re-established", map[string]any{
			"attempt":     attempt,
			"redelivered": redelivered,
		})
		return nil
	}
	return &TransportError{Attempts: policy.MaxAttempts, Err: lastErr}
}

// backoffDelay returns the wait before the given reconnect attempt:
// the base doubled per prior attempt, capped. Doubling stops at the
// cap so a large attempt budget cannot overflow the duration.
func backoffDelay(policy config.ReconnectConfig, attempt int) time.Duration {
	backoff := policy.BackoffBase.Duration
	for i := 1; i < attempt; i++ {
		if backoff >= policy.BackoffCap.Duration {
			break
		}
		backoff *= 2
	}
	if backoff > policy.BackoffCap.Duration {
		backoff = policy.BackoffCap.Duration
	}
	return backoff
}

// failAll drives every live run to failed exactly once and freezes the
// registry. Queued records stay inspectable through Run.Pending.
func (d *dispatcher) failAll(cause error) {
	d.mu.Lock()
	if d.failErr == nil {
		d.failErr = cause
	}
	entries := make([]*runEntry, len(d.entries))
	copy(entries, d.entries)
	d.mu.Unlock()

	d.logger.Error("transport permanently failed", map[string]any{
		"error": cause.Error(),
		"runs":  len(entries),
	})
	for _, e := range entries {
		e.run.fail(cause)
	}
}

// startReceiver launches the inbound loop for conn.
func (d *dispatcher) startReceiver(conn *ipc.Conn) {
	d.recvWG.Add(1)
	go d.receiverLoop(conn)
}

// receiverLoop reads frames until the channel dies, routing acks to the
// owning queue. Skippable decode errors are counted and ignored; the
// stream stays aligned.
func (d *dispatcher) receiverLoop(conn *ipc.Conn) {
	defer d.recvWG.Done()
	for {
		v, err := conn.Read()
		if err != nil {
			var frameErr *ipc.FrameError
			if errors.As(err, &frameErr) && !frameErr.IsFatal() {
				d.collector.IncDecodeError()
				d.logger.Warn("skipping undecodable inbound frame", map[string]any{
					"error": err.Error(),
				})
				continue
			}
			select {
			case d.connErr <- connFailure{conn: conn, err: err}:
			case <-d.stop:
			}
			return
		}

		switch f := v.(type) {
		case *types.Ack:
			d.handleAck(f)
		case *types.Shutdown:
			// The service is going away; the next read error drives
			// the usual reconnect-or-fail path.
			d.logger.Info("service announced shutdown", nil)
		default:
			d.logger.Warn("unexpected inbound frame", map[string]any{
				"frame": typeName(v),
			})
		}
	}
}

// handleAck advances the acked watermark of the run the ack names.
func (d *dispatcher) handleAck(ack *types.Ack) {
	d.mu.Lock()
	e, ok := d.byRun[ack.RunID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("ack for unknown run", map[string]any{
			"run_id": ack.RunID,
			"seq":    ack.Seq,
		})
		return
	}
	if n := e.queue.Ack(ack.Seq); n > 0 {
		d.collector.AddRecordsAcked(int64(n))
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *types.Record:
		return "record"
	case *types.Hello:
		return "hello"
	case *types.Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
