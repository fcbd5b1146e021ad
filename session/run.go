package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/traceline-io/traceline/config"
	"github.com/traceline-io/traceline/log"
	"github.com/traceline-io/traceline/metrics"
	"github.com/traceline-io/traceline/queue"
	"github.com/traceline-io/traceline/types"
)

// Run is one experiment context multiplexed over the session's channel.
// Its queue stamps sequence numbers at admission, and the run walks the
// lifecycle created -> starting -> active -> finishing -> finished,
// with failed reachable from every non-terminal state.
//
// A Run is safe for concurrent use: callers may log from multiple
// goroutines and are serialized at the queue boundary.
type Run struct {
	id         string
	settings   config.Settings
	logger     *log.Logger
	collector  *metrics.Collector
	dispatcher *dispatcher
	queue      *queue.Pending
	session    *Session

	stateMu    sync.Mutex
	state      types.RunState
	failErr    error
	finishing  bool
	finishDone chan struct{}
	finishErr  error
}

// ID returns the process-unique run identifier.
func (r *Run) ID() string {
	return r.id
}

// State returns the run's current lifecycle state.
func (r *Run) State() types.RunState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// Err returns the failure that drove the run to failed, or nil.
func (r *Run) Err() error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.failErr
}

// Pending returns a copy of the run's records not yet acknowledged by
// the service, oldest first. After a transport failure this is the
// caller's view of what never made it out.
func (r *Run) Pending() []*types.Record {
	return r.queue.PendingSnapshot()
}

// Log enqueues one metric record. The run must be active. Under the
// block overflow policy a full queue delays the call up to the
// configured block timeout, then fails with queue.ErrQueueFull.
func (r *Run) Log(ctx context.Context, values map[string]any) error {
	return r.enqueueData(ctx, "log", types.RecordTypeMetric, values)
}

// LogSummary enqueues one summary record. The run must be active.
func (r *Run) LogSummary(ctx context.Context, update map[string]any) error {
	return r.enqueueData(ctx, "log_summary", types.RecordTypeSummary, update)
}

// UpdateConfig enqueues a partial config record. Allowed while the run
// is starting or active.
func (r *Run) UpdateConfig(ctx context.Context, delta map[string]any) error {
	if err := r.checkState("update_config", types.RunStateStarting, types.RunStateActive); err != nil {
		return err
	}
	return r.enqueue(ctx, types.RecordTypeConfig, delta)
}

// enqueueData admits a data record for an active run.
func (r *Run) enqueueData(ctx context.Context, op string, rt types.RecordType, payload map[string]any) error {
	if err := r.checkState(op, types.RunStateActive); err != nil {
		return err
	}
	return r.enqueue(ctx, rt, payload)
}

// checkState rejects the operation unless the run is in one of the
// allowed states. A failed run surfaces its failure cause instead of a
// bare state error, so callers see what actually went wrong.
func (r *Run) checkState(op string, allowed ...types.RunState) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if r.state == types.RunStateFailed && r.failErr != nil {
		return fmt.Errorf("run %s: %s rejected: %w", r.id, op, r.failErr)
	}
	for _, s := range allowed {
		if r.state == s {
			return nil
		}
	}
	return invalidStateError(op, r.state)
}

// enqueue admits the record; the queue stamps its sequence number.
// Under the block policy the wait is bounded by the queue block
// timeout; expiry is reported as queue.ErrQueueFull, a warning rather
// than a run failure.
func (r *Run) enqueue(ctx context.Context, rt types.RecordType, payload map[string]any) error {
	pushCtx := ctx
	var cancel context.CancelFunc
	if r.settings.Queue.OnFull == config.OverflowBlock {
		pushCtx, cancel = context.WithTimeout(ctx, r.settings.Queue.BlockTimeout.Duration)
		defer cancel()
	}

	rec := types.NewRecord(r.id, 0, rt, payload)
	if err := r.queue.Push(pushCtx, rec); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			r.collector.IncRecordDropped(string(rt))
			r.logger.Warn("record rejected: queue full past block timeout", map[string]any{
				"type":    string(rt),
				"timeout": r.settings.Queue.BlockTimeout.Duration.String(),
			})
			return fmt.Errorf("%w: run %s blocked past %s", queue.ErrQueueFull, r.id, r.settings.Queue.BlockTimeout.Duration)
		}
		return err
	}
	r.collector.IncRecordEnqueued()
	r.dispatcher.kick()
	return nil
}

// start walks created -> starting -> active, enqueueing the run's
// announcement records: the initial config snapshot (sent even when
// empty) followed by one telemetry record.
func (r *Run) start(ctx context.Context, overrides map[string]any) error {
	if err := r.transition(types.RunStateStarting); err != nil {
		return err
	}
	if overrides == nil {
		overrides = map[string]any{}
	}
	if err := r.enqueue(ctx, types.RecordTypeConfig, overrides); err != nil {
		return err
	}
	if err := r.enqueue(ctx, types.RecordTypeTelemetry, types.TelemetryPayload(time.Now())); err != nil {
		return err
	}
	if err := r.transition(types.RunStateActive); err != nil {
		return err
	}
	r.collector.IncRunStarted()
	r.logger.Info("run active", map[string]any{"run_id": r.id})
	return nil
}

// Finish ends the run: it enqueues exactly one run_exit record, waits
// for the queue to hand every record to the sender, then transitions to
// finished. Idempotent; concurrent and repeated calls converge on the
// same terminal result. The wait is bounded by ctx and the finish
// timeout; past either, the run is forced to failed locally.
func (r *Run) Finish(ctx context.Context, exitCode int) error {
	r.stateMu.Lock()
	switch {
	case r.state == types.RunStateFinished:
		r.stateMu.Unlock()
		return nil
	case r.state == types.RunStateFailed:
		err := r.failErr
		r.stateMu.Unlock()
		return err
	case r.finishing:
		done := r.finishDone
		r.stateMu.Unlock()
		select {
		case <-done:
			return r.finishResult()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.finishing = true
	r.finishDone = make(chan struct{})
	r.state = types.RunStateFinishing
	r.stateMu.Unlock()

	err := r.doFinish(ctx, exitCode)

	r.stateMu.Lock()
	r.finishErr = err
	close(r.finishDone)
	r.stateMu.Unlock()
	return err
}

func (r *Run) finishResult() error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.finishErr
}

func (r *Run) doFinish(ctx context.Context, exitCode int) error {
	ctx, cancel := context.WithTimeout(ctx, r.settings.FinishTimeout.Duration)
	defer cancel()

	if err := r.enqueue(ctx, types.RecordTypeRunExit, types.ExitPayload(exitCode, "")); err != nil {
		failErr := fmt.Errorf("run %s: enqueue exit record: %w", r.id, err)
		r.fail(failErr)
		return failErr
	}

	if err := r.queue.WaitSendDrained(ctx); err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			// The dispatcher failed the run while we were draining;
			// report the transport cause.
			if cause := r.Err(); cause != nil {
				return cause
			}
		}
		failErr := fmt.Errorf("run %s: finish drain: %w", r.id, err)
		r.fail(failErr)
		return failErr
	}

	r.stateMu.Lock()
	if r.state != types.RunStateFinishing {
		// Failed concurrently after the drain completed.
		err := r.failErr
		r.stateMu.Unlock()
		return err
	}
	r.state = types.RunStateFinished
	r.stateMu.Unlock()

	r.collector.IncRunFinished()
	r.logger.Info("run finished", map[string]any{
		"run_id":    r.id,
		"exit_code": exitCode,
	})
	r.session.evict(r.id)
	return nil
}

// transition applies a lifecycle step, enforcing the transition table.
func (r *Run) transition(to types.RunState) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if !r.state.CanTransition(to) {
		if r.state == types.RunStateFailed && r.failErr != nil {
			return r.failErr
		}
		return fmt.Errorf("%w: cannot move %s -> %s", ErrInvalidState, r.state, to)
	}
	r.state = to
	return nil
}

// fail forces the run to the failed terminal state exactly once. The
// queue stops admitting records but keeps what it holds for Pending
// inspection.
func (r *Run) fail(cause error) {
	r.stateMu.Lock()
	if r.state.Terminal() {
		r.stateMu.Unlock()
		return
	}
	r.state = types.RunStateFailed
	r.failErr = cause
	r.stateMu.Unlock()

	r.queue.Close()
	r.collector.IncRunFailed()
	r.logger.Error("run failed", map[string]any{
		"run_id": r.id,
		"error":  cause.Error(),
	})
	r.session.evict(r.id)
}
