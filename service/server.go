// Package service implements the tracelined record service: the
// out-of-process peer the client session streams run records to. It
// accepts framed connections, validates per-run sequence watermarks,
// persists records to the configured store, and acknowledges delivery
// back to the client.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/traceline-io/traceline/adapter"
	"github.com/traceline-io/traceline/ipc"
	"github.com/traceline-io/traceline/log"
	"github.com/traceline-io/traceline/metrics"
	"github.com/traceline-io/traceline/store"
	"github.com/traceline-io/traceline/types"
)

// IngestErrorKind classifies per-connection ingest failures.
type IngestErrorKind int

const (
	// IngestErrorGap indicates a sequence gap: the client skipped ahead
	// of the run's watermark. The stream cannot be trusted afterwards.
	IngestErrorGap IngestErrorKind = iota
	// IngestErrorSchema indicates a record with an incompatible schema
	// version.
	IngestErrorSchema
	// IngestErrorStore indicates the record store rejected a write.
	IngestErrorStore
)

// IngestError is a fatal per-connection ingest failure. The handler
// drops the connection; the client redelivers on reconnect.
type IngestError struct {
	Kind IngestErrorKind
	Err  error
}

func (e *IngestError) Error() string {
	return e.Err.Error()
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// IsIngestError returns true if err is an IngestError of the given kind.
func IsIngestError(err error, kind IngestErrorKind) bool {
	var ingErr *IngestError
	if errors.As(err, &ingErr) {
		return ingErr.Kind == kind
	}
	return false
}

// Options configure a Server. Store is required; everything else has a
// usable zero value.
type Options struct {
	// Listen is the host:port to bind. Port 0 picks an ephemeral port.
	Listen string
	// Portfile, when set, receives the bound address after listen
	// succeeds. Spawning clients poll it to discover the port.
	Portfile string
	// ParentPID, when nonzero, is polled; the server stops when the
	// process dies so an orphaned service never outlives its client.
	ParentPID int
	// AckInterval coalesces acks: at most one ack per run per interval,
	// plus an immediate ack when a run's terminal record lands.
	AckInterval time.Duration
	// StoragePath is advertised in run finished events.
	StoragePath string

	Store     store.Store
	Adapters  []adapter.Adapter
	Logger    *log.Logger
	Collector *metrics.Collector
}

// runState tracks one run's ingest progress. Watermark is the highest
// contiguous sequence persisted; anything at or below it is a
// duplicate from an at-least-once sender and is re-acked without being
// persisted again.
type runState struct {
	watermark int64
	records   int64
	openedAt  time.Time
	done      bool
}

// Server accepts client connections and ingests run record streams.
type Server struct {
	opts   Options
	logger *log.Logger

	ln net.Listener

	mu   sync.Mutex
	runs map[string]*runState

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	runErr   error
}

// New creates a Server from opts. Returns an error when no store is
// configured.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("service: store is required")
	}
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:0"
	}
	if opts.AckInterval <= 0 {
		opts.AckInterval = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Server{
		opts:   opts,
		logger: logger,
		runs:   make(map[string]*runState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start binds the listener, publishes the portfile, and begins
// accepting connections. It returns once the server is reachable.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("service: listen %s: %w", s.opts.Listen, err)
	}
	s.ln = ln

	// The portfile is written only after the bind succeeds so a polling
	// client never reads a stale or unreachable address.
	if s.opts.Portfile != "" {
		addr := ln.Addr().String()
		if err := os.WriteFile(s.opts.Portfile, []byte(addr+"\n"), 0o644); err != nil {
			_ = ln.Close()
			return fmt.Errorf("service: write portfile: %w", err)
		}
	}

	s.logger.Info("service listening", map[string]any{
		"addr": ln.Addr().String(),
	})

	go s.acceptLoop()
	if s.opts.ParentPID > 0 {
		go s.watchParent(s.opts.ParentPID)
	}
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Run starts the server and blocks until a shutdown request, parent
// death, or context cancellation stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		s.Stop()
		<-s.doneCh
	case <-s.doneCh:
	}
	return s.runErr
}

// Wait blocks until the server has fully stopped.
func (s *Server) Wait() error {
	<-s.doneCh
	return s.runErr
}

// Stop requests a graceful stop: the listener closes, in-flight
// connection handlers drain, and the store is flushed. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.ln.Close()
		go func() {
			s.wg.Wait()
			if err := s.opts.Store.Flush(context.Background()); err != nil {
				s.logger.Error("final store flush failed", map[string]any{
					"error": err.Error(),
				})
				s.runErr = err
			}
			if s.opts.Portfile != "" {
				_ = os.Remove(s.opts.Portfile)
			}
			close(s.doneCh)
		}()
	})
}

func (s *Server) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.stopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", map[string]any{
				"error": err.Error(),
			})
			s.runErr = err
			s.Stop()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ipc.NewConn(nc, 0))
		}()
	}
}

// watchParent polls the client process and stops the server when it
// dies. Signal 0 probes existence without delivering anything.
func (s *Server) watchParent(pid int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := syscall.Kill(pid, 0); err != nil && errors.Is(err, syscall.ESRCH) {
				s.logger.Info("parent process gone, stopping", map[string]any{
					"parent_pid": pid,
				})
				s.Stop()
				return
			}
		}
	}
}

// handleConn runs one connection's ingest loop: decode, validate,
// persist, ack. A fatal ingest error drops the connection; the client
// rewinds its queue and redelivers on the next one.
func (s *Server) handleConn(conn *ipc.Conn) {
	logger := s.logger
	logger.Debug("client connected", map[string]any{
		"remote": conn.RemoteAddr(),
	})

	ak := newAcker(conn, s.opts.AckInterval, logger)
	defer func() { _ = conn.Close() }()
	defer ak.stop()

	for {
		v, err := conn.Read()
		if err != nil {
			var frameErr *ipc.FrameError
			if errors.As(err, &frameErr) && !frameErr.IsFatal() {
				// Stream boundary is intact; skip the frame.
				s.opts.Collector.IncDecodeError()
				logger.Warn("dropping undecodable frame", map[string]any{
					"error": err.Error(),
				})
				continue
			}
			if !s.stopped() && !ipc.IsConnClosed(err) {
				logger.Warn("connection read failed", map[string]any{
					"error": err.Error(),
				})
			}
			return
		}

		switch m := v.(type) {
		case *types.Hello:
			logger.Info("client hello", map[string]any{
				"session_id":     m.SessionID,
				"client_version": m.ClientVersion,
				"client_pid":     m.Pid,
			})
		case *types.Record:
			if err := s.ingestRecord(m, ak); err != nil {
				logger.Error("ingest failed, dropping connection", map[string]any{
					"run_id": m.RunID,
					"seq":    m.Seq,
					"error":  err.Error(),
				})
				return
			}
		case *types.Shutdown:
			logger.Info("shutdown requested", map[string]any{
				"session_id": m.SessionID,
			})
			ak.flush()
			s.Stop()
			return
		default:
			logger.Warn("unexpected frame type", map[string]any{
				"type": fmt.Sprintf("%T", v),
			})
		}
	}
}

// ingestRecord validates one record against its run's watermark and
// persists it. Duplicates are re-acked without a second persist; a gap
// is a protocol violation and fails the connection.
func (s *Server) ingestRecord(rec *types.Record, ak *acker) error {
	if rec.Schema != types.SchemaVersion {
		return &IngestError{
			Kind: IngestErrorSchema,
			Err:  fmt.Errorf("schema version mismatch: expected %s, got %s", types.SchemaVersion, rec.Schema),
		}
	}
	// Unknown record types pass through unharmed: a newer client may emit
	// kinds this build has never heard of, and they persist fine.

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, known := s.runs[rec.RunID]
	if !known {
		rs = &runState{openedAt: time.Now()}
		s.runs[rec.RunID] = rs
		s.logger.Info("run opened", map[string]any{
			"run_id": rec.RunID,
		})
	}

	if rec.Seq <= rs.watermark {
		// Redelivery from an at-least-once sender. Already persisted;
		// only the ack was lost.
		ak.schedule(rec.RunID, rs.watermark)
		return nil
	}
	if rec.Seq != rs.watermark+1 {
		return &IngestError{
			Kind: IngestErrorGap,
			Err:  fmt.Errorf("sequence gap: expected %d, got %d", rs.watermark+1, rec.Seq),
		}
	}

	if err := s.opts.Store.Append(context.Background(), []*types.Record{rec}); err != nil {
		return &IngestError{
			Kind: IngestErrorStore,
			Err:  fmt.Errorf("persist record: %w", err),
		}
	}
	rs.watermark = rec.Seq
	rs.records++
	ak.schedule(rec.RunID, rs.watermark)

	if rec.Type.Terminal() && !rs.done {
		rs.done = true
		s.finishRun(rec, rs)
		// The client blocks on this ack to complete Finish; do not let
		// it wait out the coalescing window.
		ak.flush()
	}
	return nil
}

// finishRun flushes the store and notifies adapters that the run is
// complete. Adapter failures are logged, not fatal; the records are
// already durable.
func (s *Server) finishRun(rec *types.Record, rs *runState) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.opts.Store.Flush(ctx); err != nil {
		s.logger.Error("store flush on run exit failed", map[string]any{
			"run_id": rec.RunID,
			"error":  err.Error(),
		})
	}

	exitCode, _ := types.ExitCode(rec.Payload)
	reason, _ := types.StringField(rec.Payload, "reason")
	event := &adapter.RunFinishedEvent{
		SchemaVersion: types.SchemaVersion,
		EventType:     "run_finished",
		RunID:         rec.RunID,
		Day:           store.DeriveDay(rec.Ts),
		ExitCode:      exitCode,
		Reason:        reason,
		StoragePath:   s.opts.StoragePath,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		RecordCount:   rs.records,
		DurationMs:    time.Since(rs.openedAt).Milliseconds(),
	}

	for _, a := range s.opts.Adapters {
		if err := a.Publish(ctx, event); err != nil {
			s.logger.Error("adapter publish failed", map[string]any{
				"run_id": rec.RunID,
				"error":  err.Error(),
			})
		}
	}

	s.logger.Info("run finished", map[string]any{
		"run_id":    rec.RunID,
		"records":   rs.records,
		"exit_code": exitCode,
	})
}

// acker coalesces ack watermarks per run and writes them on a timer.
// One acker serves one connection; schedule may be called from the
// ingest loop while the timer goroutine flushes concurrently.
type acker struct {
	conn   *ipc.Conn
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newAcker(conn *ipc.Conn, interval time.Duration, logger *log.Logger) *acker {
	a := &acker{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]int64),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go a.loop(interval)
	return a
}

func (a *acker) loop(interval time.Duration) {
	defer close(a.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.flush()
		}
	}
}

// schedule records a watermark to acknowledge. Later watermarks for
// the same run replace earlier ones; acks are cumulative.
func (a *acker) schedule(runID string, seq int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq > a.pending[runID] {
		a.pending[runID] = seq
	}
}

// flush writes every pending watermark. Write failures are dropped;
// the client treats a missing ack as undelivered and redelivers.
func (a *acker) flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = make(map[string]int64)
	a.mu.Unlock()

	for runID, seq := range batch {
		if err := a.conn.Write(types.NewAck(runID, seq)); err != nil {
			a.logger.Debug("ack write failed", map[string]any{
				"run_id": runID,
				"seq":    seq,
				"error":  err.Error(),
			})
			return
		}
	}
}

func (a *acker) stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		<-a.doneCh
		a.flush()
	})
}
