// Package session implements the client side of the traceline
// protocol: a process-scoped Session owning the service endpoint, the
// framed channel, and the dispatcher that multiplexes runs over it.
//
// A Session is an explicit object with defined init and teardown, not a
// hidden singleton; construct one per process and pass it where needed.
// Transport setup is lazy: the service is located or spawned on the
// first InitRun and shared by every later run.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/traceline-io/traceline/config"
	"github.com/traceline-io/traceline/ipc"
	"github.com/traceline-io/traceline/launcher"
	"github.com/traceline-io/traceline/log"
	"github.com/traceline-io/traceline/metrics"
	"github.com/traceline-io/traceline/queue"
	"github.com/traceline-io/traceline/types"
)

// serviceShutdownGrace bounds how long a spawned service gets between
// SIGTERM and SIGKILL during teardown.
const serviceShutdownGrace = 5 * time.Second

// Session owns one client process's connection to the tracking
// service and the registry of live runs multiplexed over it.
type Session struct {
	id        string
	settings  config.Settings
	logger    *log.Logger
	collector *metrics.Collector

	mu         sync.Mutex
	runs       map[string]*Run
	endpoint   *launcher.Endpoint
	dispatcher *dispatcher
	closed     bool
}

// Option customizes session construction.
type Option func(*Session)

// WithLogger overrides the session's logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithCollector overrides the session's metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(s *Session) { s.collector = c }
}

// New builds a session from settings. Settings are normalized and
// validated; the transport is not touched until the first InitRun.
func New(settings config.Settings, opts ...Option) (*Session, error) {
	settings.Normalize()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("session settings: %w", err)
	}

	s := &Session{
		id:       uuid.NewString(),
		settings: settings,
		runs:     make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.collector == nil {
		s.collector = metrics.NewCollector(s.id, "tcp", "")
	}
	if s.logger == nil {
		logger, err := defaultLogger(settings)
		if err != nil {
			return nil, err
		}
		s.logger = logger
	}
	s.logger = s.logger.WithSession(s.id)
	return s, nil
}

// defaultLogger writes a rotated debug log under the data dir when one
// is configured, and stays silent otherwise.
func defaultLogger(settings config.Settings) (*log.Logger, error) {
	cfg := settings.Log
	if cfg.Dir == "" {
		if settings.DataDir == "" {
			return log.Nop(), nil
		}
		cfg.Dir = filepath.Join(settings.DataDir, "logs")
	}
	return log.New(cfg, "traceline-client.log")
}

// ID returns the session identifier carried on every hello frame.
func (s *Session) ID() string {
	return s.id
}

// Metrics returns a point-in-time snapshot of the session's counters.
func (s *Session) Metrics() metrics.Snapshot {
	return s.collector.Snapshot()
}

// InitRun creates a new run over the shared channel: it lazily brings
// up the launcher, connection, and dispatcher, allocates a run id,
// registers the run's queue, enqueues the announcement records, and
// returns an active handle.
func (s *Session) InitRun(ctx context.Context, overrides map[string]any) (*Run, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if err := s.ensureTransportLocked(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	d := s.dispatcher
	s.mu.Unlock()

	if err := d.failed(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	r := &Run{
		id:         runID,
		settings:   s.settings,
		logger:     s.logger.WithRun(runID),
		collector:  s.collector,
		dispatcher: d,
		queue:      queue.NewPending(runID, s.settings.Queue),
		session:    s,
		state:      types.RunStateCreated,
	}
	if err := d.register(r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.runs[runID] = r
	s.mu.Unlock()

	if err := r.start(ctx, overrides); err != nil {
		r.fail(fmt.Errorf("run %s: start: %w", runID, err))
		return nil, err
	}
	return r, nil
}

// ensureTransportLocked brings up endpoint, connection, and dispatcher
// on first use. Caller holds s.mu.
func (s *Session) ensureTransportLocked(ctx context.Context) error {
	if s.dispatcher != nil {
		return nil
	}

	endpoint, err := launcher.EnsureEndpoint(ctx, s.settings, s.logger, s.collector)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.settings.DialTimeout.Duration)
	conn, err := ipc.Dial(dialCtx, endpoint.Addr, s.settings.WriteTimeout.Duration)
	cancel()
	if err != nil {
		_ = endpoint.Shutdown(serviceShutdownGrace)
		return fmt.Errorf("dial service at %s: %w", endpoint.Addr, err)
	}

	hello := types.NewHello(s.id, os.Getpid())
	if err := conn.Write(hello); err != nil {
		_ = conn.Close()
		_ = endpoint.Shutdown(serviceShutdownGrace)
		return fmt.Errorf("channel greeting: %w", err)
	}

	s.endpoint = endpoint
	s.dispatcher = newDispatcher(s.settings, endpoint, conn, hello, s.logger, s.collector)
	s.dispatcher.start()
	s.logger.Info("transport established", map[string]any{
		"addr":    endpoint.Addr,
		"spawned": endpoint.Spawned,
	})
	return nil
}

// evict removes a terminal run from the live registry.
func (s *Session) evict(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

// Shutdown finishes every still-live run, waits (bounded by ctx) for
// acknowledgement drain, asks a spawned service to exit gracefully,
// and tears the channel down. Idempotent; a second call returns nil
// without touching anything.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		live = append(live, r)
	}
	d := s.dispatcher
	endpoint := s.endpoint
	s.mu.Unlock()

	var errs error
	for _, r := range live {
		if err := r.Finish(ctx, 0); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("finish run %s: %w", r.ID(), err))
		}
	}

	if d != nil {
		if err := d.waitAckDrained(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("ack drain: %w", err))
		}
		if endpoint != nil && endpoint.Spawned && !s.settings.DetachService {
			if err := d.sendControl(types.NewShutdown(s.id)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("shutdown request: %w", err))
			}
		}
		d.close()
	}

	if endpoint != nil && !s.settings.DetachService {
		if err := endpoint.Shutdown(serviceShutdownGrace); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("service teardown: %w", err))
		}
	}

	s.logger.Info("session shut down", map[string]any{
		"runs_finished": len(live),
	})
	_ = s.logger.Sync()
	return errs
}
