// Package launcher locates or starts the tracelined service process and
// hands the session a reachable endpoint.
//
// Attach mode: when settings name a service address, the launcher dials
// it to confirm reachability and returns an endpoint it does not own.
// Spawn mode: otherwise the launcher starts the service executable in
// its own process group, waits for the portfile to announce the bound
// address, and returns an endpoint whose lifetime is tied to the
// session that launched it.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/traceline-io/traceline/config"
	"github.com/traceline-io/traceline/log"
	"github.com/traceline-io/traceline/metrics"
)

// readinessInterval is the portfile poll interval during spawn.
const readinessInterval = 100 * time.Millisecond

// stderrTailLimit bounds how much spawned-service stderr is retained
// for diagnostics.
const stderrTailLimit = 4096

// LaunchErrorKind classifies launch failures.
type LaunchErrorKind int

const (
	// LaunchErrorNotFound indicates the service executable is missing.
	LaunchErrorNotFound LaunchErrorKind = iota
	// LaunchErrorBindTimeout indicates the service did not announce a
	// bound address within the spawn deadline.
	LaunchErrorBindTimeout
	// LaunchErrorCrashedOnStartup indicates the service exited before
	// becoming ready.
	LaunchErrorCrashedOnStartup
	// LaunchErrorUnreachable indicates a configured address did not
	// accept a connection.
	LaunchErrorUnreachable
)

func (k LaunchErrorKind) String() string {
	switch k {
	case LaunchErrorNotFound:
		return "not_found"
	case LaunchErrorBindTimeout:
		return "bind_timeout"
	case LaunchErrorCrashedOnStartup:
		return "crashed_on_startup"
	case LaunchErrorUnreachable:
		return "unreachable"
	}
	return "unknown"
}

// LaunchError reports why the service could not be reached or started.
// Stderr carries the tail of the spawned process's stderr when one ran.
type LaunchError struct {
	Kind     LaunchErrorKind
	Stderr   string
	ExitCode int
	Err      error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch failed (%s)", e.Kind)
	if e.Kind == LaunchErrorCrashedOnStartup {
		msg = fmt.Sprintf("%s: exit code %d", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s\nservice stderr:\n%s", msg, e.Stderr)
	}
	return msg
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsLaunchError extracts a *LaunchError of the given kind from err.
func IsLaunchError(err error, kind LaunchErrorKind) bool {
	var launchErr *LaunchError
	if errors.As(err, &launchErr) {
		return launchErr.Kind == kind
	}
	return false
}

// Endpoint is a reachable service address plus, in spawn mode, the
// handle of the child process backing it.
type Endpoint struct {
	// Addr is the host:port the service listens on.
	Addr string
	// Spawned reports whether this launcher started the process. Attach
	// endpoints are never killed on teardown.
	Spawned bool

	cmd      *exec.Cmd
	waitCh   chan struct{}
	waitErr  error
	stderr   *tailBuffer
	portfile string

	shutdownOnce sync.Once
	shutdownErr  error
}

// EnsureEndpoint returns a reachable service endpoint per settings:
// attach when ServiceAddr is set, spawn otherwise. The context bounds
// the whole attach-or-spawn sequence.
func EnsureEndpoint(ctx context.Context, settings config.Settings, logger *log.Logger, collector *metrics.Collector) (*Endpoint, error) {
	if logger == nil {
		logger = log.Nop()
	}

	if settings.ServiceAddr != "" {
		ep, err := attach(ctx, settings)
		if err != nil {
			collector.IncSpawnFailure()
			return nil, err
		}
		logger.Info("attached to running service", map[string]any{"addr": ep.Addr})
		return ep, nil
	}

	ep, err := spawn(ctx, settings, logger)
	if err != nil {
		collector.IncSpawnFailure()
		return nil, err
	}
	collector.IncSpawnSuccess()
	return ep, nil
}

// attach verifies a configured address accepts connections.
func attach(ctx context.Context, settings config.Settings) (*Endpoint, error) {
	nc, err := dialCheck(ctx, settings.ServiceAddr, settings.DialTimeout.Duration)
	if err != nil {
		return nil, &LaunchError{Kind: LaunchErrorUnreachable, Err: err}
	}
	_ = nc.Close()
	return &Endpoint{Addr: settings.ServiceAddr}, nil
}

// spawn starts the service executable and waits for readiness. The
// service binds an ephemeral port and publishes it through the
// portfile; an empty or absent portfile means not ready yet.
func spawn(ctx context.Context, settings config.Settings, logger *log.Logger) (*Endpoint, error) {
	dataDir := settings.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "traceline")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, &LaunchError{Kind: LaunchErrorNotFound, Err: fmt.Errorf("create data dir: %w", err)}
	}
	portfile := filepath.Join(dataDir, fmt.Sprintf("service-%s.port", uuid.NewString()))

	tail := &tailBuffer{limit: stderrTailLimit}
	cmd := exec.Command(settings.ServiceBinary,
		"serve",
		"--listen", "127.0.0.1:0",
		"--portfile", portfile,
		"--parent-pid", strconv.Itoa(os.Getpid()),
		"--data-dir", dataDir,
	)
	cmd.Stderr = tail
	// Own process group so teardown can kill the service and anything
	// it forked in one signal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		kind := LaunchErrorNotFound
		if !errors.Is(err, exec.ErrNotFound) && !errors.Is(err, os.ErrNotExist) {
			kind = LaunchErrorCrashedOnStartup
		}
		return nil, &LaunchError{Kind: kind, Err: err}
	}

	ep := &Endpoint{
		Spawned:  true,
		cmd:      cmd,
		waitCh:   make(chan struct{}),
		stderr:   tail,
		portfile: portfile,
	}
	go func() {
		ep.waitErr = cmd.Wait()
		close(ep.waitCh)
	}()

	logger.Info("spawned service process", map[string]any{
		"binary": settings.ServiceBinary,
		"pid":    cmd.Process.Pid,
	})

	addr, err := ep.awaitReady(ctx, settings)
	if err != nil {
		_ = ep.kill()
		_ = os.Remove(portfile)
		return nil, err
	}
	ep.Addr = addr
	logger.Info("service ready", map[string]any{"addr": addr})
	return ep, nil
}

// awaitReady polls the portfile until the service publishes its bound
// address, the process exits, or the spawn deadline passes. The
// published address is dialed once to confirm the listener is live.
func (ep *Endpoint) awaitReady(ctx context.Context, settings config.Settings) (string, error) {
	deadline := time.Now().Add(settings.SpawnTimeout.Duration)
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", &LaunchError{Kind: LaunchErrorBindTimeout, Stderr: ep.stderr.String(), Err: ctx.Err()}
		case <-ep.waitCh:
			return "", &LaunchError{
				Kind:     LaunchErrorCrashedOnStartup,
				Stderr:   ep.stderr.String(),
				ExitCode: exitCodeOf(ep.cmd, ep.waitErr),
				Err:      ep.waitErr,
			}
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return "", &LaunchError{Kind: LaunchErrorBindTimeout, Stderr: ep.stderr.String()}
		}

		data, err := os.ReadFile(ep.portfile)
		if err != nil || len(data) == 0 {
			continue
		}
		addr := strings.TrimSpace(string(data))
		if addr == "" {
			continue
		}

		nc, err := dialCheck(ctx, addr, settings.DialTimeout.Duration)
		if err != nil {
			// Published but not accepting yet; keep polling until the
			// deadline.
			continue
		}
		_ = nc.Close()
		return addr, nil
	}
}

// Shutdown tears down a spawned service: SIGTERM to the process group,
// then SIGKILL after a grace window. Attach endpoints are untouched.
// Idempotent; later calls return the first result.
func (ep *Endpoint) Shutdown(grace time.Duration) error {
	ep.shutdownOnce.Do(func() {
		ep.shutdownErr = ep.shutdown(grace)
	})
	return ep.shutdownErr
}

func (ep *Endpoint) shutdown(grace time.Duration) error {
	if !ep.Spawned {
		return nil
	}
	defer func() { _ = os.Remove(ep.portfile) }()

	select {
	case <-ep.waitCh:
		return nil // already exited
	default:
	}

	if err := ep.signalGroup(syscall.SIGTERM); err != nil {
		return ep.kill()
	}
	select {
	case <-ep.waitCh:
		return nil
	case <-time.After(grace):
	}
	return ep.kill()
}

// Wait blocks until the spawned process exits or ctx expires.
func (ep *Endpoint) Wait(ctx context.Context) error {
	if !ep.Spawned {
		return nil
	}
	select {
	case <-ep.waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pid returns the spawned process id, or 0 for attach endpoints.
func (ep *Endpoint) Pid() int {
	if ep.cmd == nil || ep.cmd.Process == nil {
		return 0
	}
	return ep.cmd.Process.Pid
}

// StderrTail returns the retained tail of the spawned service's stderr.
func (ep *Endpoint) StderrTail() string {
	if ep.stderr == nil {
		return ""
	}
	return ep.stderr.String()
}

func (ep *Endpoint) signalGroup(sig syscall.Signal) error {
	if ep.cmd == nil || ep.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-ep.cmd.Process.Pid, sig)
}

func (ep *Endpoint) kill() error {
	if err := ep.signalGroup(syscall.SIGKILL); err != nil {
		return nil // group already gone
	}
	select {
	case <-ep.waitCh:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// exitCodeOf extracts the process exit code from a Wait error.
func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		if cmd.ProcessState != nil {
			return cmd.ProcessState.ExitCode()
		}
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return -1
}

func dialCheck(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// tailBuffer keeps the last limit bytes written to it. Used for stderr
// capture so a chatty crashing service cannot grow diagnostics
// unboundedly.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
