package service

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/traceline-io/traceline/adapter"
	"github.com/traceline-io/traceline/ipc"
	"github.com/traceline-io/traceline/store"
	"github.com/traceline-io/traceline/types"
)

// stubAdapter records published events for assertions.
type stubAdapter struct {
	mu     sync.Mutex
	events []*adapter.RunFinishedEvent
}

func (a *stubAdapter) Publish(_ context.Context, event *adapter.RunFinishedEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *stubAdapter) Close() error { return nil }

func (a *stubAdapter) published() []*adapter.RunFinishedEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*adapter.RunFinishedEvent(nil), a.events...)
}

func newTestServer(t *testing.T, st store.Store, adapters ...adapter.Adapter) *Server {
	t.Helper()
	srv, err := New(Options{
		Listen:      "127.0.0.1:0",
		AckInterval: 10 * time.Millisecond,
		Store:       st,
		Adapters:    adapters,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		_ = srv.Wait()
	})
	return srv
}

func dialServer(t *testing.T, addr string) *ipc.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	conn, err := ipc.Dial(ctx, addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// startReader funnels inbound frames to a channel so tests can wait
// with a deadline. The channel closes when the connection drops.
func startReader(conn *ipc.Conn) <-chan any {
	ch := make(chan any, 64)
	go func() {
		defer close(ch)
		for {
			v, err := conn.Read()
			if err != nil {
				return
			}
			ch <- v
		}
	}()
	return ch
}

func awaitAck(t *testing.T, ch <-chan any, runID string, seq int64) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatalf("connection closed before ack %d for %s", seq, runID)
			}
			if ack, isAck := v.(*types.Ack); isAck && ack.RunID == runID && ack.Seq >= seq {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for ack %d for %s", seq, runID)
		}
	}
}

func awaitClosed(t *testing.T, ch <-chan any) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for connection drop")
		}
	}
}

func writeRecord(t *testing.T, conn *ipc.Conn, runID string, seq int64, rt types.RecordType, payload map[string]any) {
	t.Helper()
	if err := conn.Write(types.NewRecord(runID, seq, rt, payload)); err != nil {
		t.Fatalf("write record seq %d: %v", seq, err)
	}
}

func TestIngestPersistAck(t *testing.T) {
	ms, err := store.NewMemory("test")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	stub := &stubAdapter{}
	srv := newTestServer(t, ms, stub)

	conn := dialServer(t, srv.Addr())
	ch := startReader(conn)

	if err := conn.Write(types.NewHello("sess-1", os.Getpid())); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	runID := "run-ingest"
	writeRecord(t, conn, runID, 1, types.RecordTypeConfig, map[string]any{"lr": 0.01})
	writeRecord(t, conn, runID, 2, types.RecordTypeMetric, map[string]any{"loss": 0.5})
	writeRecord(t, conn, runID, 3, types.RecordTypeSummary, map[string]any{"best": 0.5})
	writeRecord(t, conn, runID, 4, types.RecordTypeRunExit, types.ExitPayload(0, ""))

	awaitAck(t, ch, runID, 4)

	rows, err := ms.RecordsForRun(t.Context(), runID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("persisted rows = %d, want 4", len(rows))
	}

	events := stub.published()
	if len(events) != 1 {
		t.Fatalf("published events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.RunID != runID {
		t.Errorf("event run_id = %q, want %q", ev.RunID, runID)
	}
	if ev.EventType != "run_finished" {
		t.Errorf("event type = %q, want run_finished", ev.EventType)
	}
	if ev.RecordCount != 4 {
		t.Errorf("event record_count = %d, want 4", ev.RecordCount)
	}
	if ev.ExitCode != 0 {
		t.Errorf("event exit_code = %d, want 0", ev.ExitCode)
	}
}

func TestDuplicateRecordsReAckedNotRepersisted(t *testing.T) {
	ms, err := store.NewMemory("test")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	srv := newTestServer(t, ms)

	conn := dialServer(t, srv.Addr())
	ch := startReader(conn)

	runID := "run-dup"
	writeRecord(t, conn, runID, 1, types.RecordTypeMetric, map[string]any{"step": 1})
	writeRecord(t, conn, runID, 2, types.RecordTypeMetric, map[string]any{"step": 2})
	awaitAck(t, ch, runID, 2)

	// Redeliver both, as a client would after losing acks.
	writeRecord(t, conn, runID, 1, types.RecordTypeMetric, map[string]any{"step": 1})
	writeRecord(t, conn, runID, 2, types.RecordTypeMetric, map[string]any{"step": 2})
	writeRecord(t, conn, runID, 3, types.RecordTypeMetric, map[string]any{"step": 3})
	writeRecord(t, conn, runID, 4, types.RecordTypeRunExit, types.ExitPayload(0, ""))
	awaitAck(t, ch, runID, 4)

	rows, err := ms.RecordsForRun(t.Context(), runID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("persisted rows = %d, want 4 (duplicates must not re-persist)", len(rows))
	}
}

func TestSequenceGapDropsConnectionWatermarkSurvives(t *testing.T) {
	ms, err := store.NewMemory("test")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	srv := newTestServer(t, ms)

	runID := "run-gap"

	conn := dialServer(t, srv.Addr())
	ch := startReader(conn)
	writeRecord(t, conn, runID, 1, types.RecordTypeMetric, map[string]any{"step": 1})
	writeRecord(t, conn, runID, 2, types.RecordTypeMetric, map[string]any{"step": 2})
	awaitAck(t, ch, runID, 2)

	// Skipping ahead is a protocol violation; the server drops us.
	writeRecord(t, conn, runID, 5, types.RecordTypeMetric, map[string]any{"step": 5})
	awaitClosed(t, ch)

	// A fresh connection resumes against the preserved watermark.
	conn2 := dialServer(t, srv.Addr())
	ch2 := startReader(conn2)
	writeRecord(t, conn2, runID, 1, types.RecordTypeMetric, map[string]any{"step": 1})
	writeRecord(t, conn2, runID, 2, types.RecordTypeMetric, map[string]any{"step": 2})
	writeRecord(t, conn2, runID, 3, types.RecordTypeMetric, map[string]any{"step": 3})
	writeRecord(t, conn2, runID, 4, types.RecordTypeRunExit, types.ExitPayload(0, ""))
	awaitAck(t, ch2, runID, 4)

	rows, err := ms.RecordsForRun(t.Context(), runID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("persisted rows = %d, want 4", len(rows))
	}
}

func TestUnknownSchemaDropsConnection(t *testing.T) {
	ms, err := store.NewMemory("test")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	srv := newTestServer(t, ms)

	conn := dialServer(t, srv.Addr())
	ch := startReader(conn)

	rec := types.NewRecord("run-schema", 1, types.RecordTypeMetric, nil)
	rec.Schema = "999"
	if err := conn.Write(rec); err != nil {
		t.Fatalf("write record: %v", err)
	}
	awaitClosed(t, ch)
}

func TestUnknownRecordTypePassesThrough(t *testing.T) {
	ms, err := store.NewMemory("test")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	srv := newTestServer(t, ms)

	conn := dialServer(t, srv.Addr())
	ch := startReader(conn)

	// A record kind from a newer client persists like any other.
	runID := "run-forward"
	writeRecord(t, conn, runID, 1, types.RecordType("histogram"), map[string]any{"bins": 10})
	writeRecord(t, conn, runID, 2, types.RecordTypeRunExit, types.ExitPayload(0, ""))
	awaitAck(t, ch, runID, 2)

	rows, err := ms.RecordsForRun(t.Context(), runID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("persisted rows = %d, want 2", len(rows))
	}
}

func TestShutdownRecordStopsServer(t *testing.T) {
	ms, err := store.NewMemory("test")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	srv := newTestServer(t, ms)

	conn := dialServer(t, srv.Addr())
	if err := conn.Write(types.NewShutdown("sess-1")); err != nil {
		t.Fatalf("write shutdown: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after shutdown record")
	}

	// The listener is gone; new dials must fail.
	if _, err := net.DialTimeout("tcp", srv.Addr(), 200*time.Millisecond); err == nil {
		t.Fatal("expected dial to fail after shutdown")
	}
}

func TestPortfilePublishedAfterBind(t *testing.T) {
	ms, err := store.NewMemory("test")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	portfile := filepath.Join(t.TempDir(), "service.port")
	srv, err := New(Options{
		Listen:   "127.0.0.1:0",
		Portfile: portfile,
		Store:    ms,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		_ = srv.Wait()
	})

	data, err := os.ReadFile(portfile)
	if err != nil {
		t.Fatalf("read portfile: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != srv.Addr() {
		t.Errorf("portfile = %q, want %q", got, srv.Addr())
	}
}

func TestParentDeathStopsServer(t *testing.T) {
	if testing.Short() {
		t.Skip("watchdog poll takes over a second")
	}

	// Use the pid of a process that has already exited.
	cmd := exec.Command("sleep", "0.01")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Wait()

	ms, err := store.NewMemory("test")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	srv, err := New(Options{
		Listen:    "127.0.0.1:0",
		ParentPID: pid,
		Store:     ms,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		srv.Stop()
		t.Fatal("server did not stop after parent death")
	}
}
