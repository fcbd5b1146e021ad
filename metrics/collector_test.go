package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("sess-001", "tcp", "fs")

	c.IncRunStarted()
	c.IncRunFinished()
	c.IncRunFailed()
	c.IncRunFailed()
	c.IncRecordEnqueued()
	c.IncRecordEnqueued()
	c.IncRecordEnqueued()
	c.IncRecordSent()
	c.IncRecordSent()
	c.IncRecordRedelivered()
	c.AddRecordsAcked(2)
	c.IncSpawnSuccess()
	c.IncSpawnFailure()
	c.IncReconnect()
	c.IncConnectFailure()
	c.IncConnectFailure()
	c.IncDecodeError()
	c.IncDecodeError()
	c.IncDecodeError()
	c.IncStoreWriteSuccess()
	c.IncStoreWriteSuccess()
	c.IncStoreWriteFailure()

	s := c.Snapshot()

	if s.RunsStarted != 1 {
		t.Errorf("RunsStarted = %d, want 1", s.RunsStarted)
	}
	if s.RunsFinished != 1 {
		t.Errorf("RunsFinished = %d, want 1", s.RunsFinished)
	}
	if s.RunsFailed != 2 {
		t.Errorf("RunsFailed = %d, want 2", s.RunsFailed)
	}
	if s.RecordsEnqueued != 3 {
		t.Errorf("RecordsEnqueued = %d, want 3", s.RecordsEnqueued)
	}
	if s.RecordsSent != 2 {
		t.Errorf("RecordsSent = %d, want 2", s.RecordsSent)
	}
	if s.RecordsRedelivered != 1 {
		t.Errorf("RecordsRedelivered = %d, want 1", s.RecordsRedelivered)
	}
	if s.RecordsAcked != 2 {
		t.Errorf("RecordsAcked = %d, want 2", s.RecordsAcked)
	}
	if s.SpawnSuccess != 1 {
		t.Errorf("SpawnSuccess = %d, want 1", s.SpawnSuccess)
	}
	if s.SpawnFailure != 1 {
		t.Errorf("SpawnFailure = %d, want 1", s.SpawnFailure)
	}
	if s.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", s.Reconnects)
	}
	if s.ConnectFailures != 2 {
		t.Errorf("ConnectFailures = %d, want 2", s.ConnectFailures)
	}
	if s.DecodeErrors != 3 {
		t.Errorf("DecodeErrors = %d, want 3", s.DecodeErrors)
	}
	if s.StoreWriteSuccess != 2 {
		t.Errorf("StoreWriteSuccess = %d, want 2", s.StoreWriteSuccess)
	}
	if s.StoreWriteFailure != 1 {
		t.Errorf("StoreWriteFailure = %d, want 1", s.StoreWriteFailure)
	}
}

func TestCollector_Dimensions(t *testing.T) {
	c := NewCollector("sess-42", "tcp", "s3")
	s := c.Snapshot()

	if s.SessionID != "sess-42" {
		t.Errorf("SessionID = %q, want %q", s.SessionID, "sess-42")
	}
	if s.Transport != "tcp" {
		t.Errorf("Transport = %q, want %q", s.Transport, "tcp")
	}
	if s.StorageBackend != "s3" {
		t.Errorf("StorageBackend = %q, want %q", s.StorageBackend, "s3")
	}
}

func TestCollector_DroppedByType(t *testing.T) {
	c := NewCollector("sess-001", "tcp", "fs")

	c.IncRecordDropped("metric")
	c.IncRecordDropped("metric")
	c.IncRecordDropped("summary")

	s := c.Snapshot()
	if s.RecordsDropped != 3 {
		t.Errorf("RecordsDropped = %d, want 3", s.RecordsDropped)
	}
	if s.DroppedByType["metric"] != 2 {
		t.Errorf("DroppedByType[metric] = %d, want 2", s.DroppedByType["metric"])
	}
	if s.DroppedByType["summary"] != 1 {
		t.Errorf("DroppedByType[summary] = %d, want 1", s.DroppedByType["summary"])
	}
}

func TestCollector_SnapshotImmutability(t *testing.T) {
	c := NewCollector("sess-001", "tcp", "fs")
	c.IncRunStarted()
	c.IncStoreWriteSuccess()

	s1 := c.Snapshot()

	// Mutate collector after snapshot
	c.IncRunFinished()
	c.IncStoreWriteSuccess()
	c.IncStoreWriteSuccess()

	// s1 should be unchanged
	if s1.RunsFinished != 0 {
		t.Errorf("s1.RunsFinished = %d, want 0 (snapshot should be frozen)", s1.RunsFinished)
	}
	if s1.StoreWriteSuccess != 1 {
		t.Errorf("s1.StoreWriteSuccess = %d, want 1 (snapshot should be frozen)", s1.StoreWriteSuccess)
	}

	// New snapshot should reflect mutations
	s2 := c.Snapshot()
	if s2.RunsFinished != 1 {
		t.Errorf("s2.RunsFinished = %d, want 1", s2.RunsFinished)
	}
	if s2.StoreWriteSuccess != 3 {
		t.Errorf("s2.StoreWriteSuccess = %d, want 3", s2.StoreWriteSuccess)
	}
}

func TestCollector_SnapshotDroppedByTypeIsolation(t *testing.T) {
	c := NewCollector("sess-001", "tcp", "fs")
	c.IncRecordDropped("metric")

	s := c.Snapshot()

	// Mutate the snapshot's map
	s.DroppedByType["metric"] = 999
	s.DroppedByType["injected"] = 1

	// Collector should be unaffected
	s2 := c.Snapshot()
	if s2.DroppedByType["metric"] != 1 {
		t.Errorf("DroppedByType[metric] = %d, want 1 (collector should be isolated from snapshot mutation)", s2.DroppedByType["metric"])
	}
	if _, exists := s2.DroppedByType["injected"]; exists {
		t.Error("DroppedByType should not contain injected key from snapshot mutation")
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	// None of these should panic
	c.IncRunStarted()
	c.IncRunFinished()
	c.IncRunFailed()
	c.IncRecordEnqueued()
	c.IncRecordSent()
	c.IncRecordRedelivered()
	c.AddRecordsAcked(5)
	c.IncRecordDropped("metric")
	c.IncSpawnSuccess()
	c.IncSpawnFailure()
	c.IncReconnect()
	c.IncConnectFailure()
	c.IncDecodeError()
	c.IncStoreWriteSuccess()
	c.IncStoreWriteFailure()

	s := c.Snapshot()
	if s.RunsStarted != 0 {
		t.Errorf("nil collector snapshot RunsStarted = %d, want 0", s.RunsStarted)
	}
	if s.DroppedByType != nil {
		t.Errorf("nil collector snapshot DroppedByType should be nil, got %v", s.DroppedByType)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("sess-001", "tcp", "fs")
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.IncRecordEnqueued()
				c.IncRecordSent()
				c.AddRecordsAcked(1)
			}
		}()
	}

	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * iterations)

	if s.RecordsEnqueued != want {
		t.Errorf("RecordsEnqueued = %d, want %d", s.RecordsEnqueued, want)
	}
	if s.RecordsSent != want {
		t.Errorf("RecordsSent = %d, want %d", s.RecordsSent, want)
	}
	if s.RecordsAcked != want {
		t.Errorf("RecordsAcked = %d, want %d", s.RecordsAcked, want)
	}
}

func TestCollector_ZeroValueSnapshot(t *testing.T) {
	c := NewCollector("sess-001", "tcp", "fs")
	s := c.Snapshot()

	// All counters should be zero
	if s.RunsStarted != 0 || s.RunsFinished != 0 || s.RunsFailed != 0 {
		t.Error("fresh collector should have zero run lifecycle counters")
	}
	if s.RecordsEnqueued != 0 || s.RecordsSent != 0 || s.RecordsAcked != 0 || s.RecordsDropped != 0 {
		t.Error("fresh collector should have zero delivery counters")
	}
	if s.SpawnSuccess != 0 || s.SpawnFailure != 0 || s.Reconnects != 0 || s.ConnectFailures != 0 || s.DecodeErrors != 0 {
		t.Error("fresh collector should have zero channel counters")
	}
	if s.StoreWriteSuccess != 0 || s.StoreWriteFailure != 0 {
		t.Error("fresh collector should have zero store counters")
	}
	if len(s.DroppedByType) != 0 {
		t.Errorf("fresh collector DroppedByType should be empty, got %v", s.DroppedByType)
	}
}
