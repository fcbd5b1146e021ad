package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/traceline-io/traceline/types"
)

// flushThreshold is how many buffered records trigger a write on their
// own. Record streams are chatty; writing every record as its own
// snapshot would drown the store in tiny files.
const flushThreshold = 256

// hiveKeys is the partition layout shared by the write and read paths.
var hiveKeys = []string{"run_id", "day", "record_type"}

// LodeStore is the Lode-backed Store. Appends are buffered and written
// as batched JSONL snapshots.
type LodeStore struct {
	dataset lode.Dataset

	mu  sync.Mutex
	buf []any
}

// newDataset builds a lode dataset with the traceline layout and codec.
func newDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(hiveKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// NewWithFactory creates a LodeStore over a custom store factory.
func NewWithFactory(dataset string, factory lode.StoreFactory) (*LodeStore, error) {
	ds, err := newDataset(dataset, factory)
	if err != nil {
		return nil, fmt.Errorf("create dataset %q: %w", dataset, err)
	}
	return &LodeStore{dataset: ds}, nil
}

// NewFS creates a LodeStore with filesystem storage rooted at root.
func NewFS(dataset, root string) (*LodeStore, error) {
	return NewWithFactory(dataset, lode.NewFSFactory(root))
}

// NewMemory creates a LodeStore with in-memory storage.
func NewMemory(dataset string) (*LodeStore, error) {
	return NewWithFactory(dataset, lode.NewMemoryFactory())
}

// Append buffers recs and writes a batch once the threshold is hit.
func (s *LodeStore) Append(ctx context.Context, recs []*types.Record) error {
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range recs {
		s.buf = append(s.buf, toRow(rec))
	}
	if len(s.buf) < flushThreshold {
		return nil
	}
	return s.flushLocked(ctx)
}

// Flush writes any buffered records.
func (s *LodeStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *LodeStore) flushLocked(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	rows := s.buf
	s.buf = nil
	if _, err := s.dataset.Write(ctx, rows, lode.Metadata{}); err != nil {
		// Put the batch back so a later flush can retry in order.
		s.buf = rows
		return fmt.Errorf("write batch of %d records: %w", len(rows), err)
	}
	return nil
}

// Close flushes and releases the store.
func (s *LodeStore) Close() error {
	return s.Flush(context.Background())
}

// toRow converts a record envelope to its storage row. Lode HiveLayout
// partitions on top-level map keys, so the partition values are
// duplicated into the row.
func toRow(rec *types.Record) map[string]any {
	return map[string]any{
		"record_kind": "record",
		"schema":      rec.Schema,
		"run_id":      rec.RunID,
		"seq":         rec.Seq,
		"type":        string(rec.Type),
		"record_type": string(rec.Type), // partition key
		"ts":          rec.Ts,
		"day":         DeriveDay(rec.Ts), // partition key
		"payload":     rec.Payload,
	}
}

// RecordsForRun reads back every stored row for one run, across all
// snapshots in write order. Intended for tests and offline inspection,
// not the ingest path.
func (s *LodeStore) RecordsForRun(ctx context.Context, runID string) ([]map[string]any, error) {
	snapshots, err := s.dataset.Snapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var out []map[string]any
	for _, snap := range snapshots {
		if !snapshotMatchesPartition(snap, "run_id", runID) {
			continue
		}
		data, err := s.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", snap.ID, err)
		}
		for _, item := range data {
			row, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if id, _ := row["run_id"].(string); id == runID {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

// snapshotMatchesPartition reports whether any file in the snapshot
// manifest lives under the key=value partition directory.
func snapshotMatchesPartition(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if pathHasSegment(f.Path, key+"="+value) {
			return true
		}
	}
	return false
}

func pathHasSegment(path, segment string) bool {
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

var _ Store = (*LodeStore)(nil)
