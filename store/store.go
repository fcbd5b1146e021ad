// Package store persists run records on the service side. Records are
// written to a Lode dataset in Hive layout partitioned by
// run_id/day/record_type with a JSONL codec, so one run's stream lands
// under one prefix and a day of metrics is one listable partition.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/traceline-io/traceline/config"
	"github.com/traceline-io/traceline/metrics"
	"github.com/traceline-io/traceline/types"
)

// Store persists batches of run records. Implementations must preserve
// order within a batch; the ingest loop already guarantees order across
// batches of one run.
type Store interface {
	// Append persists recs in order.
	Append(ctx context.Context, recs []*types.Record) error

	// Flush forces buffered data out, called when a run closes.
	Flush(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// DeriveDay computes the day partition value (YYYY-MM-DD, UTC) from a
// record timestamp, falling back to the current day when the timestamp
// does not parse.
func DeriveDay(ts string) string {
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		parsed = time.Now()
	}
	return parsed.UTC().Format("2006-01-02")
}

// Open builds a Store from service storage configuration. Backends:
// fs (default), memory (tests and throwaway runs), s3.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		if cfg.Path == "" {
			return nil, fmt.Errorf("storage backend fs requires a path")
		}
		return NewFS(cfg.Dataset, cfg.Path)
	case "memory":
		return NewMemory(cfg.Dataset)
	case "s3":
		bucket, prefix := ParseS3Path(strings.TrimPrefix(cfg.Path, "s3://"))
		return NewS3(cfg.Dataset, S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q: want fs, memory, or s3", cfg.Backend)
	}
}

// Instrumented wraps a Store and counts write outcomes. One Append or
// Flush call is one counter increment regardless of batch size.
type Instrumented struct {
	inner     Store
	collector *metrics.Collector
}

// NewInstrumented wraps inner with write metrics.
func NewInstrumented(inner Store, collector *metrics.Collector) *Instrumented {
	return &Instrumented{inner: inner, collector: collector}
}

// Append delegates to the inner store and records success or failure.
func (s *Instrumented) Append(ctx context.Context, recs []*types.Record) error {
	err := s.inner.Append(ctx, recs)
	if err != nil {
		s.collector.IncStoreWriteFailure()
	} else {
		s.collector.IncStoreWriteSuccess()
	}
	return err
}

// Flush delegates to the inner store and records success or failure.
func (s *Instrumented) Flush(ctx context.Context) error {
	err := s.inner.Flush(ctx)
	if err != nil {
		s.collector.IncStoreWriteFailure()
	} else {
		s.collector.IncStoreWriteSuccess()
	}
	return err
}

// Close delegates to the inner store.
func (s *Instrumented) Close() error {
	return s.inner.Close()
}

var _ Store = (*Instrumented)(nil)
