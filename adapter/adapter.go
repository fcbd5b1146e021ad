// Package adapter defines the notification boundary for finished runs.
//
// Adapters publish run completion events to downstream systems. The
// service owns adapter lifecycle; clients never talk to adapters directly.
package adapter

import "context"

// RunFinishedEvent is the payload published when a run reaches a
// terminal state on the service side.
type RunFinishedEvent struct {
	SchemaVersion string `json:"schema_version"`
	EventType     string `json:"event_type"` // always "run_finished"
	RunID         string `json:"run_id"`
	Day           string `json:"day"`
	ExitCode      int    `json:"exit_code"`
	Reason        string `json:"reason,omitempty"` // set when the run ended abnormally
	StoragePath   string `json:"storage_path"`
	Timestamp     string `json:"timestamp"` // ISO 8601
	RecordCount   int64  `json:"record_count"`
	DurationMs    int64  `json:"duration_ms"`
}

// Adapter publishes run completion events to a downstream system.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Publish sends a run completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *RunFinishedEvent) error

	// Close releases adapter resources.
	Close() error
}
