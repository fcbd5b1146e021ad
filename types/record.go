// Package types defines the wire-level record model shared by the
// traceline client and service. Every frame exchanged over the duplex
// channel decodes into exactly one of the types declared here.
package types

import (
	"time"
)

// SchemaVersion is stamped on every outbound record envelope. Consumers
// use it to reject frames produced by an incompatible client.
const SchemaVersion = "1"

// RecordType discriminates payloads inside a record envelope.
type RecordType string

const (
	// RecordTypeConfig carries run configuration, either the initial
	// snapshot announced when a run starts or a later partial update.
	RecordTypeConfig RecordType = "config"

	// RecordTypeMetric carries one logged step of named metric values.
	RecordTypeMetric RecordType = "metric"

	// RecordTypeSummary carries summary values that overwrite by key
	// rather than accumulate per step.
	RecordTypeSummary RecordType = "summary"

	// RecordTypeTelemetry carries client environment details, emitted
	// once while a run is starting.
	RecordTypeTelemetry RecordType = "telemetry"

	// RecordTypeRunExit marks the end of a run's record stream. It is
	// the last record a run ever enqueues.
	RecordTypeRunExit RecordType = "run_exit"
)

// Valid reports whether rt is a member of the closed record type set.
func (rt RecordType) Valid() bool {
	switch rt {
	case RecordTypeConfig, RecordTypeMetric, RecordTypeSummary,
		RecordTypeTelemetry, RecordTypeRunExit:
		return true
	}
	return false
}

// Terminal reports whether rt closes a run's record stream.
func (rt RecordType) Terminal() bool {
	return rt == RecordTypeRunExit
}

// Record is the envelope for every data record a run emits. Records
// belonging to one run carry strictly increasing sequence numbers
// starting at 1; the pair (RunID, Seq) identifies a record globally
// and makes redelivery after a reconnect safe to deduplicate.
type Record struct {
	Schema  string         `msgpack:"schema"`
	RunID   string         `msgpack:"run_id"`
	Seq     int64          `msgpack:"seq"`
	Type    RecordType     `msgpack:"type"`
	Ts      string         `msgpack:"ts"`
	Payload map[string]any `msgpack:"payload"`
}

// NewRecord builds a stamped envelope around payload. The caller owns
// sequence assignment; Ts is set to the current UTC time.
func NewRecord(runID string, seq int64, rt RecordType, payload map[string]any) *Record {
	return &Record{
		Schema:  SchemaVersion,
		RunID:   runID,
		Seq:     seq,
		Type:    rt,
		Ts:      time.Now().UTC().Format(time.RFC3339Nano),
		Payload: payload,
	}
}

// Control frame type markers. Control frames share the channel with
// record envelopes but never enter a run's queue and never carry a
// sequence number of their own.
const (
	// ControlAck acknowledges contiguous delivery of one run's records.
	ControlAck = "ack"

	// ControlHello announces a client on a fresh or resumed channel.
	ControlHello = "hello"

	// ControlShutdown asks the service to flush and exit. Sent by the
	// session that spawned the service, never by attached sessions.
	ControlShutdown = "shutdown"
)

// Ack is the service's cumulative delivery acknowledgement: every
// record of run RunID with sequence <= Seq has been durably handled.
// Acks may be coalesced, so a client must treat Seq as a watermark
// rather than expect one ack per record.
type Ack struct {
	Type  string `msgpack:"type"`
	RunID string `msgpack:"run_id"`
	Seq   int64  `msgpack:"seq"`
}

// NewAck builds an ack watermark frame for one run.
func NewAck(runID string, seq int64) *Ack {
	return &Ack{Type: ControlAck, RunID: runID, Seq: seq}
}

// Hello is the first frame a client writes on every connection,
// including reconnects. SessionID ties the channel to one session so
// service logs can correlate resumed streams.
type Hello struct {
	Type          string `msgpack:"type"`
	SessionID     string `msgpack:"session_id"`
	ClientVersion string `msgpack:"client_version"`
	Pid           int    `msgpack:"pid"`
}

// NewHello builds the channel greeting for one session.
func NewHello(sessionID string, pid int) *Hello {
	return &Hello{
		Type:          ControlHello,
		SessionID:     sessionID,
		ClientVersion: Version,
		Pid:           pid,
	}
}

// Shutdown asks the service to persist what it holds and exit once its
// channel drains. Only the session that owns the service process sends
// it; attached sessions simply close their connection.
type Shutdown struct {
	Type      string `msgpack:"type"`
	SessionID string `msgpack:"session_id"`
}

// NewShutdown builds a shutdown request frame.
func NewShutdown(sessionID string) *Shutdown {
	return &Shutdown{Type: ControlShutdown, SessionID: sessionID}
}
