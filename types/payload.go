package types

import (
	"os"
	"runtime"
	"time"
)

// TelemetryPayload describes the client environment of a new run. It is
// emitted automatically while the run is starting, before any caller
// data, so the service can attribute every stream to a client build.
func TelemetryPayload(startedAt time.Time) map[string]any {
	return map[string]any{
		"client_version": Version,
		"schema":         SchemaVersion,
		"os":             runtime.GOOS,
		"arch":           runtime.GOARCH,
		"pid":            os.Getpid(),
		"started_at":     startedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ExitPayload describes how a run ended. Code zero means success;
// reason is optional context for non-zero codes.
func ExitPayload(code int, reason string) map[string]any {
	p := map[string]any{"exit_code": code}
	if reason != "" {
		p["reason"] = reason
	}
	return p
}

// ExitCode extracts the exit code from a run_exit payload. Msgpack
// decodes integers into whichever width fits, so every integral shape
// is accepted. ok is false when the key is missing or non-integral.
func ExitCode(payload map[string]any) (code int, ok bool) {
	v, present := payload["exit_code"]
	if !present {
		return 0, false
	}
	return asInt(v)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}

// StringField extracts a string payload field, tolerating absence.
func StringField(payload map[string]any, key string) (string, bool) {
	v, present := payload[key]
	if !present {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
