// Package endpoints defines the HTTP paths and headers shared by the flag server and the client SDK.
package endpoints

import (
	"net/url"
	"strings"
)

const (
	// HealthPath is the liveness endpoint.
	HealthPath = "/health"

	// FlagsPath lists all flags (the snapshot) and accepts new flags.
	FlagsPath = "/api/flags"

	// FlagPathTemplate addresses a single flag; {key} is the flag key.
	FlagPathTemplate = "/api/flags/{key}"

	// EvaluatePathTemplate evaluates a single flag; {key} is the flag key.
	EvaluatePathTemplate = "/api/evaluate/{key}"

	// StreamPath is the change-feed endpoint.
	StreamPath = "/api/stream"

	// AuditPath lists audit entries.
	AuditPath = "/api/audit"

	// MetricsPath exposes Prometheus metrics.
	MetricsPath = "/metrics"
)

const (
	// ActorHeader carries the identity recorded in audit entries.
	ActorHeader = "X-Ffaas-Actor"

	// EventStreamContentType is the media type of the change feed.
	EventStreamContentType = "text/event-stream"
)

// AddPath concatenates a base URI and a path, ensuring there is exactly one slash between them.
func AddPath(baseURI string, path string) string {
	return strings.TrimSuffix(baseURI, "/") + "/" + strings.TrimPrefix(path, "/")
}

// FlagPath returns the path of a single flag, escaping the key.
func FlagPath(key string) string {
	return strings.Replace(FlagPathTemplate, "{key}", url.PathEscape(key), 1)
}

// EvaluatePath returns the evaluation path of a single flag, escaping the key.
func EvaluatePath(key string) string {
	return strings.Replace(EvaluatePathTemplate, "{key}", url.PathEscape(key), 1)
}
