// Package auditlog records relay and mirror traffic.
// Entries are buffered in memory and written in batches to SQLite, PostgreSQL or MongoDB.
package auditlog

import (
	"context"
	"strings"
	"time"
)

// LogStore defines the interface for audit log storage backends.
// Implementations must be safe for concurrent use.
type LogStore interface {
	// WriteBatch writes multiple log entries to storage.
	WriteBatch(ctx context.Context, entries []*LogEntry) error

	// Flush forces any pending writes to complete.
	Flush(ctx context.Context) error

	// Close releases resources. The underlying database is owned by the storage layer.
	Close() error
}

// Route names recorded on entries.
const (
	RoutePredict = "predict"
	RouteUpload  = "upload"
)

// LogEntry is one handled request. Top-level fields are stored as columns.
type LogEntry struct {
	ID         string    `json:"id" bson:"_id"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
	DurationNs int64     `json:"duration_ns" bson:"duration_ns"`

	Route      string `json:"route,omitempty" bson:"route,omitempty"`
	StatusCode int    `json:"status_code" bson:"status_code"`
	RequestID  string `json:"request_id,omitempty" bson:"request_id,omitempty"`
	ClientIP   string `json:"client_ip,omitempty" bson:"client_ip,omitempty"`
	Method     string `json:"method,omitempty" bson:"method,omitempty"`
	Path       string `json:"path,omitempty" bson:"path,omitempty"`

	// The uploaded file. The payload itself is never stored.
	FileName string `json:"file_name,omitempty" bson:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty" bson:"file_size,omitempty"`
	FileHash string `json:"file_hash,omitempty" bson:"file_hash,omitempty"`

	UpstreamStatus int    `json:"upstream_status,omitempty" bson:"upstream_status,omitempty"`
	ErrorType      string `json:"error_type,omitempty" bson:"error_type,omitempty"`
	UserName       string `json:"user_name,omitempty" bson:"user_name,omitempty"`

	Data *LogData `json:"data" bson:"data"`
}

// LogData holds the less frequently queried details.
type LogData struct {
	UserAgent    string `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
	APIKeyHash   string `json:"api_key_hash,omitempty" bson:"api_key_hash,omitempty"`
	ContentType  string `json:"content_type,omitempty" bson:"content_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty" bson:"error_message,omitempty"`

	// Only with audit.log_headers. Sensitive headers are redacted.
	RequestHeaders  map[string]string `json:"request_headers,omitempty" bson:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty" bson:"response_headers,omitempty"`

	// Only with audit.log_bodies, capped at MaxBodyCapture.
	ResponseBody          string `json:"response_body,omitempty" bson:"response_body,omitempty"`
	ResponseBodyTruncated bool   `json:"response_body_truncated,omitempty" bson:"response_body_truncated,omitempty"`
}

// RedactedHeaders contains headers that should be automatically redacted.
var RedactedHeaders = []string{
	"authorization",
	"x-api-key",
	"cookie",
	"set-cookie",
	"x-auth-token",
	"x-access-token",
	"proxy-authorization",
}

// RedactHeaders returns a copy of headers with sensitive values replaced by "[REDACTED]".
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}

	result := make(map[string]string, len(headers))
	for key, value := range headers {
		result[key] = value
		keyLower := strings.ToLower(key)
		for _, redactKey := range RedactedHeaders {
			if keyLower == redactKey {
				result[key] = "[REDACTED]"
				break
			}
		}
	}
	return result
}

// Config holds audit logging configuration
type Config struct {
	Enabled    bool
	LogBodies  bool
	LogHeaders bool

	// BufferSize is the capacity of the in-memory queue. Entries beyond it are dropped.
	BufferSize int

	FlushInterval time.Duration

	// RetentionDays is how long to keep logs (0 = forever)
	RetentionDays int

	// SkipPaths are never logged, e.g. health checks and the metrics endpoint.
	SkipPaths []string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
		SkipPaths:     []string{"/health"},
	}
}
