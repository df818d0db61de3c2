package auditlog

const (
	// MaxBodyCapture caps the captured response body (64KB).
	MaxBodyCapture = 64 * 1024

	// MaxErrorMessage caps the upstream error text copied into an entry.
	MaxErrorMessage = 512

	// BatchFlushThreshold is the number of entries that triggers an immediate flush.
	BatchFlushThreshold = 100

	// APIKeyHashPrefixLength is the number of hex characters kept from the SHA256 hash.
	APIKeyHashPrefixLength = 16
)

type contextKey string

// LogEntryKey is the echo context key holding the in-flight entry.
const LogEntryKey contextKey = "auditlog_entry"
