package core

import "net/http"

// FileField is the multipart field carrying the uploaded file, inbound and outbound.
const FileField = "file"

// DefaultMediaType is used when the caller declared no media type for the file.
const DefaultMediaType = "application/octet-stream"

// Upload is a file received from a caller. It is never parsed.
type Upload struct {
	FileName  string
	MediaType string
	Data      []byte
}

// Size returns the payload length in bytes.
func (u *Upload) Size() int {
	return len(u.Data)
}

// ContentType returns the declared media type or DefaultMediaType.
func (u *Upload) ContentType() string {
	if u.MediaType == "" {
		return DefaultMediaType
	}
	return u.MediaType
}

// RelayResult is a successful upstream answer.
type RelayResult struct {
	StatusCode int
	// ContentType is what the upstream declared. The server always answers text/csv.
	ContentType string
	Body        []byte
}

// Success reports whether the upstream status is 2xx.
func (r *RelayResult) Success() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}
