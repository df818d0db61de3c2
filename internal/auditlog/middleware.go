package auditlog

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"predictgate/internal/core"
)

// Middleware builds an entry for every request outside cfg.SkipPaths.
// Handlers enrich it through the EnrichEntry helpers, and it is queued
// once the handler returns.
func Middleware(logger LoggerInterface) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if logger == nil || !logger.Config().Enabled {
				return next(c)
			}

			cfg := logger.Config()
			req := c.Request()
			if skipPath(cfg.SkipPaths, req.URL.Path) {
				return next(c)
			}

			start := time.Now()

			// Set by the request id middleware when it runs first.
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = req.Header.Get(echo.HeaderXRequestID)
			}

			entry := &LogEntry{
				ID:        uuid.NewString(),
				Timestamp: start,
				RequestID: requestID,
				ClientIP:  c.RealIP(),
				Method:    req.Method,
				Path:      req.URL.Path,
				Data: &LogData{
					UserAgent:   req.UserAgent(),
					ContentType: req.Header.Get(echo.HeaderContentType),
				},
			}

			if authHeader := req.Header.Get(echo.HeaderAuthorization); authHeader != "" {
				entry.Data.APIKeyHash = hashAPIKey(authHeader)
			}
			if cfg.LogHeaders {
				entry.Data.RequestHeaders = extractHeaders(req.Header)
			}

			c.Set(string(LogEntryKey), entry)

			var capture *responseBodyCapture
			if cfg.LogBodies {
				capture = &responseBodyCapture{
					ResponseWriter: c.Response().Writer,
					body:           &bytes.Buffer{},
				}
				c.Response().Writer = capture
			}

			err := next(c)

			entry.DurationNs = time.Since(start).Nanoseconds()
			entry.StatusCode = c.Response().Status
			if err != nil {
				// The error handler has not written the response yet.
				var he *echo.HTTPError
				if errors.As(err, &he) {
					entry.StatusCode = he.Code
				} else if !c.Response().Committed {
					entry.StatusCode = http.StatusInternalServerError
				}
				if entry.ErrorType == "" {
					EnrichEntryWithError(c, err)
				}
			}

			if cfg.LogHeaders {
				entry.Data.ResponseHeaders = extractHeaders(c.Response().Header())
			}
			if capture != nil && capture.body.Len() > 0 {
				entry.Data.ResponseBody = toValidUTF8String(capture.body.Bytes())
				entry.Data.ResponseBodyTruncated = capture.truncated
			}

			logger.Write(entry)
			return err
		}
	}
}

func skipPath(paths []string, path string) bool {
	for _, p := range paths {
		if p != "" && path == p {
			return true
		}
	}
	return false
}

// responseBodyCapture copies up to MaxBodyCapture bytes of the response.
type responseBodyCapture struct {
	http.ResponseWriter
	body      *bytes.Buffer
	truncated bool
}

func (r *responseBodyCapture) Write(b []byte) (int, error) {
	if remaining := MaxBodyCapture - r.body.Len(); remaining > 0 {
		if len(b) > remaining {
			r.body.Write(b[:remaining])
			r.truncated = true
		} else {
			r.body.Write(b)
		}
	} else if len(b) > 0 {
		r.truncated = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *responseBodyCapture) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *responseBodyCapture) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// extractHeaders keeps the first value of each header and redacts credentials.
func extractHeaders(headers map[string][]string) map[string]string {
	result := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) > 0 {
			result[key] = values[0]
		}
	}
	return RedactHeaders(result)
}

// hashAPIKey returns the first APIKeyHashPrefixLength hex characters of the
// SHA256 of the bearer token.
func hashAPIKey(authHeader string) string {
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])[:APIKeyHashPrefixLength]
}

// Fingerprint identifies a payload without storing it.
func Fingerprint(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func entryFrom(c echo.Context) *LogEntry {
	entry, _ := c.Get(string(LogEntryKey)).(*LogEntry)
	return entry
}

// EnrichEntry names the route that handled the request.
func EnrichEntry(c echo.Context, route string) {
	if entry := entryFrom(c); entry != nil {
		entry.Route = route
	}
}

// EnrichEntryWithUpload records the uploaded file's name, size and fingerprint.
func EnrichEntryWithUpload(c echo.Context, upload *core.Upload) {
	entry := entryFrom(c)
	if entry == nil || upload == nil {
		return
	}
	entry.FileName = upload.FileName
	entry.FileSize = int64(upload.Size())
	entry.FileHash = Fingerprint(upload.Data)
}

// EnrichEntryWithUpstream records the status the prediction service answered with.
func EnrichEntryWithUpstream(c echo.Context, statusCode int) {
	if entry := entryFrom(c); entry != nil {
		entry.UpstreamStatus = statusCode
	}
}

// EnrichEntryWithUser records who made the request.
func EnrichEntryWithUser(c echo.Context, username string) {
	if entry := entryFrom(c); entry != nil {
		entry.UserName = username
	}
}

// EnrichEntryWithError classifies err. Relay errors keep their type and, for
// rejections, the upstream status and the message from its body.
func EnrichEntryWithError(c echo.Context, err error) {
	entry := entryFrom(c)
	if entry == nil || err == nil {
		return
	}

	message := err.Error()
	var relayErr *core.RelayError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &relayErr):
		entry.ErrorType = string(relayErr.Type)
		if relayErr.Type == core.ErrorTypeUpstreamRejected {
			entry.UpstreamStatus = relayErr.StatusCode
			message = UpstreamErrorMessage(relayErr.Body)
		}
	case errors.As(err, &httpErr):
		entry.ErrorType = "http_error"
		message = fmt.Sprint(httpErr.Message)
	default:
		entry.ErrorType = "internal_error"
	}
	if entry.Data != nil {
		entry.Data.ErrorMessage = truncate(message, MaxErrorMessage)
	}
}

// UpstreamErrorMessage pulls a readable message out of an upstream error body.
// JSON bodies are searched for the usual detail fields, anything else is kept as text.
func UpstreamErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if gjson.ValidBytes(body) {
		for _, path := range []string{"detail.0.msg", "detail", "message", "error.message", "error"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
				return truncate(r.String(), MaxErrorMessage)
			}
		}
	}
	return truncate(strings.TrimSpace(toValidUTF8String(body)), MaxErrorMessage)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// drops a rune cut in half
	return strings.ToValidUTF8(s[:max], "")
}

// toValidUTF8String replaces invalid sequences so the text is storable as a BSON string.
func toValidUTF8String(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
