// Package server provides the HTTP handlers and server setup for the prediction relay.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"predictgate/internal/auditlog"
	"predictgate/internal/core"
	"predictgate/internal/fleet"
	"predictgate/internal/identity"
	"predictgate/internal/mirror"
)

// Relay forwards an upload to the prediction service.
type Relay interface {
	Predict(ctx context.Context, upload *core.Upload) (*core.RelayResult, error)
}

// Handler holds the HTTP handlers
type Handler struct {
	relay  Relay
	mirror mirror.Store
}

// NewHandler creates a handler. store may be nil when the mirror is disabled.
func NewHandler(relay Relay, store mirror.Store) *Handler {
	return &Handler{
		relay:  relay,
		mirror: store,
	}
}

// Predict handles POST /api/predict
func (h *Handler) Predict(c echo.Context) error {
	auditlog.EnrichEntry(c, auditlog.RoutePredict)

	upload, err := readUpload(c)
	if err != nil {
		return handleError(c, err)
	}
	auditlog.EnrichEntryWithUpload(c, upload)

	result, err := h.relay.Predict(c.Request().Context(), upload)
	if err != nil {
		return handleError(c, err)
	}
	auditlog.EnrichEntryWithUpstream(c, result.StatusCode)

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "text/csv", result.Body)
}

// Upload handles POST /api/upload
func (h *Handler) Upload(c echo.Context) error {
	auditlog.EnrichEntry(c, auditlog.RouteUpload)
	ctx := c.Request().Context()

	upload, err := readUpload(c)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		auditlog.EnrichEntryWithError(c, err)
		return c.String(http.StatusBadRequest, "No file provided")
	}
	auditlog.EnrichEntryWithUpload(c, upload)

	name, err := mirror.SanitizeName(upload.FileName)
	if err != nil {
		auditlog.EnrichEntryWithError(c, core.NewMalformedRequestError(err.Error(), err))
		return c.String(http.StatusBadRequest, "No file provided")
	}

	if err := h.mirror.Save(ctx, name, upload.ContentType(), upload.Data); err != nil {
		slog.ErrorContext(ctx, "upload mirror failed",
			"backend", h.mirror.Backend(),
			"file", name,
			"error", err,
			"request_id", core.GetRequestID(ctx),
		)
		auditlog.EnrichEntryWithError(c, err)
		return c.String(http.StatusInternalServerError, "Internal Server Error")
	}

	return c.JSON(http.StatusOK, map[string]string{
		"message": "File uploaded successfully",
		"path":    mirror.PublicPath(name),
	})
}

// ServeUpload handles GET /uploads/*
func (h *Handler) ServeUpload(c echo.Context) error {
	raw := c.Param("*")
	name, err := mirror.SanitizeName(raw)
	if err != nil || name != raw {
		return echo.ErrNotFound
	}

	rc, info, err := h.mirror.Open(c.Request().Context(), name)
	if err != nil {
		if errors.Is(err, mirror.ErrNotFound) {
			return echo.ErrNotFound
		}
		slog.ErrorContext(c.Request().Context(), "failed to open mirrored upload", "file", name, "error", err)
		return echo.ErrInternalServerError
	}
	defer func() {
		_ = rc.Close()
	}()

	contentType := info.ContentType
	if contentType == "" {
		contentType = core.DefaultMediaType
	}
	return c.Stream(http.StatusOK, contentType, rc)
}

// SampleTrains handles GET /api/trains/sample
func (h *Handler) SampleTrains(c echo.Context) error {
	return c.JSON(http.StatusOK, fleet.Sample())
}

// SignedOutSession answers /auth/session when no identity provider is configured.
func (h *Handler) SignedOutSession(c echo.Context) error {
	return c.JSON(http.StatusOK, identity.Snapshot{})
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// readUpload reads the file field into memory. Oversized bodies keep the
// 413 from the body limit middleware.
func readUpload(c echo.Context) (*core.Upload, error) {
	fh, err := c.FormFile(core.FileField)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		if errors.Is(err, http.ErrMissingFile) {
			return nil, core.NewMalformedRequestError(`missing form field "file"`, err)
		}
		return nil, core.NewMalformedRequestError("invalid multipart form data: "+err.Error(), err)
	}

	data, err := readFileHeader(fh)
	if err != nil {
		return nil, core.NewMalformedRequestError("failed to read uploaded file", err)
	}
	return &core.Upload{
		FileName:  fh.Filename,
		MediaType: fh.Header.Get("Content-Type"),
		Data:      data,
	}, nil
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return io.ReadAll(f)
}

// handleError writes relay errors the way the caller expects them: the
// upstream's own status and body for rejections, a generic proxy error
// for transport failures.
func handleError(c echo.Context, err error) error {
	ctx := c.Request().Context()
	auditlog.EnrichEntryWithError(c, err)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var relayErr *core.RelayError
	if !errors.As(err, &relayErr) {
		slog.ErrorContext(ctx, "unexpected relay error", "error", err, "request_id", core.GetRequestID(ctx))
		return c.String(http.StatusInternalServerError, "internal error")
	}

	switch relayErr.Type {
	case core.ErrorTypeUpstreamUnreachable:
		// the full cause stays in the log
		slog.ErrorContext(ctx, "proxy error", "error", relayErr, "request_id", core.GetRequestID(ctx))
	case core.ErrorTypeUpstreamRejected:
		slog.WarnContext(ctx, "upstream rejected upload",
			"status", relayErr.StatusCode,
			"detail", auditlog.UpstreamErrorMessage(relayErr.Body),
			"request_id", core.GetRequestID(ctx),
		)
	default:
		slog.InfoContext(ctx, "malformed upload", "error", relayErr, "request_id", core.GetRequestID(ctx))
	}

	if relayErr.Type != core.ErrorTypeUpstreamRejected {
		return c.Blob(relayErr.HTTPStatusCode(), echo.MIMETextPlainCharsetUTF8, relayErr.ResponseBody())
	}
	if strings.TrimSpace(relayErr.ContentType) != "" {
		return c.Blob(relayErr.HTTPStatusCode(), relayErr.ContentType, relayErr.ResponseBody())
	}
	return writeUntyped(c, relayErr.HTTPStatusCode(), relayErr.ResponseBody())
}

// writeUntyped relays a body the upstream sent without a Content-Type.
// A nil header value keeps net/http from sniffing one.
func writeUntyped(c echo.Context, status int, body []byte) error {
	res := c.Response()
	res.Header()[echo.HeaderContentType] = nil
	res.WriteHeader(status)
	_, err := res.Write(body)
	return err
}
