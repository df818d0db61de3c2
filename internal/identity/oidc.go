package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"predictgate/config"
)

const (
	stateCookie = "predictgate_oidc_state"
	nonceCookie = "predictgate_oidc_nonce"
	nextCookie  = "predictgate_oidc_next"
)

// Provider is the identity provider side of the authorization-code flow.
type Provider interface {
	// AuthCodeURL is where the browser is sent to sign in.
	AuthCodeURL(state, nonce string) string
	// Exchange trades the callback code for the verified user.
	Exchange(ctx context.Context, code, nonce string) (*User, error)
}

// OIDCProvider implements Provider with OpenID Connect discovery.
type OIDCProvider struct {
	oauth2Config oauth2.Config
	verifier     *oidc.IDTokenVerifier
}

// NewOIDCProvider discovers the issuer. httpClient is used for discovery,
// key fetches and the token exchange.
func NewOIDCProvider(ctx context.Context, cfg config.IdentityConfig, httpClient *http.Client) (*OIDCProvider, error) {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, strings.TrimSpace(cfg.IssuerURL))
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	return &OIDCProvider{
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth2Config.AuthCodeURL(state, oidc.Nonce(nonce))
}

func (p *OIDCProvider) Exchange(ctx context.Context, code, nonce string) (*User, error) {
	token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("missing id token")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}
	if idToken.Nonce == "" || idToken.Nonce != nonce {
		return nil, errors.New("id token nonce mismatch")
	}

	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
		Name              string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse id token claims: %w", err)
	}
	return userFromClaims(idToken.Subject, claims.PreferredUsername, claims.Email, claims.Name), nil
}

func userFromClaims(subject, preferred, email, name string) *User {
	username := strings.TrimSpace(preferred)
	if username == "" && strings.Contains(email, "@") {
		username = strings.TrimSpace(strings.SplitN(email, "@", 2)[0])
	}
	if username == "" {
		username = strings.TrimSpace(subject)
	}
	displayName := strings.TrimSpace(name)
	if displayName == "" {
		displayName = username
	}
	return &User{
		Subject:  subject,
		Username: username,
		Email:    strings.TrimSpace(email),
		Name:     displayName,
	}
}

// Handler serves the /auth routes.
type Handler struct {
	provider Provider
	tracker  *Tracker
	cookies  *CookieManager
}

// NewHandler wires a provider to the tracker and session cookie.
func NewHandler(provider Provider, tracker *Tracker, cookies *CookieManager) *Handler {
	return &Handler{provider: provider, tracker: tracker, cookies: cookies}
}

// Login starts a session in the loading state and redirects to the provider.
func (h *Handler) Login(c echo.Context) error {
	r := c.Request()
	w := c.Response()

	state, err := randomString(32)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate state")
	}
	nonce, err := randomString(32)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate nonce")
	}

	sid, err := h.tracker.Begin(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to begin session", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start session")
	}
	if err := h.cookies.Issue(w, r, sid); err != nil {
		slog.ErrorContext(r.Context(), "failed to issue session cookie", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start session")
	}

	setShortCookie(w, r, stateCookie, state)
	setShortCookie(w, r, nonceCookie, nonce)
	setShortCookie(w, r, nextCookie, url.QueryEscape(sanitizeNext(c.QueryParam("next"))))

	return c.Redirect(http.StatusFound, h.provider.AuthCodeURL(state, nonce))
}

// Callback completes the flow and notifies the tracker of the signed-in user.
func (h *Handler) Callback(c echo.Context) error {
	r := c.Request()
	w := c.Response()
	ctx := r.Context()

	state := strings.TrimSpace(c.QueryParam("state"))
	code := strings.TrimSpace(c.QueryParam("code"))
	if state == "" || code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing oidc parameters")
	}
	if sc, err := r.Cookie(stateCookie); err != nil || sc.Value == "" || sc.Value != state {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid oidc state")
	}
	nc, err := r.Cookie(nonceCookie)
	if err != nil || nc.Value == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing oidc nonce")
	}

	sid, err := h.cookies.Parse(r)
	if err != nil {
		// cookie lost between login and callback
		if sid, err = h.tracker.Begin(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to begin session", "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to start session")
		}
	}

	user, err := h.provider.Exchange(ctx, code, nc.Value)
	if err != nil {
		slog.WarnContext(ctx, "oidc sign-in failed", "error", err)
		_ = h.tracker.Notify(ctx, sid, nil)
		h.cookies.Clear(w)
		return echo.NewHTTPError(http.StatusUnauthorized, "sign-in failed")
	}

	if err := h.tracker.Notify(ctx, sid, user); err != nil {
		slog.ErrorContext(ctx, "failed to record sign-in", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record session")
	}
	if err := h.cookies.Issue(w, r, sid); err != nil {
		slog.ErrorContext(ctx, "failed to issue session cookie", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record session")
	}
	clearCookie(w, stateCookie)
	clearCookie(w, nonceCookie)

	next := "/"
	if ck, err := r.Cookie(nextCookie); err == nil && ck.Value != "" {
		if decoded, err := url.QueryUnescape(ck.Value); err == nil {
			next = sanitizeNext(decoded)
		}
	}
	clearCookie(w, nextCookie)

	slog.InfoContext(ctx, "user signed in", "username", user.Username)
	return c.Redirect(http.StatusFound, next)
}

// Logout signs the session out and navigates home.
func (h *Handler) Logout(c echo.Context) error {
	r := c.Request()
	if sid, err := h.cookies.Parse(r); err == nil {
		if err := h.tracker.Notify(r.Context(), sid, nil); err != nil {
			slog.WarnContext(r.Context(), "failed to sign out session", "error", err)
		}
	}
	h.cookies.Clear(c.Response())
	return c.Redirect(http.StatusFound, "/")
}

// Session returns the caller's snapshot.
func (h *Handler) Session(c echo.Context) error {
	snap, err := h.Current(c.Request())
	if err != nil {
		slog.ErrorContext(c.Request().Context(), "failed to read session", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read session")
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, snap)
}

// Current returns the snapshot for the request's session cookie.
// A missing or invalid cookie reads as signed out.
func (h *Handler) Current(r *http.Request) (Snapshot, error) {
	sid, err := h.cookies.Parse(r)
	if err != nil {
		return Snapshot{}, nil
	}
	return h.tracker.Snapshot(r.Context(), sid)
}

func sanitizeNext(raw string) string {
	next := strings.TrimSpace(raw)
	if next == "" {
		return "/"
	}
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "://") || strings.Contains(next, "\\") {
		return "/"
	}
	return next
}

func randomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
