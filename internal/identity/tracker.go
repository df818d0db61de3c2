// Package identity tracks who is signed in through the OIDC provider.
//
// A Tracker owns the per-session state. It is built once at startup, changed
// only by provider callbacks (Begin, Notify) and closed at shutdown. Readers
// get a Snapshot copy, never the stored record.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"predictgate/internal/cache"
)

// ErrClosed is returned by a Tracker after Close.
var ErrClosed = errors.New("identity tracker closed")

const sessionKeyPrefix = "session:"

// User is the signed-in principal as reported by the identity provider.
type User struct {
	Subject  string `json:"sub"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Snapshot is the observable session state: the current user, or none, and
// whether a sign-in is still in flight.
type Snapshot struct {
	User    *User `json:"user"`
	Loading bool  `json:"loading"`
}

// SignedIn reports whether the snapshot carries a user.
func (s Snapshot) SignedIn() bool {
	return s.User != nil
}

type record struct {
	User    *User     `json:"user,omitempty"`
	Loading bool      `json:"loading"`
	Updated time.Time `json:"updated"`
}

// Tracker stores session state in a cache.Store.
type Tracker struct {
	store  cache.Store
	ttl    time.Duration
	closed atomic.Bool
}

// NewTracker creates a tracker. Session records expire after ttl of inactivity.
func NewTracker(store cache.Store, ttl time.Duration) *Tracker {
	return &Tracker{store: store, ttl: ttl}
}

// Begin opens a new session in the loading state and returns its id.
func (t *Tracker) Begin(ctx context.Context) (string, error) {
	if t.closed.Load() {
		return "", ErrClosed
	}
	sid := uuid.NewString()
	if err := t.put(ctx, sid, record{Loading: true}); err != nil {
		return "", err
	}
	return sid, nil
}

// Notify records a provider state change for sid. A nil user signs the session out.
func (t *Tracker) Notify(ctx context.Context, sid string, user *User) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if sid == "" {
		return errors.New("empty session id")
	}
	if user == nil {
		if err := t.store.Delete(ctx, sessionKeyPrefix+sid); err != nil {
			return fmt.Errorf("sign out %s: %w", sid, err)
		}
		return nil
	}
	u := *user
	return t.put(ctx, sid, record{User: &u})
}

// Snapshot returns the state of sid. Unknown or expired sessions read as signed out.
func (t *Tracker) Snapshot(ctx context.Context, sid string) (Snapshot, error) {
	if t.closed.Load() {
		return Snapshot{}, ErrClosed
	}
	if sid == "" {
		return Snapshot{}, nil
	}

	raw, err := t.store.Get(ctx, sessionKeyPrefix+sid)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load session %s: %w", sid, err)
	}
	if raw == nil {
		return Snapshot{}, nil
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Snapshot{}, fmt.Errorf("decode session %s: %w", sid, err)
	}
	return Snapshot{User: rec.User, Loading: rec.Loading}, nil
}

// Close releases the backing store. Later calls fail with ErrClosed.
func (t *Tracker) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.store.Close()
}

func (t *Tracker) put(ctx context.Context, sid string, rec record) error {
	rec.Updated = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := t.store.Set(ctx, sessionKeyPrefix+sid, data, t.ttl); err != nil {
		return fmt.Errorf("store session %s: %w", sid, err)
	}
	return nil
}
