// Package session owns the authentication state of the portal: a
// tri-state status (checking, authenticated, unauthenticated), the user
// identity and the bearer token, mirrored in durable storage.
//
// Every mutation goes through Store methods. Guards, the HTTP
// interceptor and page handlers only read through the accessor views.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/facility-portal/internal/clock"
	"github.com/iliyamo/facility-portal/internal/model"
	"github.com/iliyamo/facility-portal/internal/storage"
)

// Status is the tri-state session status.
type Status string

const (
	Checking        Status = "checking"
	Authenticated   Status = "authenticated"
	Unauthenticated Status = "unauthenticated"
)

const (
	DefaultBootstrapTimeout = 5 * time.Second
	DefaultInactivityWindow = 8 * time.Hour

	// lastActivity is kept in memory on every interaction but only
	// written to storage this often.
	activityPersistEvery = time.Minute
)

var (
	// ErrNoToken is returned when a session would be authenticated
	// without a bearer token.
	ErrNoToken = errors.New("session: no token available")
	// ErrNoRefreshToken is returned by RefreshAccessToken when no refresh
	// credential is held.
	ErrNoRefreshToken = errors.New("session: no refresh token available")
	// ErrNoUser is returned when a login or confirmation carries no user.
	ErrNoUser = errors.New("session: no user in response")
	// ErrSessionEnded is returned when the session was cleared or
	// replaced while a refresh or confirmation was in flight. The late
	// result is discarded.
	ErrSessionEnded = errors.New("session: ended while the call was in flight")
)

// Refresher exchanges a refresh credential for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refresh string) (model.RefreshResponse, error)
}

// Observer is notified after the session becomes authenticated (login or
// confirmation) and after it is cleared. Calls happen outside the
// store's lock, in the goroutine that caused the transition.
type Observer interface {
	SessionAuthenticated(ctx context.Context, u *model.User)
	SessionCleared(ctx context.Context)
}

// Options configures a Store. Storage is required.
type Options struct {
	Storage          storage.Store
	Refresher        Refresher
	Clock            clock.Clock
	Logger           *slog.Logger
	BootstrapTimeout time.Duration
	InactivityWindow time.Duration
	Observers        []Observer
}

// Store is the single authoritative holder of the session.
type Store struct {
	storage    storage.Store
	refresher  Refresher
	clock      clock.Clock
	log        *slog.Logger
	timeout    time.Duration
	inactivity time.Duration

	obsMu     sync.RWMutex
	observers []Observer

	refreshes singleflight.Group

	// writeMu serializes every change that touches storage so a clear
	// and a late write cannot interleave. Taken before mu.
	writeMu sync.Mutex

	mu            sync.RWMutex
	status        Status
	user          *model.User
	token         string
	lastActivity  time.Time
	lastPersisted time.Time
	resolved      chan struct{} // closed when status leaves checking
	fallback      *clock.Timer
	generation    uint64 // bumps on every transition; stale fallback timers compare it
}

// New returns a Store in the checking state. Call InitializeFromStorage
// (usually through a Bootstrapper) to resolve it.
func New(opts Options) *Store {
	if opts.Storage == nil {
		panic("session: nil storage passed to New")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BootstrapTimeout <= 0 {
		opts.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if opts.InactivityWindow <= 0 {
		opts.InactivityWindow = DefaultInactivityWindow
	}
	return &Store{
		storage:    opts.Storage,
		refresher:  opts.Refresher,
		clock:      opts.Clock,
		log:        opts.Logger.With("component", "session"),
		timeout:    opts.BootstrapTimeout,
		inactivity: opts.InactivityWindow,
		observers:  append([]Observer(nil), opts.Observers...),
		status:     Checking,
		resolved:   make(chan struct{}),
	}
}

// AddObserver registers o for subsequent transitions.
func (s *Store) AddObserver(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// Status returns the current status.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsAuthenticated reports whether the status is authenticated.
func (s *Store) IsAuthenticated() bool { return s.Status() == Authenticated }

// CurrentUser returns a copy of the identity, or nil.
func (s *Store) CurrentUser() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.Clone()
}

// CurrentToken returns the bearer token, possibly empty.
func (s *Store) CurrentToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// LastActivity returns the last confirmed-authenticated interaction.
func (s *Store) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Resolved returns a channel that is closed once the status is no longer
// checking. It is already closed when the status is resolved.
func (s *Store) Resolved() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolved
}

// Wait blocks until the status leaves checking or ctx is done.
func (s *Store) Wait(ctx context.Context) (Status, error) {
	select {
	case <-s.Resolved():
		return s.Status(), nil
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

// HasPermission reports whether the current user may use code. The
// administrator role is granted everything.
func (s *Store) HasPermission(code string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.Grants(code)
}

// setStatusLocked moves the state machine and keeps the resolved
// channel in step with it. Must be called with s.mu held.
func (s *Store) setStatusLocked(next Status) {
	prev := s.status
	s.status = next
	s.generation++
	switch {
	case prev == Checking && next != Checking:
		close(s.resolved)
	case prev != Checking && next == Checking:
		s.resolved = make(chan struct{})
	}
}

func (s *Store) stopFallbackLocked() {
	if s.fallback != nil {
		s.fallback.Stop()
		s.fallback = nil
	}
}

// armFallbackLocked schedules the forced logout that fires when no
// confirmation arrives within the bootstrap timeout.
func (s *Store) armFallbackLocked() {
	s.stopFallbackLocked()
	gen := s.generation
	s.fallback = s.clock.AfterFunc(s.timeout, func() { s.expireUnconfirmed(gen) })
}

func (s *Store) expireUnconfirmed(gen uint64) {
	stale := func() bool { return gen != s.generation }
	if s.clearUnless(context.Background(), stale) {
		s.log.Warn("session not confirmed in time, cleared", "timeout", s.timeout)
	}
}

// InitializeFromStorage reconciles the durable mirror with memory. It
// makes no network call: a persisted token and user give an optimistic
// authenticated session, a token alone stays checking, and both cases
// arm the fallback timer that clears the session unless Confirm or a
// login arrives first. Nothing persisted resolves to unauthenticated.
func (s *Store) InitializeFromStorage(ctx context.Context) error {
	token, tokenErr := s.getKey(ctx, storage.KeyToken)
	rawUser, userErr := s.getKey(ctx, storage.KeyUser)
	rawActivity, _ := s.getKey(ctx, storage.KeyLastActivity)

	if err := errors.Join(tokenErr, userErr); err != nil {
		s.mu.Lock()
		s.stopFallbackLocked()
		s.user, s.token = nil, ""
		s.setStatusLocked(Unauthenticated)
		s.mu.Unlock()
		return fmt.Errorf("read session storage: %w", err)
	}

	var user *model.User
	if rawUser != "" {
		var u model.User
		if err := json.Unmarshal([]byte(rawUser), &u); err != nil {
			s.log.Warn("discarding unreadable user snapshot", "err", err)
		} else {
			u.Normalize()
			user = &u
		}
	}

	if token == "" {
		s.mu.Lock()
		s.stopFallbackLocked()
		s.user, s.token, s.lastActivity = nil, "", time.Time{}
		s.setStatusLocked(Unauthenticated)
		s.mu.Unlock()
		// A stray user snapshot without a token must not survive.
		if err := s.storage.Delete(ctx, storage.SessionKeys...); err != nil {
			s.log.Warn("clear session storage", "err", err)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.lastActivity = parseMillis(rawActivity)
	s.lastPersisted = s.lastActivity
	if user != nil {
		if user.Token == "" {
			user.Token = token
		}
		s.user = user
		s.setStatusLocked(Authenticated)
	} else {
		s.user = nil
		s.setStatusLocked(Checking)
	}
	s.armFallbackLocked()
	return nil
}

// Confirm records an external confirmation of the session, typically
// the identity fetched from /me. The snapshot replaces the stored one;
// a missing token or refresh credential is carried over.
func (s *Store) Confirm(ctx context.Context, u *model.User) error {
	if u == nil {
		return ErrNoUser
	}
	user := u.Clone()
	user.Normalize()
	now := s.clock.Now()

	s.writeMu.Lock()
	s.mu.Lock()
	if s.status == Unauthenticated {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return ErrSessionEnded
	}
	if user.Token == "" {
		user.Token = s.token
	}
	if user.Token == "" {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return ErrNoToken
	}
	if user.RefreshToken == "" && s.user != nil {
		user.RefreshToken = s.user.RefreshToken
	}
	stamp := s.lastActivity.IsZero()
	if stamp {
		s.lastActivity, s.lastPersisted = now, now
	}
	s.stopFallbackLocked()
	s.user = user
	s.token = user.Token
	s.setStatusLocked(Authenticated)
	s.mu.Unlock()

	s.persistUser(ctx, user)
	if stamp {
		s.persistActivity(ctx, now)
	}
	s.writeMu.Unlock()

	s.notifyAuthenticated(ctx, user)
	return nil
}

// OnSuccessfulLogin persists the user and token, stamps lastActivity and
// moves to authenticated. Storage failures are logged; the in-memory
// session is authoritative.
func (s *Store) OnSuccessfulLogin(ctx context.Context, u *model.User) error {
	if u == nil {
		return ErrNoUser
	}
	user := u.Clone()
	user.Normalize()
	if user.Token == "" {
		return ErrNoToken
	}
	now := s.clock.Now()

	s.writeMu.Lock()
	s.persistUser(ctx, user)
	s.persistActivity(ctx, now)

	s.mu.Lock()
	s.stopFallbackLocked()
	s.user = user
	s.token = user.Token
	s.lastActivity = now
	s.lastPersisted = now
	s.setStatusLocked(Authenticated)
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.log.Info("session authenticated", "user_id", user.ID)
	s.notifyAuthenticated(ctx, user)
	return nil
}

// ClearSession removes every persisted key, nulls the in-memory fields
// and moves to unauthenticated. Calling it on a clear session changes
// nothing and notifies nobody.
func (s *Store) ClearSession(ctx context.Context) {
	s.clearUnless(ctx, nil)
}

// clearUnless clears the session unless keep, evaluated under the lock,
// reports true. It returns whether the in-memory session changed.
func (s *Store) clearUnless(ctx context.Context, keep func() bool) bool {
	s.writeMu.Lock()
	s.mu.Lock()
	if keep != nil && keep() {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return false
	}
	changed := s.clearLocked()
	s.mu.Unlock()
	if err := s.storage.Delete(ctx, storage.SessionKeys...); err != nil {
		s.log.Warn("clear session storage", "err", err)
	}
	s.writeMu.Unlock()

	if !changed {
		return false
	}
	s.log.Info("session cleared")
	for _, o := range s.snapshotObservers() {
		o.SessionCleared(ctx)
	}
	return true
}

// clearLocked nulls the in-memory session. Must be called with s.mu held.
func (s *Store) clearLocked() bool {
	changed := s.status != Unauthenticated || s.user != nil || s.token != ""
	s.stopFallbackLocked()
	s.user, s.token = nil, ""
	s.lastActivity, s.lastPersisted = time.Time{}, time.Time{}
	if s.status != Unauthenticated {
		s.setStatusLocked(Unauthenticated)
	}
	return changed
}

// IsSessionValid is a read with a side effect: it returns false when no
// token or no persisted user exists, and when the inactivity window has
// passed it also clears the session.
func (s *Store) IsSessionValid(ctx context.Context) bool {
	s.mu.RLock()
	token, last, user := s.token, s.lastActivity, s.user
	s.mu.RUnlock()

	if token == "" {
		t, err := s.getKey(ctx, storage.KeyToken)
		if err != nil || t == "" {
			return false
		}
	}
	rawUser, err := s.getKey(ctx, storage.KeyUser)
	switch {
	case err != nil && user == nil:
		return false
	case err == nil && rawUser == "":
		return false
	}

	// Touch persists at most once a minute, so storage may lag memory.
	if raw, err := s.getKey(ctx, storage.KeyLastActivity); err == nil && raw != "" {
		if persisted := parseMillis(raw); persisted.After(last) {
			last = persisted
		}
	}
	if !last.IsZero() && s.clock.Now().Sub(last) > s.inactivity {
		s.log.Info("session inactive too long", "last_activity", last)
		s.ClearSession(ctx)
		return false
	}
	return true
}

// Touch records a confirmed-authenticated interaction.
func (s *Store) Touch(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	if s.status != Authenticated {
		s.mu.Unlock()
		return
	}
	s.lastActivity = now
	if now.Sub(s.lastPersisted) < activityPersistEvery {
		s.mu.Unlock()
		return
	}
	s.lastPersisted = now
	gen := s.generation
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	current := gen == s.generation
	s.mu.RUnlock()
	if current {
		s.persistActivity(ctx, now)
	}
}

// RefreshAccessToken exchanges the refresh credential for a new access
// token. On success the token and lastActivity are updated; on failure
// the session is left as is and the caller decides. Concurrent calls
// share one exchange.
func (s *Store) RefreshAccessToken(ctx context.Context) (string, error) {
	v, err, _ := s.refreshes.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) refresh(ctx context.Context) (string, error) {
	if s.refresher == nil {
		return "", ErrNoRefreshToken
	}
	s.mu.RLock()
	gen := s.generation
	s.mu.RUnlock()
	rt := s.refreshCredential(ctx)
	if rt == "" {
		return "", ErrNoRefreshToken
	}
	resp, err := s.refresher.Refresh(ctx, rt)
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("refresh access token: %w", ErrNoToken)
	}

	now := s.clock.Now()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	if gen != s.generation || s.status == Unauthenticated {
		s.mu.Unlock()
		s.log.Info("discarding refreshed token, session ended meanwhile")
		return "", ErrSessionEnded
	}
	s.token = resp.AccessToken
	s.lastActivity = now
	s.lastPersisted = now
	var user *model.User
	if s.user != nil {
		s.user.Token = resp.AccessToken
		user = s.user.Clone()
	}
	s.mu.Unlock()

	if err := s.storage.Set(ctx, storage.KeyToken, resp.AccessToken); err != nil {
		s.log.Warn("persist refreshed token", "err", err)
	}
	if user != nil {
		s.persistUser(ctx, user)
	}
	s.persistActivity(ctx, now)
	s.log.Debug("access token refreshed", "expires_in", resp.ExpiraEn)
	return resp.AccessToken, nil
}

// refreshCredential returns the refresh token from memory, falling back
// to the persisted snapshot.
func (s *Store) refreshCredential(ctx context.Context) string {
	s.mu.RLock()
	if s.user != nil && s.user.RefreshToken != "" {
		rt := s.user.RefreshToken
		s.mu.RUnlock()
		return rt
	}
	s.mu.RUnlock()

	raw, err := s.getKey(ctx, storage.KeyUser)
	if err != nil || raw == "" {
		return ""
	}
	var u model.User
	if json.Unmarshal([]byte(raw), &u) != nil {
		return ""
	}
	return u.RefreshToken
}

// getKey reads a key, mapping ErrNotFound to an empty value.
func (s *Store) getKey(ctx context.Context, key string) (string, error) {
	v, err := s.storage.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *Store) persistUser(ctx context.Context, u *model.User) {
	b, err := json.Marshal(u)
	if err != nil {
		s.log.Warn("encode user snapshot", "err", err)
		return
	}
	if err := s.storage.Set(ctx, storage.KeyUser, string(b)); err != nil {
		s.log.Warn("persist user snapshot", "err", err)
	}
	if err := s.storage.Set(ctx, storage.KeyToken, u.Token); err != nil {
		s.log.Warn("persist token", "err", err)
	}
}

func (s *Store) persistActivity(ctx context.Context, t time.Time) {
	if err := s.storage.Set(ctx, storage.KeyLastActivity, strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
		s.log.Warn("persist last activity", "err", err)
	}
}

func (s *Store) snapshotObservers() []Observer {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	return append([]Observer(nil), s.observers...)
}

func (s *Store) notifyAuthenticated(ctx context.Context, u *model.User) {
	for _, o := range s.snapshotObservers() {
		o.SessionAuthenticated(ctx, u.Clone())
	}
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
