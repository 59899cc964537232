package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/iliyamo/facility-portal/internal/model"
	"github.com/iliyamo/facility-portal/internal/storage"
)

func TestNewStartsChecking(t *testing.T) {
	h := newHarness(t)
	if got := h.store.Status(); got != Checking {
		t.Fatalf("Status() = %q, want %q", got, Checking)
	}
	if isClosed(h.store.Resolved()) {
		t.Fatal("Resolved() closed before initialization")
	}
}

func TestInitializeNothingPersisted(t *testing.T) {
	h := newHarness(t)
	// A user snapshot without a token is not a session.
	h.seed(t, testUser(), "", time.Time{})

	if err := h.store.InitializeFromStorage(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.store.Status(); got != Unauthenticated {
		t.Fatalf("Status() = %q, want %q", got, Unauthenticated)
	}
	if !isClosed(h.store.Resolved()) {
		t.Fatal("Resolved() still open")
	}
	if h.mem.Len() != 0 {
		t.Fatalf("storage keeps %d keys, want 0", h.mem.Len())
	}
	if h.clk.Pending() != 0 {
		t.Fatal("fallback timer armed for an empty session")
	}
}

func TestInitializeOptimisticThenFallbackClears(t *testing.T) {
	h := newHarness(t)
	h.seed(t, testUser(), "tok-1", epoch)
	ctx := context.Background()

	if err := h.store.InitializeFromStorage(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.store.Status(); got != Authenticated {
		t.Fatalf("Status() = %q, want %q", got, Authenticated)
	}
	if u := h.store.CurrentUser(); u == nil || u.ID != 42 {
		t.Fatalf("CurrentUser() = %+v", u)
	}
	if got := h.store.LastActivity(); !got.Equal(epoch) {
		t.Fatalf("LastActivity() = %v, want %v", got, epoch)
	}

	h.clk.Advance(DefaultBootstrapTimeout - time.Millisecond)
	if got := h.store.Status(); got != Authenticated {
		t.Fatalf("before timeout Status() = %q", got)
	}

	h.clk.Advance(time.Millisecond)
	if got := h.store.Status(); got != Unauthenticated {
		t.Fatalf("after timeout Status() = %q, want %q", got, Unauthenticated)
	}
	if h.store.CurrentUser() != nil || h.store.CurrentToken() != "" {
		t.Fatal("fields not cleared")
	}
	for _, k := range storage.SessionKeys {
		if _, ok := h.persisted(k); ok {
			t.Fatalf("key %q still persisted", k)
		}
	}
	if _, cleared := h.obs.counts(); cleared != 1 {
		t.Fatalf("observers saw %d clears, want 1", cleared)
	}
}

func TestConfirmDisarmsFallback(t *testing.T) {
	h := newHarness(t)
	h.seed(t, testUser(), "tok-1", epoch)
	ctx := context.Background()
	if err := h.store.InitializeFromStorage(ctx); err != nil {
		t.Fatal(err)
	}

	confirmed := &model.User{ID: 42, Nombre: "Ana", Permisos: []model.Permiso{{Codigo: "ver_pagos"}}}
	if err := h.store.Confirm(ctx, confirmed); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(10 * time.Second)

	if got := h.store.Status(); got != Authenticated {
		t.Fatalf("Status() = %q, want %q", got, Authenticated)
	}
	if got := h.store.CurrentToken(); got != "tok-1" {
		t.Fatalf("CurrentToken() = %q, want carried-over tok-1", got)
	}
	u := h.store.CurrentUser()
	if u.RefreshToken != "rt-1" {
		t.Fatalf("refresh credential lost: %+v", u)
	}
	if !h.store.HasPermission("ver_pagos") || h.store.HasPermission("ver_reservas") {
		t.Fatal("confirmation did not replace the permission snapshot")
	}

	raw, _ := h.persisted(storage.KeyUser)
	var stored model.User
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatal(err)
	}
	if len(stored.Permisos) != 1 || stored.Permisos[0].Codigo != "ver_pagos" {
		t.Fatalf("persisted snapshot = %+v", stored)
	}
}

func TestTokenOnlyStaysCheckingUntilConfirmed(t *testing.T) {
	h := newHarness(t)
	h.seed(t, nil, "tok-1", time.Time{})
	ctx := context.Background()

	if err := h.store.InitializeFromStorage(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.store.Status(); got != Checking {
		t.Fatalf("Status() = %q, want %q", got, Checking)
	}
	if got := h.store.CurrentToken(); got != "tok-1" {
		t.Fatalf("CurrentToken() = %q", got)
	}

	waited := make(chan Status, 1)
	go func() {
		st, _ := h.store.Wait(ctx)
		waited <- st
	}()

	if err := h.store.Confirm(ctx, &model.User{ID: 9}); err != nil {
		t.Fatal(err)
	}
	select {
	case st := <-waited:
		if st != Authenticated {
			t.Fatalf("Wait() = %q, want %q", st, Authenticated)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after confirmation")
	}
}

func TestTokenOnlyTimesOut(t *testing.T) {
	h := newHarness(t)
	h.seed(t, nil, "tok-1", time.Time{})
	if err := h.store.InitializeFromStorage(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(DefaultBootstrapTimeout)
	if got := h.store.Status(); got != Unauthenticated {
		t.Fatalf("Status() = %q, want %q", got, Unauthenticated)
	}
	if _, ok := h.persisted(storage.KeyToken); ok {
		t.Fatal("token still persisted")
	}
}

func TestConfirmWithoutAnyToken(t *testing.T) {
	h := newHarness(t)
	err := h.store.Confirm(context.Background(), &model.User{ID: 1})
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("Confirm() err = %v, want ErrNoToken", err)
	}
	if got := h.store.Status(); got != Checking {
		t.Fatalf("Status() = %q, want unchanged %q", got, Checking)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := h.store.Wait(ctx)
	if !errors.Is(err, context.Canceled) || st != Checking {
		t.Fatalf("Wait() = %q, %v", st, err)
	}
}

func TestOnSuccessfulLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.store.OnSuccessfulLogin(ctx, testUser()); err != nil {
		t.Fatal(err)
	}
	if got := h.store.Status(); got != Authenticated {
		t.Fatalf("Status() = %q", got)
	}
	if tok, _ := h.persisted(storage.KeyToken); tok != "tok-1" {
		t.Fatalf("persisted token = %q", tok)
	}
	last, _ := h.persisted(storage.KeyLastActivity)
	if want := strconv.FormatInt(epoch.UnixMilli(), 10); last != want {
		t.Fatalf("persisted last_activity = %q, want %q", last, want)
	}
	if authed, _ := h.obs.counts(); authed != 1 {
		t.Fatalf("observers saw %d logins, want 1", authed)
	}

	if err := h.store.OnSuccessfulLogin(ctx, nil); !errors.Is(err, ErrNoUser) {
		t.Fatalf("nil user err = %v", err)
	}
	if err := h.store.OnSuccessfulLogin(ctx, &model.User{ID: 3}); !errors.Is(err, ErrNoToken) {
		t.Fatalf("tokenless user err = %v", err)
	}
}

func TestClearSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.OnSuccessfulLogin(ctx, testUser()); err != nil {
		t.Fatal(err)
	}

	h.store.ClearSession(ctx)
	first := [3]any{h.store.Status(), h.store.CurrentUser(), h.store.CurrentToken()}
	firstLen := h.mem.Len()

	h.store.ClearSession(ctx)
	second := [3]any{h.store.Status(), h.store.CurrentUser(), h.store.CurrentToken()}

	if first[0] != Unauthenticated || first[0] != second[0] || first[2] != second[2] {
		t.Fatalf("state changed between clears: %v vs %v", first, second)
	}
	if h.store.CurrentUser() != nil {
		t.Fatal("user survived clear")
	}
	if firstLen != 0 || h.mem.Len() != 0 {
		t.Fatalf("storage len %d/%d, want 0", firstLen, h.mem.Len())
	}
	if _, cleared := h.obs.counts(); cleared != 1 {
		t.Fatalf("observers saw %d clears, want 1", cleared)
	}
}

func TestIsSessionValidInactivityBoundary(t *testing.T) {
	cases := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{"fresh", 0, true},
		{"just inside", DefaultInactivityWindow - time.Millisecond, true},
		{"exactly at window", DefaultInactivityWindow, true},
		{"just past", DefaultInactivityWindow + time.Millisecond, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			if err := h.store.OnSuccessfulLogin(ctx, testUser()); err != nil {
				t.Fatal(err)
			}
			h.clk.Advance(tc.elapsed)

			if got := h.store.IsSessionValid(ctx); got != tc.want {
				t.Fatalf("IsSessionValid() = %v, want %v", got, tc.want)
			}
			wantStatus := Authenticated
			if !tc.want {
				wantStatus = Unauthenticated
			}
			if got := h.store.Status(); got != wantStatus {
				t.Fatalf("Status() = %q, want %q", got, wantStatus)
			}
		})
	}
}

func TestIsSessionValidUsesLatestActivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.OnSuccessfulLogin(ctx, testUser()); err != nil {
		t.Fatal(err)
	}

	// Persisted.
	h.clk.Advance(DefaultInactivityWindow - 30*time.Second)
	h.store.Touch(ctx)
	// Inside the persistence throttle: memory only.
	h.clk.Advance(30 * time.Second)
	h.store.Touch(ctx)
	lastTouch := h.clk.Now()

	h.clk.Advance(DefaultInactivityWindow - 10*time.Second)
	if !h.store.IsSessionValid(ctx) {
		t.Fatalf("session idle %v reported invalid", h.clk.Now().Sub(lastTouch))
	}
	if got := h.store.Status(); got != Authenticated {
		t.Fatalf("Status() = %q", got)
	}

	h.clk.Advance(10*time.Second + time.Millisecond)
	if h.store.IsSessionValid(ctx) {
		t.Fatal("session past the window reported valid")
	}
	if got := h.store.Status(); got != Unauthenticated {
		t.Fatalf("Status() = %q", got)
	}
}

func TestConfirmStampsMissingActivity(t *testing.T) {
	h := newHarness(t)
	h.seed(t, nil, "tok-1", time.Time{})
	ctx := context.Background()
	if err := h.store.InitializeFromStorage(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Confirm(ctx, testUser()); err != nil {
		t.Fatal(err)
	}
	if got := h.store.LastActivity(); !got.Equal(epoch) {
		t.Fatalf("LastActivity() = %v, want %v", got, epoch)
	}
	if got, _ := h.persisted(storage.KeyLastActivity); got != strconv.FormatInt(epoch.UnixMilli(), 10) {
		t.Fatalf("persisted last_activity = %q", got)
	}

	h.clk.Advance(DefaultInactivityWindow + time.Millisecond)
	if h.store.IsSessionValid(ctx) {
		t.Fatal("confirmed session never expires")
	}
}

func TestStaleFallbackKeepsConfirmedSession(t *testing.T) {
	h := newHarness(t)
	h.seed(t, testUser(), "tok-1", epoch)
	ctx := context.Background()
	if err := h.store.InitializeFromStorage(ctx); err != nil {
		t.Fatal(err)
	}
	h.store.mu.RLock()
	armedAt := h.store.generation
	h.store.mu.RUnlock()

	if err := h.store.Confirm(ctx, testUser()); err != nil {
		t.Fatal(err)
	}
	h.store.expireUnconfirmed(armedAt)
	if got := h.store.Status(); got != Authenticated {
		t.Fatalf("stale fallback cleared a confirmed session: %q", got)
	}

	h.store.mu.RLock()
	current := h.store.generation
	h.store.mu.RUnlock()
	h.store.expireUnconfirmed(current)
	if got := h.store.Status(); got != Unauthenticated {
		t.Fatalf("current fallback left status %q", got)
	}
	if h.mem.Len() != 0 {
		t.Fatalf("storage keeps %d keys", h.mem.Len())
	}
}

func TestIsSessionValidNeedsTokenAndUser(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	if h.store.IsSessionValid(ctx) {
		t.Fatal("empty session reported valid")
	}

	h = newHarness(t)
	h.seed(t, nil, "tok-1", time.Time{})
	if h.store.IsSessionValid(ctx) {
		t.Fatal("token without persisted user reported valid")
	}

	h = newHarness(t)
	h.seed(t, testUser(), "tok-1", time.Time{})
	if !h.store.IsSessionValid(ctx) {
		t.Fatal("persisted token and user reported invalid")
	}
}

func TestHasPermission(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		user *model.User
		code string
		want bool
	}{
		{"granted", testUser(), "ver_reservas", true},
		{"missing", testUser(), "ver_roles", false},
		{"admin", &model.User{ID: 1, Token: "t", Rol: &model.Rol{Nombre: "ADMINISTRADOR"}}, "ver_roles", true},
		{"no permissions", &model.User{ID: 2, Token: "t"}, "ver_reservas", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if err := h.store.OnSuccessfulLogin(ctx, tc.user); err != nil {
				t.Fatal(err)
			}
			if got := h.store.HasPermission(tc.code); got != tc.want {
				t.Fatalf("HasPermission(%q) = %v, want %v", tc.code, got, tc.want)
			}
		})
	}

	if newHarness(t).store.HasPermission("ver_reservas") {
		t.Fatal("permission granted without a user")
	}
}

func TestRefreshAccessToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.OnSuccessfulLogin(ctx, testUser()); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(time.Hour)

	tok, err := h.store.RefreshAccessToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "fresh" || h.store.CurrentToken() != "fresh" {
		t.Fatalf("token = %q / %q, want fresh", tok, h.store.CurrentToken())
	}
	if got := h.refresh.calls; len(got) != 1 || got[0] != "rt-1" {
		t.Fatalf("refresher calls = %v", got)
	}
	if got := h.store.LastActivity(); !got.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("LastActivity() = %v", got)
	}
	if persisted, _ := h.persisted(storage.KeyToken); persisted != "fresh" {
		t.Fatalf("persisted token = %q", persisted)
	}
	if u := h.store.CurrentUser(); u.Token != "fresh" {
		t.Fatalf("user snapshot token = %q", u.Token)
	}
}

func TestRefreshAccessTokenFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.refresh.err = errBackend
	ctx := context.Background()
	if err := h.store.OnSuccessfulLogin(ctx, testUser()); err != nil {
		t.Fatal(err)
	}

	if _, err := h.store.RefreshAccessToken(ctx); !errors.Is(err, errBackend) {
		t.Fatalf("err = %v, want wrapped errBackend", err)
	}
	if h.store.Status() != Authenticated || h.store.CurrentToken() != "tok-1" {
		t.Fatal("failed refresh changed the session")
	}
}

func TestRefreshDiscardedWhenSessionClearedMeanwhile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.OnSuccessfulLogin(ctx, testUser()); err != nil {
		t.Fatal(err)
	}
	gate := make(chan struct{})
	h.refresh.mu.Lock()
	h.refresh.gate = gate
	h.refresh.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := h.store.RefreshAccessToken(ctx)
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for h.refresh.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("refresh never reached the refresher")
		}
		time.Sleep(time.Millisecond)
	}

	h.store.ClearSession(ctx)
	close(gate)

	select {
	case err := <-done:
		if !errors.Is(err, ErrSessionEnded) {
			t.Fatalf("err = %v, want ErrSessionEnded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not return")
	}
	if got := h.store.Status(); got != Unauthenticated {
		t.Fatalf("Status() = %q", got)
	}
	if tok := h.store.CurrentToken(); tok != "" {
		t.Fatalf("CurrentToken() = %q after clear", tok)
	}
	for _, k := range storage.SessionKeys {
		if v, ok := h.persisted(k); ok {
			t.Fatalf("key %q persisted as %q after clear", k, v)
		}
	}
}

func TestConfirmAfterFallbackIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.seed(t, nil, "tok-1", time.Time{})
	ctx := context.Background()
	if err := h.store.InitializeFromStorage(ctx); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(DefaultBootstrapTimeout)

	err := h.store.Confirm(ctx, &model.User{ID: 42, Token: "tok-2"})
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Confirm() err = %v, want ErrSessionEnded", err)
	}
	if got := h.store.Status(); got != Unauthenticated {
		t.Fatalf("Status() = %q", got)
	}
	if h.mem.Len() != 0 {
		t.Fatalf("storage keeps %d keys", h.mem.Len())
	}
}

func TestRefreshAccessTokenWithoutCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := testUser()
	u.RefreshToken = ""
	if err := h.store.OnSuccessfulLogin(ctx, u); err != nil {
		t.Fatal(err)
	}

	if _, err := h.store.RefreshAccessToken(ctx); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("err = %v, want ErrNoRefreshToken", err)
	}
	if h.refresh.Calls() != 0 {
		t.Fatal("refresher called without a credential")
	}
}

func TestRefreshUsesPersistedCredential(t *testing.T) {
	h := newHarness(t)
	h.seed(t, testUser(), "tok-1", time.Time{})
	if _, err := h.store.RefreshAccessToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.refresh.calls; len(got) != 1 || got[0] != "rt-1" {
		t.Fatalf("refresher calls = %v", got)
	}
}

func TestTouchThrottlesPersistence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Touch(ctx)
	if !h.store.LastActivity().IsZero() {
		t.Fatal("Touch recorded activity while checking")
	}

	if err := h.store.OnSuccessfulLogin(ctx, testUser()); err != nil {
		t.Fatal(err)
	}
	loginMillis := strconv.FormatInt(epoch.UnixMilli(), 10)

	h.clk.Advance(30 * time.Second)
	h.store.Touch(ctx)
	if got := h.store.LastActivity(); !got.Equal(epoch.Add(30 * time.Second)) {
		t.Fatalf("LastActivity() = %v", got)
	}
	if got, _ := h.persisted(storage.KeyLastActivity); got != loginMillis {
		t.Fatalf("persisted too early: %q", got)
	}

	h.clk.Advance(31 * time.Second)
	h.store.Touch(ctx)
	want := strconv.FormatInt(epoch.Add(61*time.Second).UnixMilli(), 10)
	if got, _ := h.persisted(storage.KeyLastActivity); got != want {
		t.Fatalf("persisted last_activity = %q, want %q", got, want)
	}
}

func TestInitializeStorageError(t *testing.T) {
	s := New(Options{Storage: failingStorage{err: errBackend}, Logger: quietLogger()})
	err := s.InitializeFromStorage(context.Background())
	if !errors.Is(err, errBackend) {
		t.Fatalf("err = %v, want errBackend", err)
	}
	if got := s.Status(); got != Unauthenticated {
		t.Fatalf("Status() = %q, want %q", got, Unauthenticated)
	}
}
