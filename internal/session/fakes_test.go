package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/facility-portal/internal/clock"
	"github.com/iliyamo/facility-portal/internal/model"
	"github.com/iliyamo/facility-portal/internal/storage"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeRefresher struct {
	mu    sync.Mutex
	calls []string
	resp  model.RefreshResponse
	err   error
	gate  chan struct{} // when set, Refresh blocks until it is closed
}

func (f *fakeRefresher) Refresh(_ context.Context, rt string) (model.RefreshResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rt)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.resp, f.err
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingObserver struct {
	mu      sync.Mutex
	authed  []int64
	cleared int
}

func (o *recordingObserver) SessionAuthenticated(_ context.Context, u *model.User) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.authed = append(o.authed, u.ID)
}

func (o *recordingObserver) SessionCleared(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleared++
}

func (o *recordingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.authed), o.cleared
}

type fakeIdentity struct {
	me        *model.User
	meErr     error
	status    *model.User
	statusErr error
	statusRT  string
}

func (f *fakeIdentity) Me(context.Context) (*model.User, error) { return f.me, f.meErr }

func (f *fakeIdentity) CheckStatus(_ context.Context, rt string) (*model.User, error) {
	f.statusRT = rt
	return f.status, f.statusErr
}

// failingStorage returns err from every call.
type failingStorage struct{ err error }

func (f failingStorage) Get(context.Context, string) (string, error) { return "", f.err }
func (f failingStorage) Set(context.Context, string, string) error   { return f.err }
func (f failingStorage) Delete(context.Context, ...string) error     { return f.err }

var errBackend = errors.New("backend unavailable")

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type harness struct {
	store   *Store
	mem     *storage.Memory
	clk     *clock.FakeClock
	refresh *fakeRefresher
	obs     *recordingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mem:     storage.NewMemory(),
		clk:     clock.Fake(epoch),
		refresh: &fakeRefresher{resp: model.RefreshResponse{AccessToken: "fresh", ExpiraEn: 900}},
		obs:     &recordingObserver{},
	}
	h.store = New(Options{
		Storage:   h.mem,
		Refresher: h.refresh,
		Clock:     h.clk,
		Logger:    quietLogger(),
		Observers: []Observer{h.obs},
	})
	return h
}

func testUser() *model.User {
	return &model.User{
		ID:           42,
		Nombre:       "Ana",
		Email:        "ana@example.com",
		Rol:          &model.Rol{ID: 2, Nombre: "staff"},
		Permisos:     []model.Permiso{{Codigo: "ver_reservas"}},
		Token:        "tok-1",
		RefreshToken: "rt-1",
	}
}

// seed writes a persisted session as a previous run would have left it.
func (h *harness) seed(t *testing.T, u *model.User, token string, last time.Time) {
	t.Helper()
	ctx := context.Background()
	if token != "" {
		if err := h.mem.Set(ctx, storage.KeyToken, token); err != nil {
			t.Fatal(err)
		}
	}
	if u != nil {
		b, err := json.Marshal(u)
		if err != nil {
			t.Fatal(err)
		}
		if err := h.mem.Set(ctx, storage.KeyUser, string(b)); err != nil {
			t.Fatal(err)
		}
	}
	if !last.IsZero() {
		if err := h.mem.Set(ctx, storage.KeyLastActivity, strconv.FormatInt(last.UnixMilli(), 10)); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *harness) persisted(key string) (string, bool) {
	v, err := h.mem.Get(context.Background(), key)
	return v, err == nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
