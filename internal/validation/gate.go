// Package validation caches the terms-acceptance and profile-completeness
// checks that guard protected pages.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/facility-portal/internal/clock"
	"github.com/iliyamo/facility-portal/internal/model"
)

const DefaultTTL = 5 * time.Second

// Checker asks the backend. The api client implements it.
type Checker interface {
	TermsAccepted(ctx context.Context) (bool, error)
	ProfileComplete(ctx context.Context) (bool, error)
}

type entry struct {
	valid bool
	value bool
	at    time.Time
}

// Gate answers the two checks from a short-lived cache. Concurrent
// misses for the same check share one backend call.
type Gate struct {
	checker Checker
	clock   clock.Clock
	ttl     time.Duration
	log     *slog.Logger
	flight  singleflight.Group

	mu              sync.Mutex
	terms           entry
	profile         entry
	comingFromLogin bool
	generation      uint64
}

// NewGate returns a Gate. A zero ttl means DefaultTTL.
func NewGate(checker Checker, clk clock.Clock, ttl time.Duration, log *slog.Logger) *Gate {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{checker: checker, clock: clk, ttl: ttl, log: log.With("component", "validation")}
}

// TermsAccepted reports whether the current user accepted the terms.
func (g *Gate) TermsAccepted(ctx context.Context) (bool, error) {
	return g.check(ctx, "terms", func(g *Gate) *entry { return &g.terms }, g.checker.TermsAccepted)
}

// ProfileComplete reports whether the current user's profile is complete.
func (g *Gate) ProfileComplete(ctx context.Context) (bool, error) {
	return g.check(ctx, "profile", func(g *Gate) *entry { return &g.profile }, g.checker.ProfileComplete)
}

func (g *Gate) check(ctx context.Context, key string, slot func(*Gate) *entry, ask func(context.Context) (bool, error)) (bool, error) {
	g.mu.Lock()
	e := slot(g)
	if e.valid && g.clock.Now().Sub(e.at) < g.ttl {
		v := e.value
		g.mu.Unlock()
		return v, nil
	}
	gen := g.generation
	g.mu.Unlock()

	v, err, shared := g.flight.Do(fmt.Sprintf("%s/%d", key, gen), func() (any, error) {
		ok, err := ask(ctx)
		if err != nil {
			return false, err
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		// A reset while the call was in flight makes the answer stale.
		if gen == g.generation {
			*slot(g) = entry{valid: true, value: ok, at: g.clock.Now()}
			if g.terms.valid && g.profile.valid {
				g.comingFromLogin = false
			}
		}
		return ok, nil
	})
	if err != nil {
		return false, fmt.Errorf("%s check: %w", key, err)
	}
	g.log.Debug("validation check", "check", key, "result", v, "shared", shared)
	return v.(bool), nil
}

// MarkLogin forces both checks to go to the backend on their next call.
func (g *Gate) MarkLogin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.comingFromLogin = true
	g.terms, g.profile = entry{}, entry{}
	g.generation++
}

// ComingFromLogin reports whether a login happened since both checks
// last ran.
func (g *Gate) ComingFromLogin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.comingFromLogin
}

// Invalidate drops cached answers, e.g. after the user accepts the terms.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terms, g.profile = entry{}, entry{}
	g.generation++
}

// Reset forgets everything.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terms, g.profile = entry{}, entry{}
	g.comingFromLogin = false
	g.generation++
}

func (g *Gate) SessionAuthenticated(context.Context, *model.User) { g.MarkLogin() }

func (g *Gate) SessionCleared(context.Context) { g.Reset() }
