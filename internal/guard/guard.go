// Package guard decides whether a page request may proceed. A guard
// answers allow or a redirect target; it never returns an error.
package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/iliyamo/facility-portal/internal/clock"
	"github.com/iliyamo/facility-portal/internal/session"
)

// Redirect targets.
const (
	LoginPath         = "/auth/login"
	TermsPath         = "/auth/terms-conditions"
	ProfilePath       = "/perfil"
	AccessDeniedPath  = "/acceso-denegado"
	NotFoundPath      = "/404"
	completeProfileQS = "?completeProfile=true"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxAttempts  = 30
)

// Decision is the outcome of a guard.
type Decision struct {
	Allow    bool
	Redirect string
}

// Allowed lets the request through.
func Allowed() Decision { return Decision{Allow: true} }

// RedirectTo denies the request and sends it to target.
func RedirectTo(target string) Decision { return Decision{Redirect: target} }

// Guard checks a navigation to target, the requested path with its query.
type Guard interface {
	Check(ctx context.Context, target string) Decision
}

// Func adapts a function to Guard.
type Func func(ctx context.Context, target string) Decision

func (f Func) Check(ctx context.Context, target string) Decision { return f(ctx, target) }

// Session is the read side of the session store used by guards.
type Session interface {
	Status() session.Status
	Resolved() <-chan struct{}
	HasPermission(code string) bool
}

// Config holds the wait ceiling shared by the session guards. The wait
// for a checking session ends after PollInterval×MaxAttempts.
type Config struct {
	Clock        clock.Clock
	PollInterval time.Duration
	MaxAttempts  int
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "guard")
	return c
}

// Timeout is how long a guard waits for a checking session.
func (c Config) Timeout() time.Duration {
	c = c.withDefaults()
	return c.PollInterval * time.Duration(c.MaxAttempts)
}

// await returns the session status once it leaves checking. It returns
// Checking when the wait ceiling or ctx ends first.
func await(ctx context.Context, s Session, cfg Config) session.Status {
	if st := s.Status(); st != session.Checking {
		return st
	}
	resolved := s.Resolved()
	deadline := cfg.Clock.After(cfg.PollInterval * time.Duration(cfg.MaxAttempts))
	select {
	case <-resolved:
		return s.Status()
	case <-deadline:
		return session.Checking
	case <-ctx.Done():
		return session.Checking
	}
}

// Chain runs guards in order and returns the first decision that is not
// an allow. A guard only runs once every earlier one has allowed.
func Chain(guards ...Guard) Guard {
	return Func(func(ctx context.Context, target string) Decision {
		for _, g := range guards {
			if d := g.Check(ctx, target); !d.Allow {
				return d
			}
		}
		return Allowed()
	})
}
