package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/iliyamo/facility-portal/internal/model"
)

// IdentitySource confirms a restored session against the backend.
type IdentitySource interface {
	Me(ctx context.Context) (*model.User, error)
	CheckStatus(ctx context.Context, refreshToken string) (*model.User, error)
}

// Bootstrapper restores the session at process start and confirms it in
// the background.
type Bootstrapper struct {
	Store    *Store
	Identity IdentitySource
	Logger   *slog.Logger
}

// Run restores from storage and, when a token was found, starts the
// confirmation. It returns before the confirmation completes; callers
// that need the outcome use Store.Wait or the done channel.
func (b *Bootstrapper) Run(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	if err := b.Store.InitializeFromStorage(ctx); err != nil {
		b.logger().Warn("restore session", "err", err)
	}
	if b.Store.CurrentToken() == "" || b.Identity == nil {
		done <- nil
		close(done)
		return done
	}
	go func() {
		defer close(done)
		done <- b.Confirm(ctx)
	}()
	return done
}

// Confirm fetches the identity and records it. /me is tried first; when
// it fails the refresh credential is checked through /check-status. A
// failure of both clears the session.
func (b *Bootstrapper) Confirm(ctx context.Context) error {
	user, err := b.Identity.Me(ctx)
	if err != nil {
		if rt := b.Store.refreshCredential(ctx); rt != "" && ctx.Err() == nil {
			var statusErr error
			user, statusErr = b.Identity.CheckStatus(ctx, rt)
			err = errors.Join(err, statusErr)
			if statusErr == nil {
				err = nil
			}
		}
	}
	if err == nil && user == nil {
		err = ErrNoUser
	}
	if err != nil {
		b.logger().Info("session confirmation failed", "err", err)
		b.Store.ClearSession(ctx)
		return fmt.Errorf("confirm session: %w", err)
	}
	if err := b.Store.Confirm(ctx, user); err != nil {
		b.Store.ClearSession(ctx)
		return fmt.Errorf("confirm session: %w", err)
	}
	b.logger().Info("session confirmed", "user_id", user.ID)
	return nil
}

func (b *Bootstrapper) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}
