// Package storage is the durable key/value mirror behind the session.
// It is a cache of the last known session, never the source of truth:
// the in-memory session owns the state once it has been resolved.
//
// Writes across keys are independent. A crash between two writes can
// leave the mirror inconsistent; readers only check presence.
package storage

import (
	"context"
	"errors"
)

// Keys persisted by the session.
const (
	KeyToken        = "token"
	KeyUser         = "user"
	KeyLastActivity = "last_activity"
)

// SessionKeys lists every key the session owns, in the order they are
// cleared.
var SessionKeys = []string{KeyToken, KeyUser, KeyLastActivity}

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Store is a small string key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes the keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}
