// Package querycache holds the last identity the backend returned so
// pages can show who is signed in without another /me call. A login
// publishes into it and a cleared session invalidates it.
package querycache

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/facility-portal/internal/clock"
	"github.com/iliyamo/facility-portal/internal/model"
)

const DefaultTTL = 5 * time.Minute

// Cache is an identity cache that follows the session.
type Cache interface {
	Identity(ctx context.Context) (*model.User, bool)
	SessionAuthenticated(ctx context.Context, u *model.User)
	SessionCleared(ctx context.Context)
}

// publicView strips credentials; the cache never holds tokens.
func publicView(u *model.User) *model.User {
	c := u.Clone()
	if c != nil {
		c.Token, c.RefreshToken = "", ""
	}
	return c
}

// Memory is a process-local Cache.
type Memory struct {
	clock clock.Clock
	ttl   time.Duration

	mu   sync.RWMutex
	user *model.User
	at   time.Time
}

func NewMemory(clk clock.Clock, ttl time.Duration) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{clock: clk, ttl: ttl}
}

func (m *Memory) Identity(context.Context) (*model.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil || m.clock.Now().Sub(m.at) >= m.ttl {
		return nil, false
	}
	return m.user.Clone(), true
}

func (m *Memory) SessionAuthenticated(_ context.Context, u *model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = publicView(u)
	m.at = m.clock.Now()
}

func (m *Memory) SessionCleared(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = nil
}
