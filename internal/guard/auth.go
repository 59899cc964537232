package guard

import (
	"context"
	"net/url"

	"github.com/iliyamo/facility-portal/internal/config"
	"github.com/iliyamo/facility-portal/internal/session"
)

// Authenticated allows only authenticated sessions. A checking session
// is waited on; if it does not resolve in time the request is treated
// as unauthenticated and sent to the login page with a returnUrl.
func Authenticated(s Session, cfg Config) Guard {
	cfg = cfg.withDefaults()
	return Func(func(ctx context.Context, target string) Decision {
		switch st := await(ctx, s, cfg); st {
		case session.Authenticated:
			return Allowed()
		case session.Checking:
			cfg.Logger.Warn("session still checking, denying", "target", target, "waited", cfg.Timeout())
		}
		return RedirectTo(loginWithReturn(target))
	})
}

// PublicOnly allows only sessions that are not authenticated. An
// authenticated session is sent to the first route it may use. A
// checking session that does not resolve in time is allowed.
func PublicOnly(s Session, routes []config.Route, cfg Config) Guard {
	cfg = cfg.withDefaults()
	return Func(func(ctx context.Context, target string) Decision {
		if await(ctx, s, cfg) != session.Authenticated {
			return Allowed()
		}
		return RedirectTo(FirstPermitted(s, routes))
	})
}

// FirstPermitted returns the first route in the table the session may
// open, or the access-denied page.
func FirstPermitted(s Session, routes []config.Route) string {
	for _, r := range routes {
		if r.Permission == "" || s.HasPermission(r.Permission) {
			return r.Path
		}
	}
	return AccessDeniedPath
}

func loginWithReturn(target string) string {
	if target == "" || target == "/" {
		return LoginPath
	}
	return LoginPath + "?returnUrl=" + url.QueryEscape(target)
}
