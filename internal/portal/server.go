// Package portal is the HTTP host of the reservation portal. Pages are
// gated by the session guards; the auth actions drive the session store
// through the backend client.
package portal

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/facility-portal/internal/api"
	"github.com/iliyamo/facility-portal/internal/config"
	"github.com/iliyamo/facility-portal/internal/guard"
	"github.com/iliyamo/facility-portal/internal/querycache"
	"github.com/iliyamo/facility-portal/internal/session"
	"github.com/iliyamo/facility-portal/internal/validation"
)

// Options are the portal's dependencies. Store, API and Navigator are
// required.
type Options struct {
	Store     *session.Store
	API       *api.Client
	Gate      *validation.Gate
	Identity  querycache.Cache
	Navigator *Navigator
	Routes    []config.Route
	Guards    guard.Config
	Limiter   echo.MiddlewareFunc
	Logger    *slog.Logger
}

type server struct {
	store  *session.Store
	api    *api.Client
	gate   *validation.Gate
	ident  querycache.Cache
	nav    *Navigator
	routes []config.Route
	log    *slog.Logger
}

// New builds the echo instance with every portal route registered.
func New(opts Options) *echo.Echo {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Routes == nil {
		opts.Routes = config.DefaultRoutes
	}
	if opts.Limiter == nil {
		opts.Limiter = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if opts.Guards.Logger == nil {
		opts.Guards.Logger = opts.Logger
	}
	s := &server{
		store:  opts.Store,
		api:    opts.API,
		gate:   opts.Gate,
		ident:  opts.Identity,
		nav:    opts.Navigator,
		routes: opts.Routes,
		log:    opts.Logger.With("component", "portal"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(s.requestLog)

	e.GET("/healthz", health)
	e.GET(guard.NotFoundPath, s.notFound)
	e.GET(guard.AccessDeniedPath, s.accessDenied)
	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.Redirect(http.StatusFound, guard.NotFoundPath)
	})

	authenticated := guard.Authenticated(s.store, opts.Guards)
	publicOnly := guard.PublicOnly(s.store, s.routes, opts.Guards)

	public := e.Group("/auth", s.track, guard.Middleware(publicOnly))
	public.GET("/login", s.publicPage("login"))
	public.GET("/registro", s.publicPage("registro"))

	e.GET(guard.TermsPath, s.termsPage, s.track, guard.Middleware(authenticated))

	pageGuards := []guard.Guard{authenticated}
	if s.gate != nil {
		pageGuards = append(pageGuards, guard.TermsProfile(s.gate, opts.Logger))
	}
	pageGuards = append(pageGuards, s.forced())
	for _, r := range s.routes {
		g := guard.Chain(append(pageGuards, guard.Permission(s.store, r.Permission))...)
		e.GET(r.Path, s.page(r), s.track, guard.Middleware(g))
	}

	actions := e.Group("/auth")
	actions.POST("/login", s.login, opts.Limiter)
	actions.POST("/google", s.googleLogin, opts.Limiter)
	actions.GET("/callback", s.callback)
	actions.POST("/logout", s.logout)
	actions.GET("/status", s.status)
	return e
}

// track records the page being entered so a forced logout can send the
// user back to it.
func (s *server) track(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.nav.SetCurrent(c.Request().URL.RequestURI())
		return next(c)
	}
}

// forced turns a redirect queued by the interceptor during an earlier
// guard into this request's answer.
func (s *server) forced() guard.Guard {
	return guard.Func(func(context.Context, string) guard.Decision {
		if target, ok := s.nav.TakeRedirect(); ok {
			return guard.RedirectTo(target)
		}
		return guard.Allowed()
	})
}

func (s *server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		s.log.Debug("request", "method", req.Method, "uri", req.URL.RequestURI(), "status", c.Response().Status)
		return nil
	}
}
