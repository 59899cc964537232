package portal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/facility-portal/internal/api"
	"github.com/iliyamo/facility-portal/internal/config"
	"github.com/iliyamo/facility-portal/internal/guard"
	"github.com/iliyamo/facility-portal/internal/model"
)

func health(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func (s *server) notFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, echo.Map{"page": "404"})
}

func (s *server) accessDenied(c echo.Context) error {
	return c.JSON(http.StatusForbidden, echo.Map{"page": "acceso-denegado"})
}

func (s *server) publicPage(name string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"page": name, "returnUrl": safeReturn(c.QueryParam("returnUrl"))})
	}
}

// termsPage drops cached validation answers so the navigation after the
// user deals with the terms asks the backend again.
func (s *server) termsPage(c echo.Context) error {
	if s.gate != nil {
		s.gate.Invalidate()
	}
	return c.JSON(http.StatusOK, echo.Map{"page": "terms-conditions"})
}

func (s *server) page(r config.Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		u, err := s.identity(ctx)
		if err != nil {
			if target, ok := s.nav.TakeRedirect(); ok {
				return c.Redirect(http.StatusFound, target)
			}
			s.log.Error("load identity", "path", r.Path, "err", err)
			return c.JSON(http.StatusBadGateway, echo.Map{"message": "backend no disponible"})
		}
		s.store.Touch(ctx)
		return c.JSON(http.StatusOK, echo.Map{
			"page":  r.Title,
			"path":  r.Path,
			"user":  u,
			"menu":  s.menu(),
			"query": c.QueryParams(),
		})
	}
}

// identity prefers the query cache and falls back to /me.
func (s *server) identity(ctx context.Context) (*model.User, error) {
	if s.ident != nil {
		if u, ok := s.ident.Identity(ctx); ok {
			return u, nil
		}
	}
	u, err := s.api.Me(ctx)
	if err != nil {
		return nil, err
	}
	if s.ident != nil {
		s.ident.SessionAuthenticated(ctx, u)
	}
	return u, nil
}

// menu lists the routes the current user may open.
func (s *server) menu() []config.Route {
	var out []config.Route
	for _, r := range s.routes {
		if r.Permission == "" || s.store.HasPermission(r.Permission) {
			out = append(out, r)
		}
	}
	return out
}

type loginForm struct {
	Email     string `json:"email" form:"email"`
	Password  string `json:"password" form:"password"`
	IDToken   string `json:"idToken" form:"idToken"`
	ReturnURL string `json:"returnUrl" form:"returnUrl" query:"returnUrl"`
}

func (s *server) login(c echo.Context) error {
	var f loginForm
	if err := c.Bind(&f); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "solicitud inválida"})
	}
	f.Email = strings.TrimSpace(f.Email)
	if f.Email == "" || f.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "email y contraseña requeridos"})
	}
	u, err := s.api.Login(c.Request().Context(), model.Credentials{Email: f.Email, Password: f.Password})
	return s.finishLogin(c, u, err, f.ReturnURL)
}

func (s *server) googleLogin(c echo.Context) error {
	var f loginForm
	if err := c.Bind(&f); err != nil || f.IDToken == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "idToken requerido"})
	}
	u, err := s.api.GoogleLogin(c.Request().Context(), f.IDToken)
	return s.finishLogin(c, u, err, f.ReturnURL)
}

func (s *server) finishLogin(c echo.Context, u *model.User, err error, returnURL string) error {
	ctx := c.Request().Context()
	if err != nil {
		if errors.Is(err, api.ErrLoginRejected) || api.IsUnauthorized(err) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"status": "error", "message": loginMessage(err)})
		}
		s.log.Error("login", "err", err)
		return c.JSON(http.StatusBadGateway, echo.Map{"status": "error", "message": "backend no disponible"})
	}
	if err := s.store.OnSuccessfulLogin(ctx, u); err != nil {
		s.log.Error("record login", "err", err)
		return c.JSON(http.StatusBadGateway, echo.Map{"status": "error", "message": "respuesta de login incompleta"})
	}
	target := safeReturn(returnURL)
	if target == "" {
		target = guard.FirstPermitted(s.store, s.routes)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "success", "redirect": target, "user": publicUser(u)})
}

// callback completes the OAuth redirect flow.
func (s *server) callback(c echo.Context) error {
	ctx := c.Request().Context()
	code := c.QueryParam("codigo")
	if code == "" {
		return c.Redirect(http.StatusFound, guard.LoginPath)
	}
	u, err := s.api.Exchange(ctx, code)
	if err != nil {
		s.log.Info("code exchange failed", "err", err)
		if target, ok := s.nav.TakeRedirect(); ok {
			return c.Redirect(http.StatusFound, target)
		}
		return c.Redirect(http.StatusFound, guard.LoginPath)
	}
	if err := s.store.OnSuccessfulLogin(ctx, u); err != nil {
		s.log.Error("record exchange", "err", err)
		return c.Redirect(http.StatusFound, guard.LoginPath)
	}
	return c.Redirect(http.StatusFound, guard.FirstPermitted(s.store, s.routes))
}

func (s *server) logout(c echo.Context) error {
	s.store.ClearSession(c.Request().Context())
	return c.JSON(http.StatusOK, echo.Map{"status": "success", "redirect": guard.LoginPath})
}

// status reports the session as the portal sees it. X-Cache tells
// whether the identity came from the query cache.
func (s *server) status(c echo.Context) error {
	ctx := c.Request().Context()
	body := echo.Map{
		"status":        s.store.Status(),
		"last_activity": nil,
	}
	if t := s.store.LastActivity(); !t.IsZero() {
		body["last_activity"] = t.UTC().Format(time.RFC3339)
	}
	if exp, ok := api.TokenExpiry(s.store.CurrentToken()); ok {
		body["token_expires_at"] = exp.UTC().Format(time.RFC3339)
	}

	var u *model.User
	if s.ident != nil {
		if cached, ok := s.ident.Identity(ctx); ok {
			u = cached
			c.Response().Header().Set("X-Cache", "HIT")
		}
	}
	if u == nil {
		c.Response().Header().Set("X-Cache", "MISS")
		u = publicUser(s.store.CurrentUser())
	}
	body["user"] = u
	return c.JSON(http.StatusOK, body)
}

func publicUser(u *model.User) *model.User {
	if u == nil {
		return nil
	}
	c := u.Clone()
	c.Token, c.RefreshToken = "", ""
	return c
}

func loginMessage(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if msg, ok := strings.CutPrefix(err.Error(), api.ErrLoginRejected.Error()+": "); ok {
		return msg
	}
	return "credenciales inválidas"
}

// safeReturn keeps only local paths so returnUrl cannot bounce the user
// to another site.
func safeReturn(raw string) string {
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return ""
	}
	return raw
}
