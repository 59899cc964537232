package apitest

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/facility-portal/internal/model"
)

func readBody(req *http.Request) string {
	if req.Body == nil {
		return ""
	}
	raw, _ := io.ReadAll(req.Body)
	req.Body = io.NopCloser(bytes.NewReader(raw))
	return string(raw)
}

// snapshotLocked returns the account's user with a fresh token pair.
func (b *Backend) snapshotLocked(uid int64) (model.User, bool) {
	a := b.accounts[uid]
	if a == nil {
		return model.User{}, false
	}
	u := a.user
	u.Permisos = append([]model.Permiso{}, a.user.Permisos...)
	u.Token, _ = b.issueAccessLocked(uid)
	u.RefreshToken = b.issueRefreshLocked(uid)
	return u, true
}

func (b *Backend) login(c echo.Context) error {
	var req model.Credentials
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid body"})
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	b.mu.Lock()
	defer b.mu.Unlock()
	uid, ok := b.byEmail[email]
	if !ok || !verifyPassword(b.accounts[uid].passwordHash, req.Password) {
		return c.JSON(http.StatusOK, model.LoginResponse{Status: "error", Message: "credenciales inválidas"})
	}
	u, _ := b.snapshotLocked(uid)
	return c.JSON(http.StatusOK, model.LoginResponse{Status: "success", User: &u, Token: u.Token})
}

func (b *Backend) googleLogin(c echo.Context) error {
	var req model.GoogleLogin
	if err := c.Bind(&req); err != nil || req.IDToken == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "idToken required"})
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	uid, ok := b.google[req.IDToken]
	if !ok {
		return c.JSON(http.StatusOK, model.LoginResponse{Status: "error", Message: "token de Google inválido"})
	}
	u, _ := b.snapshotLocked(uid)
	// Google logins carry the token inside the user snapshot only.
	return c.JSON(http.StatusOK, model.LoginResponse{Status: "success", User: &u})
}

func (b *Backend) exchange(c echo.Context) error {
	var req model.CodeExchange
	if err := c.Bind(&req); err != nil || req.Codigo == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "codigo required"})
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	uid, ok := b.codes[req.Codigo]
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "código inválido"})
	}
	delete(b.codes, req.Codigo)
	u, _ := b.snapshotLocked(uid)
	tok := u.Token
	u.Token = ""
	return c.JSON(http.StatusOK, model.ExchangeResponse{User: u, AccessToken: tok})
}

func (b *Backend) refresh(c echo.Context) error {
	var req model.RefreshRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Refresh) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "refresh required"})
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	uid, ok := b.refreshes[hashRefresh(strings.TrimSpace(req.Refresh))]
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "invalid refresh"})
	}
	tok, _ := b.issueAccessLocked(uid)
	return c.JSON(http.StatusOK, model.RefreshResponse{
		AccessToken: tok,
		ExpiraEn:    int64(b.accessTTL.Seconds()),
	})
}

func (b *Backend) checkStatus(c echo.Context) error {
	raw := strings.TrimSpace(c.QueryParam("refreshToken"))
	b.mu.Lock()
	defer b.mu.Unlock()
	uid, ok := b.refreshes[hashRefresh(raw)]
	if raw == "" || !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "invalid refresh"})
	}
	a := b.accounts[uid]
	if a == nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "unknown user"})
	}
	u := a.user
	u.Token, _ = b.issueAccessLocked(uid)
	return c.JSON(http.StatusOK, u)
}

func (b *Backend) me(c echo.Context) error {
	uid := c.Get("user_id").(int64)
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.accounts[uid]
	if a == nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "unknown user"})
	}
	return c.JSON(http.StatusOK, a.user)
}

func (b *Backend) terms(c echo.Context) error {
	uid := c.Get("user_id").(int64)
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.accounts[uid]
	if a == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"message": "unknown user"})
	}
	return c.JSON(http.StatusOK, model.TermsStatus{Aceptado: a.termsAccepted})
}

func (b *Backend) profile(c echo.Context) error {
	uid := c.Get("user_id").(int64)
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.accounts[uid]
	if a == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"message": "unknown user"})
	}
	return c.JSON(http.StatusOK, model.ProfileStatus{Completo: a.profileComplete})
}

func (b *Backend) listReservations(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"items": []any{}, "user_id": c.Get("user_id")})
}

// createReservation echoes the body back so tests can see what a
// retried request carried.
func (b *Backend) createReservation(c echo.Context) error {
	var body map[string]any
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid body"})
	}
	return c.JSON(http.StatusCreated, body)
}
