package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iliyamo/facility-portal/internal/model"
)

// Backend paths. The interceptor never refreshes around the first four.
const (
	PathLogin       = "/ingresar"
	PathGoogle      = "/google/callback"
	PathExchange    = "/intercambiar"
	PathRefresh     = "/refresh"
	PathMe          = "/me"
	PathCheckStatus = "/check-status"
	PathTerms       = "/terminos/estado"
	PathProfile     = "/perfil/estado"
)

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, creds model.Credentials) (*model.User, error) {
	creds.Email = strings.ToLower(strings.TrimSpace(creds.Email))
	var resp model.LoginResponse
	if err := c.do(ctx, http.MethodPost, PathLogin, nil, creds, &resp); err != nil {
		return nil, err
	}
	return loginUser(resp)
}

// GoogleLogin authenticates with a Google ID token.
func (c *Client) GoogleLogin(ctx context.Context, idToken string) (*model.User, error) {
	var resp model.LoginResponse
	if err := c.do(ctx, http.MethodPost, PathGoogle, nil, model.GoogleLogin{IDToken: idToken}, &resp); err != nil {
		return nil, err
	}
	return loginUser(resp)
}

func loginUser(resp model.LoginResponse) (*model.User, error) {
	if resp.Status != "success" {
		if resp.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrLoginRejected, resp.Message)
		}
		return nil, ErrLoginRejected
	}
	if resp.User == nil {
		return nil, ErrNoUser
	}
	u := resp.User
	u.Token = resp.BearerToken()
	u.Normalize()
	return u, nil
}

// Exchange trades an OAuth authorization code for a user snapshot that
// carries an access token.
func (c *Client) Exchange(ctx context.Context, codigo string) (*model.User, error) {
	var resp model.ExchangeResponse
	if err := c.do(ctx, http.MethodPost, PathExchange, nil, model.CodeExchange{Codigo: codigo}, &resp); err != nil {
		return nil, err
	}
	u := resp.User
	if resp.AccessToken != "" {
		u.Token = resp.AccessToken
	}
	if u.ID == 0 && u.Email == "" {
		return nil, ErrNoUser
	}
	u.Normalize()
	return &u, nil
}

// Refresh exchanges a refresh credential for a new access token.
func (c *Client) Refresh(ctx context.Context, refresh string) (model.RefreshResponse, error) {
	var resp model.RefreshResponse
	err := c.do(ctx, http.MethodPost, PathRefresh, nil, model.RefreshRequest{Refresh: refresh}, &resp)
	return resp, err
}

// Me returns the identity behind the current bearer token.
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	return c.identity(ctx, PathMe, nil)
}

// CheckStatus returns the identity bound to a refresh credential.
func (c *Client) CheckStatus(ctx context.Context, refreshToken string) (*model.User, error) {
	return c.identity(ctx, PathCheckStatus, url.Values{"refreshToken": {refreshToken}})
}

func (c *Client) identity(ctx context.Context, path string, q url.Values) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, path, q, nil, &u); err != nil {
		return nil, err
	}
	if u.ID == 0 && u.Email == "" {
		return nil, ErrNoUser
	}
	u.Normalize()
	return &u, nil
}

// TokenExpiry reads the exp claim of a JWT without verifying its
// signature. The portal only uses it for display; the backend is the
// one that validates tokens.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
