// Package interceptor attaches the session's bearer token to backend
// calls and recovers from an expired token with one refresh and one
// retry.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Session is what the transport needs from the session store.
type Session interface {
	CurrentToken() string
	IsSessionValid(ctx context.Context) bool
	RefreshAccessToken(ctx context.Context) (string, error)
	ClearSession(ctx context.Context)
	Touch(ctx context.Context)
}

// Navigator receives the forced redirect issued when the session cannot
// be recovered.
type Navigator interface {
	CurrentRoute() string
	Navigate(target string)
}

const DefaultLoginPath = "/auth/login"

var (
	// DefaultBypassPaths never go through refresh handling.
	DefaultBypassPaths = []string{"/refresh", "/intercambiar", "/ingresar", "/google/callback"}
	// DefaultLoopBreakPaths are bypass paths whose 401 ends the session
	// at once.
	DefaultLoopBreakPaths = []string{"/refresh", "/intercambiar"}
	// DefaultPublicRoutes are portal routes that get no returnUrl when
	// the user is sent to the login page.
	DefaultPublicRoutes = []string{"/", "/auth/login", "/auth/registro", "/auth/callback"}
)

// Options configures a Transport. Session is required.
type Options struct {
	Base           http.RoundTripper
	Session        Session
	Navigator      Navigator
	LoginPath      string
	BypassPaths    []string
	LoopBreakPaths []string
	PublicRoutes   []string
	Logger         *slog.Logger
}

// Transport is an http.RoundTripper.
type Transport struct {
	base      http.RoundTripper
	session   Session
	nav       Navigator
	loginPath string
	bypass    []string
	loopBreak []string
	public    map[string]bool
	log       *slog.Logger
}

// New returns a Transport. Unset options take the package defaults.
func New(opts Options) *Transport {
	if opts.Session == nil {
		panic("interceptor: nil session")
	}
	if opts.Base == nil {
		opts.Base = http.DefaultTransport
	}
	if opts.LoginPath == "" {
		opts.LoginPath = DefaultLoginPath
	}
	if opts.BypassPaths == nil {
		opts.BypassPaths = DefaultBypassPaths
	}
	if opts.LoopBreakPaths == nil {
		opts.LoopBreakPaths = DefaultLoopBreakPaths
	}
	if opts.PublicRoutes == nil {
		opts.PublicRoutes = DefaultPublicRoutes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	public := make(map[string]bool, len(opts.PublicRoutes))
	for _, r := range opts.PublicRoutes {
		public[r] = true
	}
	return &Transport{
		base:      opts.Base,
		session:   opts.Session,
		nav:       opts.Navigator,
		loginPath: opts.LoginPath,
		bypass:    opts.BypassPaths,
		loopBreak: opts.LoopBreakPaths,
		public:    public,
		log:       opts.Logger.With("component", "interceptor"),
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := bufferBody(req); err != nil {
		return nil, err
	}
	ctx := req.Context()
	path := req.URL.Path

	if matches(path, t.bypass) {
		resp, err := t.send(req, t.session.CurrentToken())
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && matches(path, t.loopBreak) {
			t.log.Warn("credential exchange rejected", "path", path)
			return t.endSession(ctx, resp), nil
		}
		return resp, nil
	}

	token := t.session.CurrentToken()
	refreshed := false
	if token == "" && t.session.IsSessionValid(ctx) {
		refreshed = true
		fresh, err := t.session.RefreshAccessToken(ctx)
		if err != nil {
			t.log.Info("pre-request refresh failed", "path", path, "err", err)
		} else {
			token = fresh
		}
	}

	resp, err := t.send(req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return t.settle(ctx, req, resp, token), nil
	}

	if refreshed {
		return t.endSession(ctx, resp), nil
	}
	fresh, err := t.session.RefreshAccessToken(ctx)
	if err != nil {
		t.log.Info("refresh after 401 failed", "path", path, "err", err)
		return t.endSession(ctx, resp), nil
	}
	drain(resp)

	retry, err := t.send(req, fresh)
	if err != nil {
		return nil, err
	}
	if retry.StatusCode == http.StatusUnauthorized {
		t.log.Warn("retry with refreshed token rejected", "path", path)
		return t.endSession(ctx, retry), nil
	}
	return t.settle(ctx, req, retry, fresh), nil
}

// settle handles a non-401 answer.
func (t *Transport) settle(ctx context.Context, req *http.Request, resp *http.Response, token string) *http.Response {
	switch {
	case resp.StatusCode >= 500:
		t.log.Error("backend error", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode)
	case resp.StatusCode < 300 && token != "":
		t.session.Touch(ctx)
	}
	return resp
}

// endSession clears the session, sends the user to the login page and
// hands the 401 back to the caller.
func (t *Transport) endSession(ctx context.Context, resp *http.Response) *http.Response {
	t.session.ClearSession(ctx)
	if t.nav != nil {
		t.nav.Navigate(t.LoginTarget())
	}
	return resp
}

// LoginTarget is the login page URL, with a returnUrl pointing back at
// the current route unless that route is public.
func (t *Transport) LoginTarget() string {
	if t.nav == nil {
		return t.loginPath
	}
	cur := t.nav.CurrentRoute()
	if cur == "" {
		return t.loginPath
	}
	routePath := cur
	if i := strings.IndexAny(routePath, "?#"); i >= 0 {
		routePath = routePath[:i]
	}
	if t.public[routePath] {
		return t.loginPath
	}
	return t.loginPath + "?returnUrl=" + url.QueryEscape(cur)
}

func (t *Transport) send(req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base.RoundTrip(r)
}

// bufferBody makes req's body replayable so a retry can resend it.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.GetBody != nil {
		// Every attempt reads its own copy from GetBody.
		return req.Body.Close()
	}
	raw, err := io.ReadAll(req.Body)
	closeErr := req.Body.Close()
	if err := errors.Join(err, closeErr); err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func matches(path string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}
