// Package apitest runs an in-process fake of the reservation backend for
// tests. It issues HS256 access tokens, opaque refresh credentials and
// one-shot OAuth codes, and it checks bcrypt password hashes.
package apitest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/facility-portal/internal/model"
)

const defaultSecret = "apitest-secret"

type account struct {
	user            model.User
	passwordHash    []byte
	termsAccepted   bool
	profileComplete bool
}

// Backend is the fake server. Its zero value is not usable; call New.
type Backend struct {
	URL string

	secret    []byte
	accessTTL time.Duration
	srv       *httptest.Server

	mu        sync.Mutex
	accounts  map[int64]*account
	byEmail   map[string]int64
	refreshes map[string]int64 // hashed refresh credential -> user id
	codes     map[string]int64
	google    map[string]int64
	revoked   map[string]bool // access tokens answered with 401
	failNext  map[string][]int
	hits      map[string]int
	auth      map[string][]string // path -> Authorization headers seen
	bodies    map[string][]string // path -> request bodies seen
	delay     map[string]time.Duration
}

// New starts a backend and stops it when t ends.
func New(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		secret:    []byte(defaultSecret),
		accessTTL: 15 * time.Minute,
		accounts:  make(map[int64]*account),
		byEmail:   make(map[string]int64),
		refreshes: make(map[string]int64),
		codes:     make(map[string]int64),
		google:    make(map[string]int64),
		revoked:   make(map[string]bool),
		failNext:  make(map[string][]int),
		hits:      make(map[string]int),
		auth:      make(map[string][]string),
		bodies:    make(map[string][]string),
		delay:     make(map[string]time.Duration),
	}
	b.srv = httptest.NewServer(b.router())
	b.URL = b.srv.URL
	t.Cleanup(b.srv.Close)
	return b
}

func (b *Backend) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(b.record)

	e.POST("/ingresar", b.login)
	e.POST("/google/callback", b.googleLogin)
	e.POST("/intercambiar", b.exchange)
	e.POST("/refresh", b.refresh)
	e.GET("/check-status", b.checkStatus)

	authed := e.Group("", b.bearer)
	authed.GET("/me", b.me)
	authed.GET("/terminos/estado", b.terms)
	authed.GET("/perfil/estado", b.profile)
	authed.GET("/reservas", b.listReservations)
	authed.POST("/reservas", b.createReservation)
	return e
}

// AddUser registers an account. The user's terms and profile start out
// satisfied.
func (b *Backend) AddUser(u model.User, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u.Token, u.RefreshToken = "", ""
	u.Normalize()
	b.accounts[u.ID] = &account{
		user:            u,
		passwordHash:    hashPassword(password),
		termsAccepted:   true,
		profileComplete: true,
	}
	b.byEmail[strings.ToLower(u.Email)] = u.ID
}

// SetTerms sets the terms acceptance of a user.
func (b *Backend) SetTerms(userID int64, accepted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a := b.accounts[userID]; a != nil {
		a.termsAccepted = accepted
	}
}

// SetProfile sets the profile completeness of a user.
func (b *Backend) SetProfile(userID int64, complete bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a := b.accounts[userID]; a != nil {
		a.profileComplete = complete
	}
}

// IssueAccess returns a valid access token for userID.
func (b *Backend) IssueAccess(userID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	tok, _ := b.issueAccessLocked(userID)
	return tok
}

// IssueRefresh returns a refresh credential for userID.
func (b *Backend) IssueRefresh(userID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueRefreshLocked(userID)
}

// IssueCode returns a one-shot OAuth code for userID.
func (b *Backend) IssueCode(userID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	code := randomHex(12)
	b.codes[code] = userID
	return code
}

// IssueGoogleToken returns an ID token the backend will accept for userID.
func (b *Backend) IssueGoogleToken(userID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	tok := "google-" + randomHex(12)
	b.google[tok] = userID
	return tok
}

// Revoke makes the backend answer 401 to an access token.
func (b *Backend) Revoke(accessToken string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[accessToken] = true
}

// RevokeRefresh forgets a refresh credential.
func (b *Backend) RevokeRefresh(raw string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.refreshes, hashRefresh(raw))
}

// FailNext makes the next calls to path answer with the given statuses,
// one per call, before normal handling resumes.
func (b *Backend) FailNext(path string, statuses ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[path] = append(b.failNext[path], statuses...)
}

// Delay makes every call to path wait d before it is handled.
func (b *Backend) Delay(path string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay[path] = d
}

// Hits returns how many requests reached path.
func (b *Backend) Hits(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

// Authorizations returns the Authorization headers sent to path, in order.
func (b *Backend) Authorizations(path string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.auth[path]...)
}

// Bodies returns the request bodies sent to path, in order.
func (b *Backend) Bodies(path string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.bodies[path]...)
}

func (b *Backend) issueAccessLocked(userID int64) (string, time.Time) {
	role := ""
	if a := b.accounts[userID]; a != nil && a.user.Rol != nil {
		role = a.user.Rol.Nombre
	}
	tok, exp, err := signAccess(b.secret, userID, role, b.accessTTL)
	if err != nil {
		panic(err)
	}
	return tok, exp
}

func (b *Backend) issueRefreshLocked(userID int64) string {
	raw := randomHex(24)
	b.refreshes[hashRefresh(raw)] = userID
	return raw
}

// record counts the hit, keeps the headers and body, and applies any
// queued failure or delay.
func (b *Backend) record(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		path := req.URL.Path
		body := readBody(req)

		b.mu.Lock()
		b.hits[path]++
		b.auth[path] = append(b.auth[path], req.Header.Get("Authorization"))
		b.bodies[path] = append(b.bodies[path], body)
		var status int
		if q := b.failNext[path]; len(q) > 0 {
			status, b.failNext[path] = q[0], q[1:]
		}
		d := b.delay[path]
		b.mu.Unlock()

		if d > 0 {
			select {
			case <-time.After(d):
			case <-req.Context().Done():
				return req.Context().Err()
			}
		}
		if status != 0 {
			return c.JSON(status, echo.Map{"message": http.StatusText(status)})
		}
		return next(c)
	}
}

// bearer is the access-token check in front of protected endpoints.
func (b *Backend) bearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Request().Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, echo.Map{"message": "missing bearer token"})
		}
		raw := strings.TrimPrefix(h, "Bearer ")

		b.mu.Lock()
		revoked := b.revoked[raw]
		b.mu.Unlock()
		if revoked {
			return c.JSON(http.StatusUnauthorized, echo.Map{"message": "token expired"})
		}

		uid, err := parseAccess(b.secret, raw)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, echo.Map{"message": "invalid token"})
		}
		c.Set("user_id", uid)
		return next(c)
	}
}
