package guard

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Middleware runs g before the handler. A redirect decision answers 302;
// a denial without a target answers 403.
func Middleware(g Guard) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			d := g.Check(req.Context(), req.URL.RequestURI())
			switch {
			case d.Allow:
				return next(c)
			case d.Redirect != "":
				return c.Redirect(http.StatusFound, d.Redirect)
			default:
				return echo.NewHTTPError(http.StatusForbidden, "forbidden")
			}
		}
	}
}
