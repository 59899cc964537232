package guard

import "context"

// Permission allows the request when the session grants code. An empty
// code allows everything.
func Permission(s Session, code string) Guard {
	return Func(func(_ context.Context, _ string) Decision {
		if code == "" || s.HasPermission(code) {
			return Allowed()
		}
		return RedirectTo(AccessDeniedPath)
	})
}
