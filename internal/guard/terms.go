package guard

import (
	"context"
	"log/slog"
	"net/url"
)

// Validator answers the terms and profile checks. validation.Gate
// implements it.
type Validator interface {
	TermsAccepted(ctx context.Context) (bool, error)
	ProfileComplete(ctx context.Context) (bool, error)
}

// TermsProfile checks terms acceptance and then profile completeness.
// The profile is not checked when the terms are unmet. A check that
// errors lets the request through. Put it after Authenticated in a
// Chain.
func TermsProfile(v Validator, log *slog.Logger) Guard {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "guard")
	return Func(func(ctx context.Context, target string) Decision {
		path := pathOf(target)
		if path == TermsPath {
			return Allowed()
		}

		accepted, err := v.TermsAccepted(ctx)
		if err != nil {
			log.Warn("terms check failed, allowing", "target", target, "err", err)
			return Allowed()
		}
		if !accepted {
			return RedirectTo(TermsPath)
		}

		if path == ProfilePath {
			return Allowed()
		}
		complete, err := v.ProfileComplete(ctx)
		if err != nil {
			log.Warn("profile check failed, allowing", "target", target, "err", err)
			return Allowed()
		}
		if !complete {
			return RedirectTo(ProfilePath + completeProfileQS)
		}
		return Allowed()
	})
}

func pathOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	return u.Path
}
