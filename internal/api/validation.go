package api

import (
	"context"
	"net/http"

	"github.com/iliyamo/facility-portal/internal/model"
)

// TermsAccepted reports whether the current user accepted the terms.
func (c *Client) TermsAccepted(ctx context.Context) (bool, error) {
	var st model.TermsStatus
	if err := c.do(ctx, http.MethodGet, PathTerms, nil, nil, &st); err != nil {
		return false, err
	}
	return st.Aceptado, nil
}

// ProfileComplete reports whether the current user's profile is complete.
func (c *Client) ProfileComplete(ctx context.Context) (bool, error) {
	var st model.ProfileStatus
	if err := c.do(ctx, http.MethodGet, PathProfile, nil, nil, &st); err != nil {
		return false, err
	}
	return st.Completo, nil
}
