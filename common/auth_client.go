package common

import (
	"context"

	"golang.org/x/oauth2"
)

// AuthClient defines the ability to mint a new access token.
// The refresh credential is not passed in: it rides on the transport
// (a cookie held by the credentialed client), so callers never see it.
type AuthClient interface {
	// Refresh asks the auth backend for a new access token.
	// Returns a new *oauth2.Token on success, or an error if refresh fails.
	Refresh(ctx context.Context) (*oauth2.Token, error)
}
