package authkit

import "context"

// UserProfile is the identity embedded into issued access tokens.
type UserProfile struct {
	UserID  string
	Display string
	Roles   []string
}

// UserStore authenticates users and resolves their profiles.
type UserStore interface {
	Authenticate(ctx context.Context, username string, password string) (UserProfile, error)
	GetUserProfile(ctx context.Context, userID string) (UserProfile, error)
}

// RefreshGrant describes an issued refresh token. Opaque is only populated on issue.
type RefreshGrant struct {
	TokenID     string
	UserID      string
	Opaque      string
	ExpiresUnix int64
}

// RefreshTokenStore manages long-lived rotating refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string, expiresUnix int64) (RefreshGrant, error)
	// Rotate consumes the presented token and issues its successor for the same user.
	Rotate(ctx context.Context, tokenOpaque string, expiresUnix int64) (RefreshGrant, error)
	// Revoke invalidates the presented token.
	Revoke(ctx context.Context, tokenOpaque string) error
}
