package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tyemirov/authpipe/pkg/sessionvalidator"
)

var errEmptySubject = errors.New("jwt.mint.failure: subject must be non-empty")

// MintAccessToken creates a signed HS256 access token for the profile.
func MintAccessToken(configuration ServerConfig, profile UserProfile) (string, time.Time, error) {
	if strings.TrimSpace(profile.UserID) == "" {
		return "", time.Time{}, errEmptySubject
	}
	issuedAt := configuration.now()
	expiresAt := issuedAt.Add(configuration.AccessTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		UserID:          profile.UserID,
		UserDisplayName: profile.Display,
		UserRoles:       profile.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        newRefreshTokenID(),
			Issuer:    configuration.Issuer,
			Subject:   profile.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(configuration.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.sign: %w", err)
	}
	return signed, expiresAt, nil
}
