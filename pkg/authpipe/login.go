package authpipe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrLoginFailed indicates the login endpoint rejected the supplied credentials.
var ErrLoginFailed = errors.New("login.failed")

type passwordLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// PasswordAuthenticator exchanges a username and password for a session credential.
type PasswordAuthenticator struct {
	httpClient *http.Client
	endpoint   string
}

// NewPasswordAuthenticator constructs an authenticator for the absolute login endpoint URL.
func NewPasswordAuthenticator(httpClient *http.Client, endpoint string) (*PasswordAuthenticator, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("login.authenticator.new: endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &PasswordAuthenticator{httpClient: httpClient, endpoint: endpoint}, nil
}

// Authenticate posts the credentials and returns the issued session credential.
func (authenticator *PasswordAuthenticator) Authenticate(ctx context.Context, username string, password string) (Credential, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return Credential{}, fmt.Errorf("%w: username and password are required", ErrLoginFailed)
	}
	pair, err := postTokenRequest(ctx, authenticator.httpClient, authenticator.endpoint, passwordLoginRequest{
		Username: username,
		Password: password,
	})
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if strings.TrimSpace(pair.RefreshToken) == "" {
		return Credential{}, fmt.Errorf("%w: response is missing the refresh token", ErrLoginFailed)
	}
	credential, buildErr := credentialFromTokenPair(pair, Credential{})
	if buildErr != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrLoginFailed, buildErr)
	}
	return credential, nil
}
