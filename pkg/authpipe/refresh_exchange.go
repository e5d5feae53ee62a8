package authpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const maxExchangeBodyBytes = 1 << 20

// tokenPairRequest is the body accepted by the refresh endpoint.
type tokenPairRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// tokenPairResponse is returned by the login and refresh endpoints.
type tokenPairResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	UserID       string   `json:"user_id"`
	UserRoles    []string `json:"user_roles"`
}

// accessClaims mirrors the claims minted by the reference backend.
type accessClaims struct {
	UserID    string   `json:"user_id"`
	UserRoles []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// HTTPRefreshExchanger posts the current secret pair to a refresh endpoint.
type HTTPRefreshExchanger struct {
	httpClient *http.Client
	endpoint   string
}

// NewHTTPRefreshExchanger constructs an exchanger for the absolute endpoint URL.
func NewHTTPRefreshExchanger(httpClient *http.Client, endpoint string) (*HTTPRefreshExchanger, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("refresh.exchanger.new: endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPRefreshExchanger{httpClient: httpClient, endpoint: endpoint}, nil
}

// Exchange trades the refresh secret for a new credential. Every failure wraps ErrRefreshFailed.
func (exchanger *HTTPRefreshExchanger) Exchange(ctx context.Context, current Credential) (Credential, error) {
	if current.RefreshSecret == "" {
		return Credential{}, fmt.Errorf("%w: no refresh secret", ErrRefreshFailed)
	}
	pair, err := postTokenRequest(ctx, exchanger.httpClient, exchanger.endpoint, tokenPairRequest{
		AccessToken:  current.AccessSecret,
		RefreshToken: current.RefreshSecret,
	})
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = current.RefreshSecret
	}
	credential, buildErr := credentialFromTokenPair(pair, current)
	if buildErr != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrRefreshFailed, buildErr)
	}
	return credential, nil
}

func postTokenRequest(ctx context.Context, httpClient *http.Client, endpoint string, payload any) (tokenPairResponse, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return tokenPairResponse{}, fmt.Errorf("token_request.encode: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return tokenPairResponse{}, fmt.Errorf("token_request.build: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := httpClient.Do(request)
	if err != nil {
		return tokenPairResponse{}, fmt.Errorf("token_request.send: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxExchangeBodyBytes))
	if err != nil {
		return tokenPairResponse{}, fmt.Errorf("token_request.read: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return tokenPairResponse{}, &DispatchError{Kind: ErrUpstream, StatusCode: response.StatusCode, Body: body}
	}
	var pair tokenPairResponse
	if err := json.Unmarshal(body, &pair); err != nil {
		return tokenPairResponse{}, fmt.Errorf("token_request.decode: %w", err)
	}
	if strings.TrimSpace(pair.AccessToken) == "" {
		return tokenPairResponse{}, errors.New("token_request.decode: response is missing the access token")
	}
	return pair, nil
}

// credentialFromTokenPair builds a validated credential. Identity and roles come from the
// response, then from the access token claims, then from the fallback credential.
func credentialFromTokenPair(pair tokenPairResponse, fallback Credential) (Credential, error) {
	identity := pair.UserID
	rawRoles := pair.UserRoles
	if identity == "" || rawRoles == nil {
		if claims, ok := parseAccessClaims(pair.AccessToken); ok {
			if identity == "" {
				identity = claims.UserID
				if identity == "" {
					identity = claims.Subject
				}
			}
			if rawRoles == nil {
				rawRoles = claims.UserRoles
			}
		}
	}
	if identity == "" {
		identity = fallback.Identity
	}
	claimSet := fallback.Claims
	if rawRoles != nil {
		parsed, err := ParseRoles(rawRoles)
		if err != nil {
			return Credential{}, err
		}
		claimSet = parsed
	}
	return NewCredential(pair.AccessToken, pair.RefreshToken, identity, claimSet)
}

// parseAccessClaims reads claims without verifying the signature; the client never holds the key.
func parseAccessClaims(accessToken string) (*accessClaims, bool) {
	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, false
	}
	return claims, true
}
