// Package authpipe implements the authenticated request pipeline: a credential store, a request
// dispatcher that attaches the access secret, and a refresh coordinator that runs a single refresh
// exchange for any number of concurrently failing requests before retrying each of them once.
package authpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Default endpoint paths, resolved against Config.BaseURL.
const (
	DefaultLoginPath   = "/auth/login"
	DefaultRefreshPath = "/auth/refresh"
	DefaultLogoutPath  = "/auth/logout"
)

var (
	// ErrMissingBaseURL indicates Config.BaseURL is empty or not absolute.
	ErrMissingBaseURL = errors.New("client.config.missing_base_url")
)

// Config configures a Client.
type Config struct {
	BaseURL        string
	LoginPath      string
	RefreshPath    string
	LogoutPath     string
	Timeout        time.Duration
	RefreshTimeout time.Duration
	HTTPClient     *http.Client
	Persister      CredentialPersister
	Namespace      string
	Exchanger      RefreshExchanger
	Logger         *zap.Logger
	Metrics        MetricsRecorder
}

// Client is the entry point consumed by the hosting application.
type Client struct {
	store         *SessionStore
	lifecycle     *Lifecycle
	dispatcher    *Dispatcher
	coordinator   *RefreshCoordinator
	authenticator *PasswordAuthenticator
	logoutURL     string
	logger        *zap.Logger
}

// New wires the pipeline and rehydrates the persisted credential.
func New(ctx context.Context, configuration Config) (*Client, error) {
	baseURL, err := url.Parse(strings.TrimSpace(configuration.BaseURL))
	if err != nil || !baseURL.IsAbs() {
		return nil, fmt.Errorf("client.new: %w", ErrMissingBaseURL)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	lifecycle := NewLifecycle(logger)
	storeOptions := []StoreOption{
		WithChangeListener(lifecycle.ObserveCredential),
		WithStoreLogger(logger),
	}
	if configuration.Persister != nil {
		storeOptions = append(storeOptions, WithPersister(configuration.Persister, configuration.Namespace))
	}
	store := NewSessionStore(storeOptions...)

	dispatcher, err := NewDispatcher(DispatcherConfig{
		HTTPClient: httpClient,
		BaseURL:    baseURL.String(),
		Timeout:    configuration.Timeout,
		Store:      store,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("client.new: %w", err)
	}

	exchanger := configuration.Exchanger
	if exchanger == nil {
		httpExchanger, exchangerErr := NewHTTPRefreshExchanger(httpClient, endpointURL(baseURL, configuration.RefreshPath, DefaultRefreshPath))
		if exchangerErr != nil {
			return nil, fmt.Errorf("client.new: %w", exchangerErr)
		}
		exchanger = httpExchanger
	}

	coordinator, err := NewRefreshCoordinator(CoordinatorConfig{
		Dispatcher:     dispatcher,
		Store:          store,
		Exchanger:      exchanger,
		Lifecycle:      lifecycle,
		RefreshTimeout: configuration.RefreshTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("client.new: %w", err)
	}

	authenticator, err := NewPasswordAuthenticator(httpClient, endpointURL(baseURL, configuration.LoginPath, DefaultLoginPath))
	if err != nil {
		return nil, fmt.Errorf("client.new: %w", err)
	}

	if err := store.Rehydrate(ctx); err != nil {
		logger.Warn("persisted session unavailable; starting logged out",
			zap.String("code", "client.rehydrate_failed"),
			zap.Error(err))
	}

	return &Client{
		store:         store,
		lifecycle:     lifecycle,
		dispatcher:    dispatcher,
		coordinator:   coordinator,
		authenticator: authenticator,
		logoutURL:     endpointURL(baseURL, configuration.LogoutPath, DefaultLogoutPath),
		logger:        logger,
	}, nil
}

func endpointURL(baseURL *url.URL, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	reference, err := url.Parse(path)
	if err != nil {
		return path
	}
	return baseURL.ResolveReference(reference).String()
}

// Do sends the request through the refresh coordinator.
func (client *Client) Do(ctx context.Context, spec RequestSpec) (*Response, error) {
	return client.coordinator.Guard(ctx, spec)
}

// Login validates the credential and makes it the current session.
func (client *Client) Login(ctx context.Context, credential Credential) error {
	if credential.State() != IssuedStateValid {
		return fmt.Errorf("client.login: %w", ErrIncompleteCredential)
	}
	return client.coordinator.replaceSession(ctx, credential)
}

// LoginWithPassword authenticates against the login endpoint and stores the issued credential.
func (client *Client) LoginWithPassword(ctx context.Context, username string, password string) error {
	credential, err := client.authenticator.Authenticate(ctx, username, password)
	if err != nil {
		return err
	}
	return client.Login(ctx, credential)
}

// Logout revokes the refresh secret on the server when possible, clears the session, and emits
// the logout signal. In-flight requests are not cancelled.
func (client *Client) Logout(ctx context.Context) error {
	current := client.store.Read()
	if current.State() == IssuedStateValid {
		body, _ := json.Marshal(tokenPairRequest{RefreshToken: current.RefreshSecret})
		if _, err := client.dispatcher.Execute(ctx, RequestSpec{Method: http.MethodPost, URL: client.logoutURL, Body: body}); err != nil {
			client.logger.Info("server-side logout failed",
				zap.String("code", "client.logout.revoke_failed"),
				zap.Error(err))
		}
	}
	return client.coordinator.endSession(ctx)
}

// Session returns the current credential snapshot.
func (client *Client) Session() Credential {
	return client.store.Read()
}

// State returns the current lifecycle state.
func (client *Client) State() SessionState {
	return client.lifecycle.State()
}

// Lifecycle exposes the session state machine for transition and logout subscriptions.
func (client *Client) Lifecycle() *Lifecycle {
	return client.lifecycle
}

// OnLogout registers a logout-signal listener.
func (client *Client) OnLogout(listener func()) func() {
	return client.lifecycle.OnLogout(listener)
}
