package authpipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultRequestTimeout bounds every dispatched call unless the RequestSpec overrides it.
	DefaultRequestTimeout = 60 * time.Second

	maxResponseBodyBytes = 10 << 20
	requestIDHeader      = "X-Request-ID"
)

var (
	errEmptyRequestURL  = errors.New("dispatch.empty_url")
	errResponseTooLarge = errors.New("dispatch.response_too_large")
)

// RequestSpec describes one outbound call. The body is kept as bytes so the call can be replayed.
type RequestSpec struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	HTTPClient *http.Client
	BaseURL    string
	Timeout    time.Duration
	Store      CredentialStore
	Logger     *zap.Logger
	Metrics    MetricsRecorder
}

// Dispatcher performs single outbound calls with the current access secret attached.
// It never retries.
type Dispatcher struct {
	httpClient *http.Client
	baseURL    *url.URL
	timeout    time.Duration
	store      CredentialStore
	logger     *zap.Logger
	metrics    MetricsRecorder
}

// NewDispatcher validates the configuration and constructs a Dispatcher.
func NewDispatcher(configuration DispatcherConfig) (*Dispatcher, error) {
	if configuration.Store == nil {
		return nil, errors.New("dispatch.new: credential store is required")
	}
	dispatcher := &Dispatcher{
		httpClient: configuration.HTTPClient,
		timeout:    configuration.Timeout,
		store:      configuration.Store,
		logger:     configuration.Logger,
		metrics:    configuration.Metrics,
	}
	if dispatcher.httpClient == nil {
		dispatcher.httpClient = &http.Client{}
	}
	if dispatcher.timeout <= 0 {
		dispatcher.timeout = DefaultRequestTimeout
	}
	if dispatcher.logger == nil {
		dispatcher.logger = zap.NewNop()
	}
	if dispatcher.metrics == nil {
		dispatcher.metrics = noopMetrics{}
	}
	if strings.TrimSpace(configuration.BaseURL) != "" {
		parsed, err := url.Parse(configuration.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("dispatch.new.base_url: %w", err)
		}
		dispatcher.baseURL = parsed
	}
	return dispatcher, nil
}

// Execute performs the call with the credential currently in the store.
func (dispatcher *Dispatcher) Execute(ctx context.Context, spec RequestSpec) (*Response, error) {
	return dispatcher.executeWith(ctx, spec, dispatcher.store.Read())
}

func (dispatcher *Dispatcher) timeoutFor(spec RequestSpec) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	return dispatcher.timeout
}

func (dispatcher *Dispatcher) resolve(rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", errEmptyRequestURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.IsAbs() || dispatcher.baseURL == nil {
		return parsed.String(), nil
	}
	return dispatcher.baseURL.ResolveReference(parsed).String(), nil
}

func (dispatcher *Dispatcher) executeWith(ctx context.Context, spec RequestSpec, credential Credential) (*Response, error) {
	targetURL, resolveErr := dispatcher.resolve(spec.URL)
	if resolveErr != nil {
		return nil, &DispatchError{Kind: ErrTransport, Cause: fmt.Errorf("dispatch.resolve_url: %w", resolveErr)}
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	callCtx, cancel := context.WithTimeout(ctx, dispatcher.timeoutFor(spec))
	defer cancel()

	var body io.Reader
	if spec.Body != nil {
		body = bytes.NewReader(spec.Body)
	}
	request, buildErr := http.NewRequestWithContext(callCtx, method, targetURL, body)
	if buildErr != nil {
		return nil, &DispatchError{Kind: ErrTransport, Cause: fmt.Errorf("dispatch.build_request: %w", buildErr)}
	}
	for name, values := range spec.Header {
		for _, value := range values {
			request.Header.Add(name, value)
		}
	}
	if spec.Body != nil && request.Header.Get("Content-Type") == "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if request.Header.Get(requestIDHeader) == "" {
		request.Header.Set(requestIDHeader, uuid.NewString())
	}
	if credential.State() == IssuedStateValid {
		request.Header.Set("Authorization", "Bearer "+credential.AccessSecret)
	}

	startTime := time.Now()
	response, doErr := dispatcher.httpClient.Do(request)
	if doErr != nil {
		dispatcher.metrics.Increment(MetricDispatchFailure)
		if isTimeout(doErr) {
			return nil, timeoutError(doErr)
		}
		return nil, &DispatchError{Kind: ErrTransport, Cause: doErr}
	}
	defer func() { _ = response.Body.Close() }()

	payload, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes+1))
	if readErr != nil {
		dispatcher.metrics.Increment(MetricDispatchFailure)
		if isTimeout(readErr) {
			return nil, timeoutError(readErr)
		}
		return nil, &DispatchError{Kind: ErrTransport, StatusCode: response.StatusCode, Cause: readErr}
	}
	if len(payload) > maxResponseBodyBytes {
		dispatcher.metrics.Increment(MetricDispatchFailure)
		return nil, &DispatchError{
			Kind:       ErrTransport,
			StatusCode: response.StatusCode,
			Cause:      fmt.Errorf("%w: body exceeds %d bytes", errResponseTooLarge, maxResponseBodyBytes),
		}
	}

	dispatcher.logger.Debug("dispatch",
		zap.String("method", method),
		zap.String("url", targetURL),
		zap.Int("status", response.StatusCode),
		zap.String("request_id", request.Header.Get(requestIDHeader)),
		zap.Duration("elapsed", time.Since(startTime)),
	)

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		dispatcher.metrics.Increment(MetricDispatchUnauthorized)
		return nil, unauthorizedError(response.StatusCode, payload, nil)
	case response.StatusCode < 200 || response.StatusCode > 299:
		dispatcher.metrics.Increment(MetricDispatchFailure)
		return nil, &DispatchError{Kind: ErrUpstream, StatusCode: response.StatusCode, Body: payload}
	}
	dispatcher.metrics.Increment(MetricDispatchSuccess)
	return &Response{
		StatusCode: response.StatusCode,
		Header:     response.Header.Clone(),
		Body:       payload,
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
