package authpipe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type recordedRequest struct {
	method        string
	path          string
	authorization string
	contentType   string
	requestID     string
	body          string
}

func newRecordingServer(t *testing.T, status int, delay time.Duration) (*httptest.Server, chan recordedRequest) {
	t.Helper()
	recorded := make(chan recordedRequest, 4)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		recorded <- recordedRequest{
			method:        request.Method,
			path:          request.URL.Path,
			authorization: request.Header.Get("Authorization"),
			contentType:   request.Header.Get("Content-Type"),
			requestID:     request.Header.Get(requestIDHeader),
			body:          string(body),
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-request.Context().Done():
				return
			}
		}
		writer.WriteHeader(status)
		_, _ = writer.Write([]byte(`{"status":"recorded"}`))
	}))
	t.Cleanup(server.Close)
	return server, recorded
}

func newTestDispatcher(t *testing.T, baseURL string, store CredentialStore) *Dispatcher {
	t.Helper()
	dispatcher, err := NewDispatcher(DispatcherConfig{
		BaseURL: baseURL,
		Timeout: 2 * time.Second,
		Store:   store,
		Logger:  zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	return dispatcher
}

func TestDispatcherAttachesBearerForValidCredential(t *testing.T) {
	server, recorded := newRecordingServer(t, http.StatusOK, 0)
	store := NewSessionStore()
	if err := store.Write(context.Background(), mustCredential(t, "A1", "R1")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	dispatcher := newTestDispatcher(t, server.URL, store)

	response, err := dispatcher.Execute(context.Background(), RequestSpec{
		Method: http.MethodPost,
		URL:    "/api/clients",
		Body:   []byte(`{"name":"acme"}`),
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if response.StatusCode != http.StatusOK || string(response.Body) != `{"status":"recorded"}` {
		t.Fatalf("unexpected response %d %q", response.StatusCode, response.Body)
	}

	request := <-recorded
	if request.authorization != "Bearer A1" {
		t.Fatalf("expected bearer header, got %q", request.authorization)
	}
	if request.method != http.MethodPost || request.path != "/api/clients" {
		t.Fatalf("unexpected request line %s %s", request.method, request.path)
	}
	if request.contentType != "application/json" {
		t.Fatalf("expected json content type, got %q", request.contentType)
	}
	if request.body != `{"name":"acme"}` {
		t.Fatalf("unexpected body %q", request.body)
	}
	if request.requestID == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestDispatcherOmitsBearerWhenLoggedOut(t *testing.T) {
	server, recorded := newRecordingServer(t, http.StatusOK, 0)
	dispatcher := newTestDispatcher(t, server.URL, NewSessionStore())

	if _, err := dispatcher.Execute(context.Background(), RequestSpec{URL: "/api/public"}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	request := <-recorded
	if request.authorization != "" {
		t.Fatalf("expected no authorization header, got %q", request.authorization)
	}
	if request.method != http.MethodGet {
		t.Fatalf("expected GET by default, got %s", request.method)
	}
}

func TestDispatcherPreservesCallerHeaders(t *testing.T) {
	server, recorded := newRecordingServer(t, http.StatusOK, 0)
	dispatcher := newTestDispatcher(t, server.URL, NewSessionStore())

	header := http.Header{}
	header.Set(requestIDHeader, "caller-id")
	header.Set("Content-Type", "text/plain")
	if _, err := dispatcher.Execute(context.Background(), RequestSpec{URL: server.URL + "/api/notes", Header: header, Body: []byte("hi")}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	request := <-recorded
	if request.requestID != "caller-id" || request.contentType != "text/plain" {
		t.Fatalf("caller headers were overwritten: %+v", request)
	}
}

func TestDispatcherClassifiesStatuses(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		expected error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, expected: ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, expected: ErrUpstream},
		{name: "server error", status: http.StatusServiceUnavailable, expected: ErrUpstream},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server, _ := newRecordingServer(t, testCase.status, 0)
			dispatcher := newTestDispatcher(t, server.URL, NewSessionStore())

			_, err := dispatcher.Execute(context.Background(), RequestSpec{URL: "/api/kpis"})
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
			var dispatchErr *DispatchError
			if !errors.As(err, &dispatchErr) || dispatchErr.StatusCode != testCase.status {
				t.Fatalf("expected status %d on dispatch error, got %v", testCase.status, err)
			}
		})
	}
}

func TestDispatcherTimesOut(t *testing.T) {
	server, _ := newRecordingServer(t, http.StatusOK, time.Second)
	dispatcher := newTestDispatcher(t, server.URL, NewSessionStore())

	_, err := dispatcher.Execute(context.Background(), RequestSpec{URL: "/api/slow", Timeout: 30 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestDispatcherReportsTransportFailures(t *testing.T) {
	server, _ := newRecordingServer(t, http.StatusOK, 0)
	baseURL := server.URL
	server.Close()
	dispatcher := newTestDispatcher(t, baseURL, NewSessionStore())

	_, err := dispatcher.Execute(context.Background(), RequestSpec{URL: "/api/kpis"})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestDispatcherRejectsOversizedBodies(t *testing.T) {
	testCases := []struct {
		name      string
		bodySize  int
		expectErr bool
	}{
		{name: "at limit", bodySize: maxResponseBodyBytes},
		{name: "over limit", bodySize: maxResponseBodyBytes + 1024, expectErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte("x"), testCase.bodySize)
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				writer.WriteHeader(http.StatusOK)
				_, _ = writer.Write(payload)
			}))
			t.Cleanup(server.Close)
			dispatcher := newTestDispatcher(t, server.URL, NewSessionStore())

			response, err := dispatcher.Execute(context.Background(), RequestSpec{URL: "/api/export"})
			if testCase.expectErr {
				if !errors.Is(err, ErrTransport) || !errors.Is(err, errResponseTooLarge) {
					t.Fatalf("expected response too large error, got %v", err)
				}
				var dispatchErr *DispatchError
				if !errors.As(err, &dispatchErr) || dispatchErr.StatusCode != http.StatusOK {
					t.Fatalf("expected status 200 on the dispatch error, got %v", err)
				}
				if response != nil {
					t.Fatalf("expected no partial response")
				}
				return
			}
			if err != nil {
				t.Fatalf("execute failed: %v", err)
			}
			if len(response.Body) != testCase.bodySize {
				t.Fatalf("expected %d bytes, got %d", testCase.bodySize, len(response.Body))
			}
		})
	}
}

func TestDispatcherRejectsEmptyURL(t *testing.T) {
	dispatcher := newTestDispatcher(t, "", NewSessionStore())
	_, err := dispatcher.Execute(context.Background(), RequestSpec{})
	if !errors.Is(err, ErrTransport) || !errors.Is(err, errEmptyRequestURL) {
		t.Fatalf("expected transport error for empty url, got %v", err)
	}
}

func TestDispatcherRequiresStore(t *testing.T) {
	if _, err := NewDispatcher(DispatcherConfig{}); err == nil {
		t.Fatalf("expected an error without a credential store")
	}
}
