package authpipe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeBackend serves /api/* (bearer protected), /auth/refresh, and /auth/logout.
type fakeBackend struct {
	mutex          sync.Mutex
	acceptedAccess map[string]bool
	rotations      map[string]tokenPairResponse
	refreshCalls   []string
	protectedCalls []string
	refreshStatus  int
	refreshDelay   time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		acceptedAccess: make(map[string]bool),
		rotations:      make(map[string]tokenPairResponse),
	}
}

func (backend *fakeBackend) accept(accessSecrets ...string) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.acceptedAccess = make(map[string]bool)
	for _, accessSecret := range accessSecrets {
		backend.acceptedAccess[accessSecret] = true
	}
}

func (backend *fakeBackend) rotate(refreshSecret string, next tokenPairResponse) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.rotations[refreshSecret] = next
}

func (backend *fakeBackend) refreshCallsSnapshot() []string {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return append([]string(nil), backend.refreshCalls...)
}

func (backend *fakeBackend) protectedCallCount() int {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return len(backend.protectedCalls)
}

func (backend *fakeBackend) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	switch {
	case request.URL.Path == DefaultRefreshPath:
		backend.serveRefresh(writer, request)
	case request.URL.Path == DefaultLogoutPath:
		writer.WriteHeader(http.StatusNoContent)
	case request.URL.Path == "/api/broken":
		writer.WriteHeader(http.StatusInternalServerError)
		_, _ = writer.Write([]byte(`{"error":"boom"}`))
	case strings.HasPrefix(request.URL.Path, "/api/"):
		backend.serveProtected(writer, request)
	default:
		writer.WriteHeader(http.StatusNotFound)
	}
}

func (backend *fakeBackend) serveProtected(writer http.ResponseWriter, request *http.Request) {
	accessSecret := strings.TrimPrefix(request.Header.Get("Authorization"), "Bearer ")
	backend.mutex.Lock()
	backend.protectedCalls = append(backend.protectedCalls, accessSecret)
	accepted := backend.acceptedAccess[accessSecret]
	backend.mutex.Unlock()
	if !accepted {
		writer.WriteHeader(http.StatusUnauthorized)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	_, _ = writer.Write([]byte(`{"ok":true,"token":"` + accessSecret + `"}`))
}

func (backend *fakeBackend) serveRefresh(writer http.ResponseWriter, request *http.Request) {
	var inbound tokenPairRequest
	if err := json.NewDecoder(request.Body).Decode(&inbound); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	backend.mutex.Lock()
	backend.refreshCalls = append(backend.refreshCalls, inbound.RefreshToken)
	delay := backend.refreshDelay
	status := backend.refreshStatus
	next, found := backend.rotations[inbound.RefreshToken]
	backend.mutex.Unlock()

	time.Sleep(delay)
	if status != 0 {
		writer.WriteHeader(status)
		return
	}
	if !found {
		writer.WriteHeader(http.StatusUnauthorized)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(next)
}

// countingPersister records persistence calls in memory.
type countingPersister struct {
	mutex      sync.Mutex
	records    map[string]Credential
	saveCalls  int
	loadCalls  int
	deleteCall int
	saveErr    error
}

func newCountingPersister() *countingPersister {
	return &countingPersister{records: make(map[string]Credential)}
}

func (persister *countingPersister) Load(ctx context.Context, namespace string) (Credential, bool, error) {
	persister.mutex.Lock()
	defer persister.mutex.Unlock()
	persister.loadCalls++
	credential, found := persister.records[namespace]
	return credential, found, nil
}

func (persister *countingPersister) Save(ctx context.Context, namespace string, credential Credential) error {
	persister.mutex.Lock()
	defer persister.mutex.Unlock()
	persister.saveCalls++
	if persister.saveErr != nil {
		return persister.saveErr
	}
	persister.records[namespace] = credential
	return nil
}

func (persister *countingPersister) Delete(ctx context.Context, namespace string) error {
	persister.mutex.Lock()
	defer persister.mutex.Unlock()
	persister.deleteCall++
	delete(persister.records, namespace)
	return nil
}

func (persister *countingPersister) deleteCount() int {
	persister.mutex.Lock()
	defer persister.mutex.Unlock()
	return persister.deleteCall
}

type pipelineFixture struct {
	client    *Client
	backend   *fakeBackend
	persister *countingPersister
	metrics   *CounterMetrics
	logouts   *atomic.Int64
}

func newPipelineFixture(t *testing.T, backend *fakeBackend, exchanger RefreshExchanger) *pipelineFixture {
	t.Helper()
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	persister := newCountingPersister()
	metrics := NewCounterMetrics()
	client, err := New(context.Background(), Config{
		BaseURL:   server.URL,
		Timeout:   5 * time.Second,
		Persister: persister,
		Exchanger: exchanger,
		Logger:    zaptest.NewLogger(t),
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	logouts := &atomic.Int64{}
	client.OnLogout(func() { logouts.Add(1) })
	return &pipelineFixture{
		client:    client,
		backend:   backend,
		persister: persister,
		metrics:   metrics,
		logouts:   logouts,
	}
}

func mustCredential(t *testing.T, accessSecret string, refreshSecret string) Credential {
	t.Helper()
	credential, err := NewCredential(accessSecret, refreshSecret, "user-1", NewClaimSet("admin"))
	if err != nil {
		t.Fatalf("failed to build credential: %v", err)
	}
	return credential
}

func runConcurrently(callCount int, call func() error) []error {
	var waitGroup sync.WaitGroup
	waitGroup.Add(callCount)
	results := make(chan error, callCount)
	start := make(chan struct{})
	for index := 0; index < callCount; index++ {
		go func() {
			defer waitGroup.Done()
			<-start
			results <- call()
		}()
	}
	close(start)
	waitGroup.Wait()
	close(results)
	collected := make([]error, 0, callCount)
	for err := range results {
		collected = append(collected, err)
	}
	return collected
}

func waitForState(t *testing.T, lifecycle *Lifecycle, expected SessionState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if lifecycle.State() == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("lifecycle never reached %s (current %s)", expected, lifecycle.State())
}

var errExchangeUnavailable = errors.New("exchange unavailable")
