package authpipe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestSessionStoreWriteReadClear(t *testing.T) {
	persister := newCountingPersister()
	var notified []string
	store := NewSessionStore(
		WithPersister(persister, "tenant.a"),
		WithStoreLogger(zaptest.NewLogger(t)),
		WithChangeListener(func(previous Credential, current Credential) {
			notified = append(notified, previous.AccessSecret+">"+current.AccessSecret)
		}),
	)

	if store.Read().State() != IssuedStateNone {
		t.Fatalf("expected a logged-out store")
	}
	credential := mustCredential(t, "A1", "R1")
	if err := store.Write(context.Background(), credential); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := store.Read(); got.AccessSecret != "A1" || got.RefreshSecret != "R1" || !got.Claims.Has("admin") {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if stored := persister.records["tenant.a"]; stored.AccessSecret != "A1" {
		t.Fatalf("credential not persisted under namespace, got %+v", persister.records)
	}

	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if store.Read().State() != IssuedStateNone {
		t.Fatalf("expected cleared store")
	}
	if _, found := persister.records["tenant.a"]; found {
		t.Fatalf("expected persisted credential to be deleted")
	}
	if len(notified) != 2 || notified[0] != ">A1" || notified[1] != "A1>" {
		t.Fatalf("unexpected notifications %v", notified)
	}
}

func TestSessionStoreRejectsIncompleteCredential(t *testing.T) {
	persister := newCountingPersister()
	store := NewSessionStore(WithPersister(persister, ""))
	err := store.Write(context.Background(), Credential{AccessSecret: "A1"})
	if !errors.Is(err, ErrIncompleteCredential) {
		t.Fatalf("expected ErrIncompleteCredential, got %v", err)
	}
	if store.Read().State() != IssuedStateNone || persister.saveCalls != 0 {
		t.Fatalf("incomplete credential must not be stored")
	}
	if store.Namespace() != DefaultNamespace {
		t.Fatalf("expected default namespace, got %q", store.Namespace())
	}
}

func TestSessionStoreKeepsSnapshotWhenPersistenceFails(t *testing.T) {
	persister := newCountingPersister()
	persister.saveErr = errExchangeUnavailable
	store := NewSessionStore(WithPersister(persister, ""))

	err := store.Write(context.Background(), mustCredential(t, "A1", "R1"))
	if !errors.Is(err, errExchangeUnavailable) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if store.Read().AccessSecret != "A1" {
		t.Fatalf("in-memory snapshot must survive a persistence failure")
	}
}

func TestSessionStoreRehydrate(t *testing.T) {
	testCases := []struct {
		name     string
		seed     map[string]Credential
		expected string
	}{
		{name: "valid credential", seed: map[string]Credential{DefaultNamespace: {AccessSecret: "A5", RefreshSecret: "R5"}}, expected: "A5"},
		{name: "missing credential", seed: map[string]Credential{}, expected: ""},
		{name: "incomplete credential", seed: map[string]Credential{DefaultNamespace: {AccessSecret: "A5"}}, expected: ""},
		{name: "other namespace", seed: map[string]Credential{"other": {AccessSecret: "A6", RefreshSecret: "R6"}}, expected: ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			persister := newCountingPersister()
			persister.records = testCase.seed
			store := NewSessionStore(WithPersister(persister, ""))
			if err := store.Rehydrate(context.Background()); err != nil {
				t.Fatalf("rehydrate failed: %v", err)
			}
			if store.Read().AccessSecret != testCase.expected {
				t.Fatalf("expected access secret %q, got %q", testCase.expected, store.Read().AccessSecret)
			}
		})
	}
}

func TestSessionStoreConcurrentReadsSeeWholeSnapshots(t *testing.T) {
	store := NewSessionStore()
	pairs := [][2]string{{"A1", "R1"}, {"A2", "R2"}, {"A3", "R3"}}

	var waitGroup sync.WaitGroup
	waitGroup.Add(2)
	go func() {
		defer waitGroup.Done()
		for iteration := 0; iteration < 500; iteration++ {
			pair := pairs[iteration%len(pairs)]
			_ = store.Write(context.Background(), Credential{AccessSecret: pair[0], RefreshSecret: pair[1]})
		}
	}()
	mismatch := make(chan string, 1)
	go func() {
		defer waitGroup.Done()
		for iteration := 0; iteration < 500; iteration++ {
			snapshot := store.Read()
			if snapshot.State() == IssuedStateNone {
				continue
			}
			if snapshot.AccessSecret[1:] != snapshot.RefreshSecret[1:] {
				select {
				case mismatch <- snapshot.AccessSecret + "/" + snapshot.RefreshSecret:
				default:
				}
			}
		}
	}()
	waitGroup.Wait()
	select {
	case torn := <-mismatch:
		t.Fatalf("observed torn snapshot %s", torn)
	default:
	}
}

func TestClientRehydratesPersistedSession(t *testing.T) {
	persister := newCountingPersister()
	persister.records[DefaultNamespace] = Credential{AccessSecret: "A7", RefreshSecret: "R7", Identity: "user-7"}

	client, err := New(context.Background(), Config{
		BaseURL:   "http://127.0.0.1:1",
		Persister: persister,
		Logger:    zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	if client.State() != SessionAuthenticated {
		t.Fatalf("expected authenticated after rehydrate, got %s", client.State())
	}
	if client.Session().Identity != "user-7" {
		t.Fatalf("unexpected identity %q", client.Session().Identity)
	}
}
