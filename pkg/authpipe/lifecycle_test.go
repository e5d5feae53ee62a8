package authpipe

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

type transitionRecorder struct {
	mutex       sync.Mutex
	transitions []string
}

func (recorder *transitionRecorder) record(from SessionState, to SessionState) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.transitions = append(recorder.transitions, from.String()+"->"+to.String())
}

func (recorder *transitionRecorder) snapshot() []string {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]string(nil), recorder.transitions...)
}

func TestLifecycleFollowsCredentialStore(t *testing.T) {
	lifecycle := NewLifecycle(zaptest.NewLogger(t))
	recorder := &transitionRecorder{}
	lifecycle.OnTransition(recorder.record)
	store := NewSessionStore(WithChangeListener(lifecycle.ObserveCredential))

	if lifecycle.State() != SessionLoggedOut {
		t.Fatalf("expected initial logged out state, got %s", lifecycle.State())
	}
	if err := store.Write(context.Background(), mustCredential(t, "A1", "R1")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !lifecycle.beginRefresh() {
		t.Fatalf("expected refresh to begin from authenticated")
	}
	if err := store.Write(context.Background(), mustCredential(t, "A2", "R2")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	expected := []string{
		"logged_out->authenticated",
		"authenticated->refresh_pending",
		"refresh_pending->authenticated",
		"authenticated->logged_out",
	}
	if transitions := recorder.snapshot(); !reflect.DeepEqual(transitions, expected) {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestLifecycleRejectsInvalidTransitions(t *testing.T) {
	testCases := []struct {
		name   string
		from   SessionState
		target SessionState
	}{
		{name: "refresh without session", from: SessionLoggedOut, target: SessionRefreshPending},
		{name: "nested refresh", from: SessionRefreshPending, target: SessionRefreshPending},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			lifecycle := NewLifecycle(nil)
			lifecycle.state = testCase.from
			err := lifecycle.transition(testCase.target)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if lifecycle.State() != testCase.from {
				t.Fatalf("state changed on rejected transition: %s", lifecycle.State())
			}
		})
	}
}

func TestLifecycleSettleResolvesPendingRefresh(t *testing.T) {
	lifecycle := NewLifecycle(nil)
	if err := lifecycle.transition(SessionAuthenticated); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if !lifecycle.beginRefresh() {
		t.Fatalf("expected refresh to begin")
	}
	lifecycle.settle(Credential{})
	if lifecycle.State() != SessionLoggedOut {
		t.Fatalf("expected logged out after settling without credential, got %s", lifecycle.State())
	}

	lifecycle.settle(Credential{})
	if lifecycle.State() != SessionLoggedOut {
		t.Fatalf("settle must be a no-op outside refresh_pending")
	}
}

func TestLifecycleLogoutListenersUnsubscribe(t *testing.T) {
	lifecycle := NewLifecycle(nil)
	var first, second int
	unsubscribe := lifecycle.OnLogout(func() { first++ })
	lifecycle.OnLogout(func() { second++ })

	lifecycle.signalLogout()
	unsubscribe()
	lifecycle.signalLogout()

	if first != 1 || second != 2 {
		t.Fatalf("unexpected listener counts first=%d second=%d", first, second)
	}
}

func TestSessionStateStrings(t *testing.T) {
	testCases := map[SessionState]string{
		SessionLoggedOut:      "logged_out",
		SessionAuthenticated:  "authenticated",
		SessionRefreshPending: "refresh_pending",
	}
	for state, expected := range testCases {
		if state.String() != expected {
			t.Fatalf("expected %q, got %q", expected, state.String())
		}
	}
}
