package authpipe

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SessionState is a Lifecycle state.
type SessionState int

const (
	// SessionLoggedOut means no credential is present.
	SessionLoggedOut SessionState = iota
	// SessionAuthenticated means a valid credential is present and no refresh is running.
	SessionAuthenticated
	// SessionRefreshPending means a refresh exchange is in flight. It is transient.
	SessionRefreshPending
)

// String returns the lower-case label of the state.
func (state SessionState) String() string {
	switch state {
	case SessionAuthenticated:
		return "authenticated"
	case SessionRefreshPending:
		return "refresh_pending"
	default:
		return "logged_out"
	}
}

// ErrInvalidTransition is returned when a requested state change is not allowed.
var ErrInvalidTransition = errors.New("session.invalid_transition")

var allowedTransitions = map[SessionState]map[SessionState]bool{
	SessionLoggedOut: {
		SessionAuthenticated: true,
		SessionLoggedOut:     true,
	},
	SessionAuthenticated: {
		SessionAuthenticated:  true,
		SessionRefreshPending: true,
		SessionLoggedOut:      true,
	},
	SessionRefreshPending: {
		SessionAuthenticated: true,
		SessionLoggedOut:     true,
	},
}

// TransitionListener observes state changes.
type TransitionListener func(from SessionState, to SessionState)

// Lifecycle tracks the session state and emits the logout signal.
type Lifecycle struct {
	mutex               sync.Mutex
	state               SessionState
	nextListenerID      uint64
	logoutListeners     map[uint64]func()
	transitionListeners map[uint64]TransitionListener
	logger              *zap.Logger
}

// NewLifecycle constructs a lifecycle in the LoggedOut state.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		state:               SessionLoggedOut,
		logoutListeners:     make(map[uint64]func()),
		transitionListeners: make(map[uint64]TransitionListener),
		logger:              logger,
	}
}

// State returns the current state.
func (lifecycle *Lifecycle) State() SessionState {
	lifecycle.mutex.Lock()
	defer lifecycle.mutex.Unlock()
	return lifecycle.state
}

// OnLogout registers a listener for the logout signal and returns its unsubscribe function.
func (lifecycle *Lifecycle) OnLogout(listener func()) func() {
	lifecycle.mutex.Lock()
	defer lifecycle.mutex.Unlock()
	listenerID := lifecycle.nextListenerID
	lifecycle.nextListenerID++
	lifecycle.logoutListeners[listenerID] = listener
	return func() {
		lifecycle.mutex.Lock()
		defer lifecycle.mutex.Unlock()
		delete(lifecycle.logoutListeners, listenerID)
	}
}

// OnTransition registers a listener for state changes and returns its unsubscribe function.
func (lifecycle *Lifecycle) OnTransition(listener TransitionListener) func() {
	lifecycle.mutex.Lock()
	defer lifecycle.mutex.Unlock()
	listenerID := lifecycle.nextListenerID
	lifecycle.nextListenerID++
	lifecycle.transitionListeners[listenerID] = listener
	return func() {
		lifecycle.mutex.Lock()
		defer lifecycle.mutex.Unlock()
		delete(lifecycle.transitionListeners, listenerID)
	}
}

// ObserveCredential is the CredentialStore change listener: a valid credential
// authenticates the session, an empty one logs it out.
func (lifecycle *Lifecycle) ObserveCredential(previous Credential, current Credential) {
	target := SessionLoggedOut
	if current.State() == IssuedStateValid {
		target = SessionAuthenticated
	}
	if err := lifecycle.transition(target); err != nil {
		lifecycle.logger.Warn("credential change rejected by lifecycle",
			zap.String("code", "session.transition_rejected"),
			zap.Error(err))
	}
}

// beginRefresh moves Authenticated to RefreshPending. It reports false when the
// session is no longer authenticated (for example after an explicit logout).
func (lifecycle *Lifecycle) beginRefresh() bool {
	return lifecycle.transition(SessionRefreshPending) == nil
}

// settle resolves a RefreshPending state left behind by an aborted refresher.
func (lifecycle *Lifecycle) settle(current Credential) {
	lifecycle.mutex.Lock()
	pending := lifecycle.state == SessionRefreshPending
	lifecycle.mutex.Unlock()
	if pending {
		lifecycle.ObserveCredential(current, current)
	}
}

// signalLogout notifies logout listeners. The signal carries no payload.
func (lifecycle *Lifecycle) signalLogout() {
	lifecycle.mutex.Lock()
	listeners := make([]func(), 0, len(lifecycle.logoutListeners))
	for _, listener := range lifecycle.logoutListeners {
		listeners = append(listeners, listener)
	}
	lifecycle.mutex.Unlock()
	lifecycle.logger.Info("session ended", zap.String("code", "session.logout"))
	for _, listener := range listeners {
		listener()
	}
}

func (lifecycle *Lifecycle) transition(target SessionState) error {
	lifecycle.mutex.Lock()
	from := lifecycle.state
	if !allowedTransitions[from][target] {
		lifecycle.mutex.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}
	lifecycle.state = target
	listeners := make([]TransitionListener, 0, len(lifecycle.transitionListeners))
	for _, listener := range lifecycle.transitionListeners {
		listeners = append(listeners, listener)
	}
	lifecycle.mutex.Unlock()
	if from == target {
		return nil
	}
	for _, listener := range listeners {
		listener(from, target)
	}
	return nil
}
