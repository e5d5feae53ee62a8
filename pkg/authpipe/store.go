package authpipe

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultNamespace keys the persisted session credential.
const DefaultNamespace = "authpipe.session"

// CredentialStore owns the current session credential.
// Read never blocks; writers serialize through the RefreshCoordinator.
type CredentialStore interface {
	Read() Credential
	Write(ctx context.Context, credential Credential) error
	Clear(ctx context.Context) error
}

// CredentialPersister stores a credential durably under a namespace.
type CredentialPersister interface {
	// Load returns the stored credential and whether one was found.
	Load(ctx context.Context, namespace string) (Credential, bool, error)
	Save(ctx context.Context, namespace string, credential Credential) error
	Delete(ctx context.Context, namespace string) error
}

// ChangeListener observes snapshot replacements.
type ChangeListener func(previous Credential, current Credential)

// StoreOption customizes a SessionStore.
type StoreOption func(*SessionStore)

// WithPersister persists every write under the namespace (DefaultNamespace when empty).
func WithPersister(persister CredentialPersister, namespace string) StoreOption {
	return func(store *SessionStore) {
		store.persister = persister
		if namespace != "" {
			store.namespace = namespace
		}
	}
}

// WithChangeListener registers a listener invoked after each Write and Clear.
func WithChangeListener(listener ChangeListener) StoreOption {
	return func(store *SessionStore) {
		if listener != nil {
			store.listeners = append(store.listeners, listener)
		}
	}
}

// WithStoreLogger sets the logger used for persistence warnings.
func WithStoreLogger(logger *zap.Logger) StoreOption {
	return func(store *SessionStore) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// SessionStore is the CredentialStore implementation. Listeners are fixed at construction
// so notification needs no locking.
type SessionStore struct {
	current   atomic.Pointer[Credential]
	persister CredentialPersister
	namespace string
	listeners []ChangeListener
	logger    *zap.Logger
}

// NewSessionStore constructs an empty (logged-out) store.
func NewSessionStore(options ...StoreOption) *SessionStore {
	store := &SessionStore{
		namespace: DefaultNamespace,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		option(store)
	}
	store.current.Store(&Credential{})
	return store
}

// Namespace returns the persistence key.
func (store *SessionStore) Namespace() string {
	return store.namespace
}

// Read returns the current snapshot.
func (store *SessionStore) Read() Credential {
	return *store.current.Load()
}

// Write replaces the snapshot, notifies listeners, and persists the credential.
func (store *SessionStore) Write(ctx context.Context, credential Credential) error {
	if err := credential.Validate(); err != nil {
		return fmt.Errorf("credential_store.write: %w", err)
	}
	store.replace(credential)
	if store.persister == nil {
		return nil
	}
	if err := store.persister.Save(ctx, store.namespace, credential); err != nil {
		store.logger.Warn("credential persistence failed",
			zap.String("code", "credential_store.save_failed"),
			zap.String("namespace", store.namespace),
			zap.Error(err))
		return fmt.Errorf("credential_store.save: %w", err)
	}
	return nil
}

// Clear resets the snapshot to the logged-out credential.
func (store *SessionStore) Clear(ctx context.Context) error {
	store.replace(Credential{})
	if store.persister == nil {
		return nil
	}
	if err := store.persister.Delete(ctx, store.namespace); err != nil {
		store.logger.Warn("credential deletion failed",
			zap.String("code", "credential_store.delete_failed"),
			zap.String("namespace", store.namespace),
			zap.Error(err))
		return fmt.Errorf("credential_store.delete: %w", err)
	}
	return nil
}

// Rehydrate loads the persisted credential. Missing or malformed data leaves the store logged out.
func (store *SessionStore) Rehydrate(ctx context.Context) error {
	if store.persister == nil {
		return nil
	}
	credential, found, err := store.persister.Load(ctx, store.namespace)
	if err != nil {
		return fmt.Errorf("credential_store.load: %w", err)
	}
	if !found || credential.State() != IssuedStateValid {
		return nil
	}
	store.replace(credential)
	return nil
}

func (store *SessionStore) replace(credential Credential) {
	snapshot := credential
	previous := store.current.Swap(&snapshot)
	for _, listener := range store.listeners {
		listener(*previous, snapshot)
	}
}
