package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	byHash map[string]*memoryRecord
}

type memoryRecord struct {
	TokenID         string
	UserID          string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
	IssuedAtUnix    int64
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{byHash: make(map[string]*memoryRecord)}
}

// Issue creates a new token for the user.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, userID string, expiresUnix int64) (RefreshGrant, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.issueLocked(userID, expiresUnix, "")
}

// Rotate revokes the presented token and issues its successor in one step.
func (store *MemoryRefreshTokenStore) Rotate(ctx context.Context, tokenOpaque string, expiresUnix int64) (RefreshGrant, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.activeRecordLocked(tokenOpaque)
	if err != nil {
		return RefreshGrant{}, fmt.Errorf("refresh_store.rotate.memory: %w", err)
	}
	record.RevokedAtUnix = time.Now().UTC().Unix()
	return store.issueLocked(record.UserID, expiresUnix, record.TokenID)
}

// Revoke marks the presented token as revoked.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenOpaque string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if strings.TrimSpace(tokenOpaque) == "" {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenEmptyOpaque)
	}
	record := store.byHash[hashOpaque(tokenOpaque)]
	if record == nil {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenAlreadyRevoked)
	}
	record.RevokedAtUnix = time.Now().UTC().Unix()
	return nil
}

func (store *MemoryRefreshTokenStore) issueLocked(userID string, expiresUnix int64, previousTokenID string) (RefreshGrant, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return RefreshGrant{}, err
	}
	record := &memoryRecord{
		TokenID:         newRefreshTokenID(),
		UserID:          userID,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    time.Now().UTC().Unix(),
	}
	store.byHash[hashValue] = record
	return RefreshGrant{
		TokenID:     record.TokenID,
		UserID:      userID,
		Opaque:      opaque,
		ExpiresUnix: expiresUnix,
	}, nil
}

func (store *MemoryRefreshTokenStore) activeRecordLocked(tokenOpaque string) (*memoryRecord, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return nil, ErrRefreshTokenEmptyOpaque
	}
	record := store.byHash[hashOpaque(tokenOpaque)]
	if record == nil {
		return nil, ErrRefreshTokenNotFound
	}
	if record.RevokedAtUnix != 0 {
		return nil, ErrRefreshTokenRevoked
	}
	if time.Unix(record.ExpiresUnix, 0).Before(time.Now().UTC()) {
		return nil, ErrRefreshTokenExpired
	}
	return record, nil
}
