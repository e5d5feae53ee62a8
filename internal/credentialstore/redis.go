package credentialstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tyemirov/authpipe/pkg/authpipe"
)

// DefaultRedisKeyPrefix prefixes every credential key.
const DefaultRedisKeyPrefix = "authpipe"

// RedisCredentialPersister keeps the credential as a JSON value under <prefix>:<namespace>.
type RedisCredentialPersister struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCredentialPersister wraps a connected client. A zero ttl keeps keys until deleted.
func NewRedisCredentialPersister(client redis.UniversalClient, keyPrefix string, ttl time.Duration) (*RedisCredentialPersister, error) {
	if client == nil {
		return nil, errors.New("credential_store.redis.new: client is required")
	}
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisCredentialPersister{client: client, keyPrefix: keyPrefix, ttl: ttl}, nil
}

func (persister *RedisCredentialPersister) key(namespace string) string {
	return persister.keyPrefix + ":" + namespace
}

// Load returns the credential stored under the namespace.
func (persister *RedisCredentialPersister) Load(ctx context.Context, namespace string) (authpipe.Credential, bool, error) {
	payload, err := persister.client.Get(ctx, persister.key(namespace)).Bytes()
	if errors.Is(err, redis.Nil) {
		return authpipe.Credential{}, false, nil
	}
	if err != nil {
		return authpipe.Credential{}, false, fmt.Errorf("credential_store.load.redis: %w", err)
	}
	var credential authpipe.Credential
	if decodeErr := json.Unmarshal(payload, &credential); decodeErr != nil {
		return authpipe.Credential{}, false, fmt.Errorf("credential_store.load.redis: %w: %w", ErrCorruptRecord, decodeErr)
	}
	if validateErr := credential.Validate(); validateErr != nil {
		return authpipe.Credential{}, false, fmt.Errorf("credential_store.load.redis: %w: %w", ErrCorruptRecord, validateErr)
	}
	return credential, true, nil
}

// Save writes the credential under the namespace.
func (persister *RedisCredentialPersister) Save(ctx context.Context, namespace string, credential authpipe.Credential) error {
	payload, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("credential_store.save.redis: %w", err)
	}
	if err := persister.client.Set(ctx, persister.key(namespace), payload, persister.ttl).Err(); err != nil {
		return fmt.Errorf("credential_store.save.redis: %w", err)
	}
	return nil
}

// Delete removes the namespace key.
func (persister *RedisCredentialPersister) Delete(ctx context.Context, namespace string) error {
	if err := persister.client.Del(ctx, persister.key(namespace)).Err(); err != nil {
		return fmt.Errorf("credential_store.delete.redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (persister *RedisCredentialPersister) Close() error {
	return persister.client.Close()
}
