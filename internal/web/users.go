package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/tyemirov/authpipe/internal/authkit"
	"github.com/tyemirov/authpipe/pkg/sessionvalidator"
)

var (
	// ErrUserProfileNotFound is returned when a profile is missing in the store.
	ErrUserProfileNotFound = errors.New("user_profile.not_found")
	// ErrInvalidCredentials is returned when the username or password does not match.
	ErrInvalidCredentials = errors.New("user_store.invalid_credentials")
	// ErrInvalidUserSpec is returned when a user specification cannot be parsed.
	ErrInvalidUserSpec = errors.New("user_store.invalid_user_spec")
)

// InMemoryUsers is a bcrypt-backed user store used for demo and local runs.
type InMemoryUsers struct {
	mutex      sync.RWMutex
	byUsername map[string]userRecord
	byUserID   map[string]string
	hashCost   int
	decoyHash  []byte
}

type userRecord struct {
	passwordHash []byte
	profile      authkit.UserProfile
}

// NewInMemoryUsers constructs an empty store.
func NewInMemoryUsers() *InMemoryUsers {
	return &InMemoryUsers{
		byUsername: make(map[string]userRecord),
		byUserID:   make(map[string]string),
		hashCost:   bcrypt.DefaultCost,
	}
}

// AddUser hashes the password and registers the user under "user:<username>".
func (store *InMemoryUsers) AddUser(username string, password string, display string, roles []string) error {
	normalized := strings.ToLower(strings.TrimSpace(username))
	if normalized == "" || password == "" {
		return fmt.Errorf("user_store.add: %w: username and password are required", ErrInvalidUserSpec)
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), store.hashCost)
	if err != nil {
		return fmt.Errorf("user_store.add: %w", err)
	}
	if display == "" {
		display = username
	}
	profile := authkit.UserProfile{
		UserID:  "user:" + normalized,
		Display: display,
		Roles:   append([]string(nil), roles...),
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.byUsername[normalized] = userRecord{passwordHash: passwordHash, profile: profile}
	store.byUserID[profile.UserID] = normalized
	if store.decoyHash == nil {
		store.decoyHash = passwordHash
	}
	return nil
}

// AddUserSpec registers a user described as "username:password[:role1,role2]".
func (store *InMemoryUsers) AddUserSpec(spec string) error {
	parts := strings.SplitN(strings.TrimSpace(spec), ":", 3)
	if len(parts) < 2 {
		return fmt.Errorf("user_store.add_spec: %w: expected username:password[:roles]", ErrInvalidUserSpec)
	}
	var roles []string
	if len(parts) == 3 {
		for _, role := range strings.Split(parts[2], ",") {
			if trimmed := strings.TrimSpace(role); trimmed != "" {
				roles = append(roles, trimmed)
			}
		}
	}
	return store.AddUser(parts[0], parts[1], parts[0], roles)
}

// Authenticate compares the password against the stored bcrypt hash.
func (store *InMemoryUsers) Authenticate(ctx context.Context, username string, password string) (authkit.UserProfile, error) {
	store.mutex.RLock()
	record, found := store.byUsername[strings.ToLower(strings.TrimSpace(username))]
	decoyHash := store.decoyHash
	store.mutex.RUnlock()

	if !found {
		if decoyHash != nil {
			_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(password))
		}
		return authkit.UserProfile{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(record.passwordHash, []byte(password)); err != nil {
		return authkit.UserProfile{}, ErrInvalidCredentials
	}
	return record.profile, nil
}

// GetUserProfile returns a profile by user id.
func (store *InMemoryUsers) GetUserProfile(ctx context.Context, userID string) (authkit.UserProfile, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	username, found := store.byUserID[userID]
	if !found {
		return authkit.UserProfile{}, ErrUserProfileNotFound
	}
	return store.byUsername[username].profile, nil
}

// HandleWhoAmI resolves the authenticated user's profile payload.
func HandleWhoAmI(users authkit.UserStore, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		claims, found := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
		if !found || claims.GetUserID() == "" {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		profile, profileErr := users.GetUserProfile(contextGin, claims.GetUserID())
		if profileErr != nil {
			if errors.Is(profileErr, ErrUserProfileNotFound) {
				logger.Warn("user profile missing",
					zap.String("code", "api.me.profile_missing"),
					zap.String("user_id", claims.GetUserID()))
				contextGin.AbortWithStatus(http.StatusNotFound)
				return
			}
			logger.Error("user profile lookup error",
				zap.String("code", "api.me.profile_error"),
				zap.String("user_id", claims.GetUserID()),
				zap.Error(profileErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"user_id": profile.UserID,
			"display": profile.Display,
			"roles":   profile.Roles,
			"expires": claims.GetExpiresAt().Format(time.RFC3339),
		})
	}
}
