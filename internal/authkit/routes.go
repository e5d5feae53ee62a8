package authkit

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Auth event names recorded through MetricsRecorder.
const (
	MetricLoginSuccess   = "auth.login.success"
	MetricLoginFailure   = "auth.login.failure"
	MetricRefreshSuccess = "auth.refresh.success"
	MetricRefreshFailure = "auth.refresh.failure"
	MetricLogout         = "auth.logout"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// RouteDependencies groups the collaborators of the auth routes.
type RouteDependencies struct {
	Users         UserStore
	RefreshTokens RefreshTokenStore
	Logger        *zap.Logger
	Metrics       MetricsRecorder
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenPairRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type tokenPairResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	UserID       string   `json:"user_id"`
	UserRoles    []string `json:"user_roles"`
}

// MountAuthRoutes registers /auth/login, /auth/refresh, and /auth/logout.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, dependencies RouteDependencies) error {
	normalized, err := configuration.Normalize()
	if err != nil {
		return err
	}
	if dependencies.Users == nil {
		return errors.New("auth_routes.mount: user store is required")
	}
	if dependencies.RefreshTokens == nil {
		return errors.New("auth_routes.mount: refresh token store is required")
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	handlers := &authHandlers{
		configuration: normalized,
		users:         dependencies.Users,
		refreshTokens: dependencies.RefreshTokens,
		logger:        logger,
		metrics:       metrics,
	}
	router.POST("/auth/login", handlers.login)
	router.POST("/auth/refresh", handlers.refresh)
	router.POST("/auth/logout", handlers.logout)
	return nil
}

type authHandlers struct {
	configuration ServerConfig
	users         UserStore
	refreshTokens RefreshTokenStore
	logger        *zap.Logger
	metrics       MetricsRecorder
}

func (handlers *authHandlers) login(contextGin *gin.Context) {
	var inbound loginRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	profile, authErr := handlers.users.Authenticate(contextGin, inbound.Username, inbound.Password)
	if authErr != nil {
		handlers.metrics.Increment(MetricLoginFailure)
		handlers.logger.Info("login rejected",
			zap.String("code", "auth.login.rejected"),
			zap.String("username", inbound.Username),
			zap.Error(authErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}
	grant, issueErr := handlers.refreshTokens.Issue(contextGin, profile.UserID, handlers.refreshExpiry())
	if issueErr != nil {
		handlers.logger.Error("refresh token issue failed",
			zap.String("code", "auth.login.issue_failed"),
			zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.respondWithTokens(contextGin, profile, grant.Opaque)
	handlers.metrics.Increment(MetricLoginSuccess)
}

func (handlers *authHandlers) refresh(contextGin *gin.Context) {
	var inbound tokenPairRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		handlers.metrics.Increment(MetricRefreshFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_refresh_token"})
		return
	}
	grant, rotateErr := handlers.refreshTokens.Rotate(contextGin, inbound.RefreshToken, handlers.refreshExpiry())
	if rotateErr != nil {
		handlers.metrics.Increment(MetricRefreshFailure)
		handlers.logger.Info("refresh rejected",
			zap.String("code", "auth.refresh.rejected"),
			zap.Error(rotateErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
		return
	}
	profile, profileErr := handlers.users.GetUserProfile(contextGin, grant.UserID)
	if profileErr != nil {
		handlers.metrics.Increment(MetricRefreshFailure)
		handlers.logger.Warn("refresh for unknown user",
			zap.String("code", "auth.refresh.profile_missing"),
			zap.String("user_id", grant.UserID),
			zap.Error(profileErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown_user"})
		return
	}
	handlers.respondWithTokens(contextGin, profile, grant.Opaque)
	handlers.metrics.Increment(MetricRefreshSuccess)
}

func (handlers *authHandlers) logout(contextGin *gin.Context) {
	var inbound tokenPairRequest
	if err := contextGin.ShouldBindJSON(&inbound); err == nil && strings.TrimSpace(inbound.RefreshToken) != "" {
		if revokeErr := handlers.refreshTokens.Revoke(contextGin, inbound.RefreshToken); revokeErr != nil {
			handlers.logger.Debug("logout revoke skipped",
				zap.String("code", "auth.logout.revoke_skipped"),
				zap.Error(revokeErr))
		}
	}
	handlers.metrics.Increment(MetricLogout)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *authHandlers) respondWithTokens(contextGin *gin.Context, profile UserProfile, refreshOpaque string) {
	accessToken, expiresAt, mintErr := MintAccessToken(handlers.configuration, profile)
	if mintErr != nil {
		handlers.logger.Error("access token mint failed",
			zap.String("code", "auth.mint_failed"),
			zap.Error(mintErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	roles := profile.Roles
	if roles == nil {
		roles = []string{}
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, tokenPairResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshOpaque,
		TokenType:    "Bearer",
		ExpiresIn:    int64(expiresAt.Sub(handlers.configuration.now()) / time.Second),
		UserID:       profile.UserID,
		UserRoles:    roles,
	})
}

func (handlers *authHandlers) refreshExpiry() int64 {
	return handlers.configuration.now().Add(handlers.configuration.RefreshTTL).Unix()
}
