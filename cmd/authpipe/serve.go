package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tyemirov/authpipe/internal/authkit"
	"github.com/tyemirov/authpipe/internal/web"
	"github.com/tyemirov/authpipe/pkg/authpipe"
	"github.com/tyemirov/authpipe/pkg/sessionvalidator"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

const defaultIssuer = "authpipe"

type contextKey string

const serveConfigContextKey contextKey = "serveConfig"

type serveConfig struct {
	Auth               authkit.ServerConfig
	ListenAddr         string
	DatabaseURL        string
	EnableCORS         bool
	CORSAllowedOrigins []string
	Users              []string
}

var demoUsers = []string{"alice:wonderland:admin", "bob:builder:viewer"}

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the reference auth server with bearer-protected /api routes",
		PreRunE: prepareServeConfig,
		RunE:    runServer,
	}

	serveCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	serveCmd.Flags().String("jwt_issuer", defaultIssuer, "Issuer claim for access JWT")
	serveCmd.Flags().Duration("access_ttl", authkit.DefaultAccessTTL, "Access token TTL")
	serveCmd.Flags().Duration("refresh_ttl", authkit.DefaultRefreshTTL, "Refresh token TTL")
	serveCmd.Flags().String("database_url", "", "Database URL for refresh tokens (postgres:// or sqlite://; leave empty for in-memory store)")
	serveCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	serveCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled; a single * allows all")
	serveCmd.Flags().StringArray("users", []string{}, "User entries as username:password[:role1,role2]; demo users when empty")

	_ = viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("jwt_signing_key", serveCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("jwt_issuer", serveCmd.Flags().Lookup("jwt_issuer"))
	_ = viper.BindPFlag("access_ttl", serveCmd.Flags().Lookup("access_ttl"))
	_ = viper.BindPFlag("refresh_ttl", serveCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("database_url", serveCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("enable_cors", serveCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", serveCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("users", serveCmd.Flags().Lookup("users"))

	return serveCmd
}

func prepareServeConfig(command *cobra.Command, arguments []string) error {
	configuration, loadErr := LoadServeConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serveConfigContextKey, configuration))
	return nil
}

// LoadServeConfig reads the serve settings from viper.
func LoadServeConfig() (serveConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return serveConfig{}, configError(configCodeMissingSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if viper.IsSet("access_ttl") && accessTTL <= 0 {
		return serveConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if viper.IsSet("refresh_ttl") && refreshTTL <= 0 {
		return serveConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}
	if refreshTTL > 0 && accessTTL > 0 && refreshTTL < accessTTL {
		return serveConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must not be shorter than access_ttl")
	}

	issuer := viper.GetString("jwt_issuer")
	if issuer == "" {
		issuer = defaultIssuer
	}

	return serveConfig{
		Auth: authkit.ServerConfig{
			SigningKey: []byte(jwtSigningKey),
			Issuer:     issuer,
			AccessTTL:  accessTTL,
			RefreshTTL: refreshTTL,
		},
		ListenAddr:         viper.GetString("listen_addr"),
		DatabaseURL:        viper.GetString("database_url"),
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
		Users:              viper.GetStringSlice("users"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serveConfigContextKey)
	}
	configuration, ok := contextValue.(serveConfig)
	if !ok {
		return configError(configCodeUninitializedServer, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	users, usersErr := seedUsers(logger, configuration.Users)
	if usersErr != nil {
		return usersErr
	}

	var refreshStore authkit.RefreshTokenStore
	if configuration.DatabaseURL != "" {
		persistentStore, storeErr := authkit.NewDatabaseRefreshTokenStore(commandContext, configuration.DatabaseURL)
		if storeErr != nil {
			return storeErr
		}
		defer func() { _ = persistentStore.Close() }()
		refreshStore = persistentStore
		logger.Info("using persistent refresh token store", zap.String("driver", persistentStore.Driver()))
	} else {
		refreshStore = authkit.NewMemoryRefreshTokenStore()
		logger.Info("using in-memory refresh token store")
	}

	gin.SetMode(gin.ReleaseMode)
	router, routerErr := buildRouter(logger, configuration, users, refreshStore, authpipe.NewCounterMetrics())
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              configuration.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", configuration.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func seedUsers(logger *zap.Logger, entries []string) (*web.InMemoryUsers, error) {
	users := web.NewInMemoryUsers()
	if len(entries) == 0 {
		logger.Warn("no users configured; seeding demo users",
			zap.String("code", "serve.users.demo"))
		entries = demoUsers
	}
	for _, entry := range entries {
		if err := users.AddUserSpec(entry); err != nil {
			return nil, fmt.Errorf("%s: %w", configCodeInvalidUserSpec, err)
		}
	}
	return users, nil
}

type clockFunc func() time.Time

func (clock clockFunc) Now() time.Time {
	if clock == nil {
		return time.Now().UTC()
	}
	return clock().UTC()
}

func buildRouter(logger *zap.Logger, configuration serveConfig, users *web.InMemoryUsers, refreshStore authkit.RefreshTokenStore, metrics *authpipe.CounterMetrics) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if configuration.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, configuration.CORSAllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if err := authkit.MountAuthRoutes(router, configuration.Auth, authkit.RouteDependencies{
		Users:         users,
		RefreshTokens: refreshStore,
		Logger:        logger,
		Metrics:       metrics,
	}); err != nil {
		return nil, err
	}

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.Auth.SigningKey,
		Issuer:     configuration.Auth.Issuer,
		Clock:      clockFunc(configuration.Auth.Now),
	})
	if validatorErr != nil {
		return nil, validatorErr
	}

	protected := router.Group("/api")
	protected.Use(validator.GinMiddleware(sessionvalidator.DefaultContextKey))
	protected.GET("/me", web.HandleWhoAmI(users, logger))
	protected.GET("/admin/status",
		authkit.RequireRole(sessionvalidator.DefaultContextKey, "admin"),
		func(contextGin *gin.Context) {
			contextGin.JSON(http.StatusOK, gin.H{"metrics": metrics.Snapshot()})
		})

	return router, nil
}
