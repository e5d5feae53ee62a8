package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	configCodeInvalidLogLevel     = "config.invalid_log_level"
	configCodeMissingBaseURL      = "config.missing_base_url"
	configCodeInvalidTimeout      = "config.invalid_request_timeout"
	configCodeMissingCredentials  = "config.missing_credentials"
	configCodeMissingRequestPath  = "config.missing_request_path"
	configCodeMissingSigningKey   = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL    = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL   = "config.invalid_refresh_ttl"
	configCodeInvalidUserSpec     = "config.invalid_user_spec"
	configCodeUninitializedServer = "config.uninitialized_server_config"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "authpipe",
		Short:        "Authenticated request pipeline with single-flight token refresh",
		SilenceUsage: true,
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			loadDotEnv()
			return nil
		},
	}

	rootCmd.PersistentFlags().String("log_level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log_dev", false, "Human-readable development logging")
	rootCmd.PersistentFlags().String("base_url", "http://localhost:8080", "Base URL of the auth server and protected API")
	rootCmd.PersistentFlags().String("session_store", "", "Session store URL (sqlite://, postgres://, redis://); empty for the default sqlite file")
	rootCmd.PersistentFlags().String("namespace", "default", "Session namespace within the store")
	rootCmd.PersistentFlags().Duration("request_timeout", 30*time.Second, "Per-request timeout for dispatched calls")

	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log_level"))
	_ = viper.BindPFlag("log_dev", rootCmd.PersistentFlags().Lookup("log_dev"))
	_ = viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base_url"))
	_ = viper.BindPFlag("session_store", rootCmd.PersistentFlags().Lookup("session_store"))
	_ = viper.BindPFlag("namespace", rootCmd.PersistentFlags().Lookup("namespace"))
	_ = viper.BindPFlag("request_timeout", rootCmd.PersistentFlags().Lookup("request_timeout"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newServeCommand(),
		newLoginCommand(),
		newCallCommand(),
		newLogoutCommand(),
		newStatusCommand(),
	)
	return rootCmd
}

// loadDotEnv reads .env from the working directory when present; real environment variables win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func buildLogger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(viper.GetString("log_level")))); err != nil {
		return nil, configError(configCodeInvalidLogLevel, fmt.Sprintf("unknown log level %q", viper.GetString("log_level")))
	}
	configuration := zap.NewProductionConfig()
	if viper.GetBool("log_dev") {
		configuration = zap.NewDevelopmentConfig()
	}
	configuration.Level = zap.NewAtomicLevelAt(level)
	return configuration.Build()
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.String("request_id", contextGin.GetHeader("X-Request-ID")),
			zap.Duration("elapsed", duration),
		)
	}
}
