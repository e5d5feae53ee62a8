package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tyemirov/authpipe/internal/credentialstore"
	"github.com/tyemirov/authpipe/pkg/authpipe"
)

const memorySessionStore = "memory"

type clientSession struct {
	client    *authpipe.Client
	persister credentialstore.Persister
	logger    *zap.Logger
	storeURL  string
}

func (session *clientSession) Close() {
	if session.persister != nil {
		_ = session.persister.Close()
	}
	_ = session.logger.Sync()
}

// defaultSessionStoreURL places a sqlite file under the user's config directory.
func defaultSessionStoreURL() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("session_store.default: %w", err)
	}
	storeDir := filepath.Join(configDir, "authpipe")
	if err := os.MkdirAll(storeDir, 0o700); err != nil {
		return "", fmt.Errorf("session_store.default: %w", err)
	}
	return "sqlite://" + filepath.Join(storeDir, "session.db"), nil
}

func openClientSession(ctx context.Context) (*clientSession, error) {
	baseURL := strings.TrimSpace(viper.GetString("base_url"))
	if baseURL == "" {
		return nil, configError(configCodeMissingBaseURL, "base_url must be provided")
	}
	requestTimeout := viper.GetDuration("request_timeout")
	if requestTimeout <= 0 {
		return nil, configError(configCodeInvalidTimeout, "request_timeout must be greater than zero")
	}

	logger, err := buildLogger()
	if err != nil {
		return nil, err
	}

	storeURL := strings.TrimSpace(viper.GetString("session_store"))
	if storeURL == "" {
		storeURL, err = defaultSessionStoreURL()
		if err != nil {
			_ = logger.Sync()
			return nil, err
		}
	}
	var persister credentialstore.Persister
	if storeURL != memorySessionStore {
		persister, err = credentialstore.Open(ctx, storeURL)
		if err != nil {
			_ = logger.Sync()
			return nil, err
		}
	}

	configuration := authpipe.Config{
		BaseURL:   baseURL,
		Timeout:   requestTimeout,
		Namespace: viper.GetString("namespace"),
		Logger:    logger,
		Metrics:   authpipe.NewCounterMetrics(),
	}
	if persister != nil {
		configuration.Persister = persister
	}
	client, err := authpipe.New(ctx, configuration)
	if err != nil {
		if persister != nil {
			_ = persister.Close()
		}
		_ = logger.Sync()
		return nil, err
	}
	return &clientSession{client: client, persister: persister, logger: logger, storeURL: storeURL}, nil
}

func newLoginCommand() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with username and password and persist the session",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			username := strings.TrimSpace(viper.GetString("username"))
			password := viper.GetString("password")
			if username == "" || password == "" {
				return configError(configCodeMissingCredentials, "username and password must be provided")
			}
			session, err := openClientSession(command.Context())
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.client.LoginWithPassword(command.Context(), username, password); err != nil {
				return err
			}
			credential := session.client.Session()
			fmt.Fprintf(command.OutOrStdout(), "logged in as %s roles=%s\n",
				credential.Identity, strings.Join(credential.Claims.Strings(), ","))
			return nil
		},
	}
	loginCmd.Flags().String("username", "", "Account username")
	loginCmd.Flags().String("password", "", "Account password (prefer APP_PASSWORD)")
	_ = viper.BindPFlag("username", loginCmd.Flags().Lookup("username"))
	_ = viper.BindPFlag("password", loginCmd.Flags().Lookup("password"))
	return loginCmd
}

func newCallCommand() *cobra.Command {
	callCmd := &cobra.Command{
		Use:   "call PATH",
		Short: "Send an authenticated request, refreshing the session once when it has expired",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			requestPath := strings.TrimSpace(arguments[0])
			if requestPath == "" {
				return configError(configCodeMissingRequestPath, "request path must be provided")
			}
			method, _ := command.Flags().GetString("method")
			data, _ := command.Flags().GetString("data")
			headerEntries, _ := command.Flags().GetStringArray("header")

			header := http.Header{}
			for _, entry := range headerEntries {
				name, value, found := strings.Cut(entry, ":")
				if !found || strings.TrimSpace(name) == "" {
					return configError("config.invalid_header", fmt.Sprintf("header %q must be Name: value", entry))
				}
				header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
			}

			session, err := openClientSession(command.Context())
			if err != nil {
				return err
			}
			defer session.Close()

			spec := authpipe.RequestSpec{
				Method: strings.ToUpper(method),
				URL:    requestPath,
				Header: header,
			}
			if data != "" {
				spec.Body = []byte(data)
			}
			response, err := session.client.Do(command.Context(), spec)
			if err != nil {
				return err
			}
			_, writeErr := command.OutOrStdout().Write(response.Body)
			return writeErr
		},
	}
	callCmd.Flags().StringP("method", "X", http.MethodGet, "HTTP method")
	callCmd.Flags().StringP("data", "d", "", "Request body")
	callCmd.Flags().StringArrayP("header", "H", []string{}, "Extra request header as Name: value")
	return callCmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the refresh token and clear the persisted session",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			session, err := openClientSession(command.Context())
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.client.Logout(command.Context()); err != nil {
				return err
			}
			fmt.Fprintln(command.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted session state",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			session, err := openClientSession(command.Context())
			if err != nil {
				return err
			}
			defer session.Close()

			credential := session.client.Session()
			output := command.OutOrStdout()
			fmt.Fprintf(output, "state: %s\n", session.client.State())
			if credential.State() == authpipe.IssuedStateValid {
				fmt.Fprintf(output, "identity: %s\n", credential.Identity)
				fmt.Fprintf(output, "roles: %s\n", strings.Join(credential.Claims.Strings(), ","))
			}
			return nil
		},
	}
}
