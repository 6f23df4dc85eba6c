package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/naotama2002/spotify-auth-go/auth"
	apperrors "github.com/naotama2002/spotify-auth-go/internal/errors"
	"github.com/naotama2002/spotify-auth-go/internal/logging"
)

func TestBuildConfigDefaults(t *testing.T) {
	cmd := newRootCommand()
	v, err := bindFlags(cmd.Flags())
	require.NoError(t, err)

	cfg, level, err := buildConfig(v)
	require.NoError(t, err)

	assert.Equal(t, logging.LevelInfo, level)
	assert.Equal(t, auth.VariantAuthorizationCode, cfg.Variant)
	assert.Equal(t, "http://localhost:4002", cfg.ServerURI)
	assert.Equal(t, auth.Scope{"user-read-private", "user-read-email"}, cfg.Scope)
	assert.Equal(t, 2*time.Minute, cfg.Timeout)
	assert.Equal(t, auth.DefaultMaxRetries, cfg.MaxRetries)
	assert.True(t, cfg.OpenBrowser)
	assert.False(t, cfg.AutoRefresh)
}

func TestBuildConfigFromFlags(t *testing.T) {
	cmd := newRootCommand()
	flags := cmd.Flags()
	require.NoError(t, flags.Parse([]string{
		"--client-id", " my-client ",
		"--variant", "token-swap",
		"--exchange-server-uri", "https://swap.example.com",
		"--scope", "streaming",
		"--scope", "user-top-read",
		"--no-browser",
		"--auto-refresh",
		"--max-retries", "3",
		"--log-level", "debug",
	}))
	v, err := bindFlags(flags)
	require.NoError(t, err)

	cfg, level, err := buildConfig(v)
	require.NoError(t, err)

	assert.Equal(t, logging.LevelDebug, level)
	assert.Equal(t, "my-client", cfg.ClientID)
	assert.Equal(t, auth.VariantTokenSwap, cfg.Variant)
	assert.Equal(t, "https://swap.example.com", cfg.ExchangeServerURI)
	assert.Equal(t, auth.Scope{"streaming", "user-top-read"}, cfg.Scope)
	assert.False(t, cfg.OpenBrowser)
	assert.True(t, cfg.AutoRefresh)
	assert.True(t, cfg.TimeAccessExpiry)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestBuildConfigFromEnvironment(t *testing.T) {
	t.Setenv("SPOTIFY_CLIENT_ID", "env-client")
	t.Setenv("SPOTIFY_SECRET_ID", "env-secret")
	t.Setenv("SPOTIFY_SERVER_URI", "http://127.0.0.1:8888")

	cmd := newRootCommand()
	v, err := bindFlags(cmd.Flags())
	require.NoError(t, err)

	cfg, _, err := buildConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "env-client", cfg.ClientID)
	assert.Equal(t, "env-secret", cfg.SecretID)
	assert.Equal(t, "http://127.0.0.1:8888", cfg.ServerURI)
}

func TestBuildConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown variant", args: []string{"--variant", "device"}},
		{name: "unknown log level", args: []string{"--log-level", "loud"}},
		{name: "token swap without exchange server", args: []string{"--variant", "token-swap"}},
		{name: "invalid server uri", args: []string{"--server-uri", "::nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCommand()
			require.NoError(t, cmd.Flags().Parse(tt.args))
			v, err := bindFlags(cmd.Flags())
			require.NoError(t, err)

			_, _, err = buildConfig(v)
			assert.Error(t, err)
		})
	}
}

func TestRootCommandRejectsArgs(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"extra"})
	assert.Error(t, cmd.Execute())
}

func TestFetchProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/me", r.URL.Path)
		assert.Equal(t, "Bearer AT", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u1","display_name":"Tester","email":"t@example.com"}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "AT", TokenType: "Bearer"}))

	me, err := fetchProfile(ctx, client, srv.URL+"/v1/")
	require.NoError(t, err)
	assert.Equal(t, "u1", me.ID)
	assert.Equal(t, "Tester", me.DisplayName)
}

func TestFetchProfileHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := fetchProfile(context.Background(), srv.Client(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "token expired")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: ExitCodeSuccess},
		{name: "plain error", err: errors.New("boom"), want: ExitCodeError},
		{name: "configuration", err: auth.NewConfigurationError("bad"), want: ExitCodeError},
		{name: "provider", err: apperrors.NewProviderError("access_denied", ""), want: ExitCodeAuthFailed},
		{name: "timeout", err: apperrors.NewTimeoutError("Authorization request has timed out."), want: ExitCodeAuthTimeout},
		{name: "wrapped cancel", err: fmt.Errorf("authorize: %w", apperrors.NewCancelledError("cancelled")), want: ExitCodeAuthTimeout},
		{name: "listener", err: apperrors.NewListenerError(errors.New("in use"), "127.0.0.1:4002"), want: ExitCodeUnavailable},
		{name: "transport", err: apperrors.NewTransportError(errors.New("refused"), 10), want: ExitCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
