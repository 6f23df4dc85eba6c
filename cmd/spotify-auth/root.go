package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"

	"github.com/naotama2002/spotify-auth-go/auth"
	"github.com/naotama2002/spotify-auth-go/internal/logging"
)

const (
	envPrefix      = "SPOTIFY"
	defaultAPIBase = "https://api.spotify.com/v1"
)

var flagNames = []string{
	"client-id", "secret-id", "variant", "server-uri", "redirect-uri", "exchange-server-uri",
	"scope", "state", "show-dialog", "timeout", "max-retries", "auto-refresh", "no-browser",
	"pkce", "log-level", "api-base",
}

func newRootCommand() *cobra.Command {
	var v *viper.Viper

	cmd := &cobra.Command{
		Use:           "spotify-auth",
		Short:         "Authorize against Spotify and print the current user",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, level, err := buildConfig(v)
			if err != nil {
				return err
			}
			logging.Init(level, cmd.ErrOrStderr())
			return run(cmd.Context(), cmd.OutOrStdout(), cfg, v.GetString("api-base"))
		},
	}

	flags := cmd.Flags()
	flags.String("client-id", "", "Spotify application client id")
	flags.String("secret-id", "", "Spotify application client secret")
	flags.String("variant", "code", "authorization flow: code, implicit or token-swap")
	flags.String("server-uri", "http://localhost:4002", "address the callback listener binds to")
	flags.String("redirect-uri", "", "redirect uri registered with Spotify (defaults to --server-uri)")
	flags.String("exchange-server-uri", "", "token swap exchange server base url")
	flags.StringSlice("scope", []string{"user-read-private", "user-read-email"}, "scopes to request (repeatable)")
	flags.String("state", "", "fixed state value (random when empty)")
	flags.Bool("show-dialog", false, "force the consent dialog")
	flags.Duration("timeout", 2*time.Minute, "how long to wait for the user to authorize")
	flags.Int("max-retries", auth.DefaultMaxRetries, "token request tries on network failure")
	flags.Bool("auto-refresh", false, "refresh the access token when it expires")
	flags.Bool("no-browser", false, "print the authorization url instead of opening a browser")
	flags.Bool("pkce", false, "use PKCE for the authorization code flow")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("api-base", defaultAPIBase, "Spotify Web API base url")

	var err error
	v, err = bindFlags(flags)
	if err != nil {
		panic(err)
	}
	return cmd
}

// bindFlags binds every flag into a fresh viper instance that also reads
// SPOTIFY_* environment variables.
func bindFlags(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, name := range flagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			return nil, fmt.Errorf("flag %q not found", name)
		}
		if err := v.BindPFlag(name, flag); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func buildConfig(v *viper.Viper) (auth.Config, logging.LogLevel, error) {
	level, err := logging.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return auth.Config{}, level, err
	}

	variant, err := auth.ParseVariant(v.GetString("variant"))
	if err != nil {
		return auth.Config{}, level, err
	}

	cfg := auth.Config{
		Variant:           variant,
		ClientID:          strings.TrimSpace(v.GetString("client-id")),
		SecretID:          strings.TrimSpace(v.GetString("secret-id")),
		ServerURI:         v.GetString("server-uri"),
		RedirectURI:       v.GetString("redirect-uri"),
		ExchangeServerURI: v.GetString("exchange-server-uri"),
		Scope:             auth.ParseScope(strings.Join(v.GetStringSlice("scope"), " ")),
		State:             v.GetString("state"),
		ShowDialog:        v.GetBool("show-dialog"),
		Timeout:           v.GetDuration("timeout"),
		MaxRetries:        v.GetInt("max-retries"),
		TimeAccessExpiry:  v.GetBool("auto-refresh"),
		AutoRefresh:       v.GetBool("auto-refresh"),
		OpenBrowser:       !v.GetBool("no-browser"),
		UsePKCE:           v.GetBool("pkce"),
	}
	if err := cfg.Validate(); err != nil {
		return auth.Config{}, level, err
	}
	return cfg, level, nil
}

func run(ctx context.Context, out io.Writer, cfg auth.Config, apiBase string) error {
	flow, err := auth.NewFlow(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = flow.Close() }()

	flow.AddObserver(auth.Observer{
		OnExchangeReady: func(u string) {
			fmt.Fprintf(out, "Open the following URL to authorize:\n%s\n", u)
		},
		OnRefreshSuccess: func(*auth.Token) {
			logging.Info("CLI", "access token refreshed")
		},
	})

	tok, err := flow.Authorize(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Authorized: %s token valid until %s\n", tok.TokenType, tok.ExpiresAt().Format(time.RFC3339))

	client := oauth2.NewClient(ctx, flow.TokenSource(ctx))
	me, err := fetchProfile(ctx, client, apiBase)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Logged in as %s (%s)\n", me.DisplayName, me.ID)
	return nil
}

type profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

func fetchProfile(ctx context.Context, client *http.Client, apiBase string) (*profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(apiBase, "/")+"/me", nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("profile request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var me profile
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &me, nil
}
