package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/naotama2002/spotify-auth-go/internal/errors"
	"github.com/naotama2002/spotify-auth-go/internal/httpclient"
	"github.com/naotama2002/spotify-auth-go/internal/logging"
)

const (
	DefaultMaxRetries  = 10
	DefaultBackoffStep = 125 * time.Millisecond

	defaultExchangeTimeout = 30 * time.Second
)

// ExchangeConfig configures a TokenExchangeClient.
type ExchangeConfig struct {
	// MaxRetries is the total number of tries when the transport fails.
	MaxRetries  int
	BackoffStep time.Duration
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// ExchangeRequest describes one call to a token endpoint.
type ExchangeRequest struct {
	Endpoint     string
	GrantType    GrantType
	Code         string
	RefreshToken string
	RedirectURI  string
	ClientID     string
	SecretID     string
	CodeVerifier string
}

// TokenExchangeClient posts grants to a token endpoint and parses the response.
type TokenExchangeClient struct {
	http *httpclient.Client
}

// NewTokenExchangeClient creates a client with zero fields replaced by defaults.
func NewTokenExchangeClient(cfg ExchangeConfig) *TokenExchangeClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = DefaultBackoffStep
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExchangeTimeout
	}

	hc := &httpclient.Config{
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.BackoffStep,
		DefaultHeaders: map[string]string{
			"Accept": "application/json",
		},
		HTTPClient: cfg.HTTPClient,
	}
	if l := logging.Slog(); l != nil {
		hc.Logger = l
	}

	return &TokenExchangeClient{http: httpclient.New(hc)}
}

// Exchange posts req and returns the parsed token. A token carrying an
// "error" field is returned as is; deciding what it means is up to the caller.
func (c *TokenExchangeClient) Exchange(ctx context.Context, req ExchangeRequest) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", string(req.GrantType))
	switch req.GrantType {
	case GrantRefreshToken:
		form.Set("refresh_token", req.RefreshToken)
	default:
		form.Set("code", req.Code)
		if req.RedirectURI != "" {
			form.Set("redirect_uri", req.RedirectURI)
		}
	}
	// public clients identify themselves in the body instead of a Basic header
	if req.SecretID == "" && req.ClientID != "" {
		form.Set("client_id", req.ClientID)
	}
	if req.CodeVerifier != "" {
		form.Set("client_id", req.ClientID)
		form.Set("code_verifier", req.CodeVerifier)
	}

	headers := map[string]string{}
	if req.SecretID != "" {
		headers["Authorization"] = basicAuth(req.ClientID, req.SecretID)
	}

	logging.Debug("Exchange", "posting %s grant to %s", req.GrantType, req.Endpoint)

	resp, err := c.http.PostForm(ctx, req.Endpoint, form, headers)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.SafeClose() }()

	return parseTokenResponse(resp)
}

func parseTokenResponse(resp *httpclient.Response) (*Token, error) {
	status := resp.StatusCode
	if len(resp.BodyBytes) == 0 {
		return nil, apperrors.NewProtocolError("token endpoint returned an empty body").
			WithStatusCode(status)
	}

	var tok Token
	if err := resp.JSON(&tok); err != nil {
		perr := apperrors.NewProtocolError(fmt.Sprintf("token endpoint returned an unparseable body: %v", err)).
			WithStatusCode(status)
		perr.Cause = err
		return nil, perr
	}
	tok.CreateDate = time.Now()

	if status >= http.StatusBadRequest && !tok.HasError() {
		logging.Warn("Exchange", "token endpoint answered %d without an error field", status)
	}
	return &tok, nil
}

func basicAuth(clientID, secretID string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+secretID))
}
