package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Variant selects which authorization flow a Flow runs.
type Variant int

const (
	// VariantAuthorizationCode exchanges the callback code directly with the
	// token endpoint using the client credentials.
	VariantAuthorizationCode Variant = iota
	// VariantImplicitGrant receives the access token in the callback itself.
	VariantImplicitGrant
	// VariantTokenSwap delegates the code exchange to a trusted exchange server
	// that holds the client secret.
	VariantTokenSwap
)

func (v Variant) String() string {
	switch v {
	case VariantAuthorizationCode:
		return "code"
	case VariantImplicitGrant:
		return "implicit"
	case VariantTokenSwap:
		return "token-swap"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ParseVariant maps "code", "implicit" or "token-swap" to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "code", "authorization-code", "authorization_code":
		return VariantAuthorizationCode, nil
	case "implicit", "implicit-grant", "token":
		return VariantImplicitGrant, nil
	case "token-swap", "tokenswap", "swap":
		return VariantTokenSwap, nil
	default:
		return 0, NewConfigurationError(fmt.Sprintf("unknown variant %q", s))
	}
}

// variantSpec describes how a variant behaves on the callback side.
type variantSpec struct {
	responseType string
	callbackPath string
	// syncExchange makes the callback handler wait for the exchange before responding.
	syncExchange bool
	// surfaceUnknownState answers an unknown state with an error page instead of closing.
	surfaceUnknownState bool
}

var variantSpecs = map[Variant]variantSpec{
	VariantAuthorizationCode: {responseType: "code", callbackPath: "/"},
	VariantImplicitGrant:     {responseType: "token", callbackPath: "/auth", surfaceUnknownState: true},
	VariantTokenSwap:         {responseType: "code", callbackPath: "/auth", syncExchange: true},
}

func (v Variant) spec() (variantSpec, bool) {
	s, ok := variantSpecs[v]
	return s, ok
}

// GrantType is the OAuth grant_type sent to a token endpoint.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
)

// FlowState is the externally observable state of a Flow.
type FlowState int

const (
	StateIdle FlowState = iota
	StateListening
	StateExchanging
	StateSucceeded
	StateFailed
)

func (s FlowState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateExchanging:
		return "exchanging"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Scope is a set of Spotify permission scopes.
type Scope []string

// String joins the scopes with single spaces.
func (s Scope) String() string {
	return strings.Join(s, " ")
}

// ParseScope splits a space or comma separated scope list.
func ParseScope(s string) Scope {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	if len(fields) == 0 {
		return nil
	}
	return Scope(fields)
}

// AuthRequest holds the parameters of one authorization attempt.
type AuthRequest struct {
	State             string
	ClientID          string
	SecretID          string
	RedirectURI       string
	ServerURI         string
	ExchangeServerURI string
	Scope             Scope
	ShowDialog        bool
}

// Token is a token endpoint response, or a token delivered by an implicit callback.
type Token struct {
	AccessToken      string  `json:"access_token"`
	TokenType        string  `json:"token_type"`
	ExpiresIn        float64 `json:"expires_in"`
	RefreshToken     string  `json:"refresh_token,omitempty"`
	Scope            string  `json:"scope,omitempty"`
	Error            string  `json:"error,omitempty"`
	ErrorDescription string  `json:"error_description,omitempty"`

	// CreateDate is when the token was received, the base for IsExpired.
	CreateDate time.Time `json:"-"`
}

// HasError reports whether the response carried an error.
func (t *Token) HasError() bool {
	return t != nil && t.Error != ""
}

// ExpiresAt returns the instant the access token stops being valid.
func (t *Token) ExpiresAt() time.Time {
	return t.CreateDate.Add(time.Duration(t.ExpiresIn * float64(time.Second)))
}

// IsExpired reports whether the access token lifetime has elapsed.
func (t *Token) IsExpired() bool {
	return !time.Now().Before(t.ExpiresAt())
}

// UnmarshalJSON accepts "error" both as an OAuth error code string and as a
// Web API error object {"status":..,"message":..}.
func (t *Token) UnmarshalJSON(data []byte) error {
	type tokenAlias Token
	var raw struct {
		tokenAlias
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = Token(raw.tokenAlias)
	t.Error = ""

	errField := bytes.TrimSpace(raw.Error)
	switch {
	case len(errField) == 0 || bytes.Equal(errField, []byte("null")):
	case errField[0] == '"':
		if err := json.Unmarshal(errField, &t.Error); err != nil {
			return err
		}
	case errField[0] == '{':
		var obj struct {
			Status  int    `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(errField, &obj); err != nil {
			return err
		}
		t.Error = obj.Message
		if t.Error == "" {
			t.Error = fmt.Sprintf("status %d", obj.Status)
		}
	default:
		return fmt.Errorf("unsupported error field %s", string(errField))
	}
	return nil
}

// CallbackKind tells which field of a CallbackResult is populated.
type CallbackKind int

const (
	CallbackEmpty CallbackKind = iota
	CallbackCode
	CallbackToken
	CallbackError
)

// CallbackResult is what a callback request carried: a code, a token or an error.
type CallbackResult struct {
	Code  string
	Token *Token
	Error string
}

// Kind reports the populated field, preferring Error over Token over Code.
func (r CallbackResult) Kind() CallbackKind {
	switch {
	case r.Error != "":
		return CallbackError
	case r.Token != nil:
		return CallbackToken
	case r.Code != "":
		return CallbackCode
	default:
		return CallbackEmpty
	}
}

// Result is the outcome of an authorization attempt. Exactly one of Token
// and Err is set.
type Result struct {
	Token *Token
	Err   error
}
