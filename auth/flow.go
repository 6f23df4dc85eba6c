package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/naotama2002/spotify-auth-go/internal/errors"
	"github.com/naotama2002/spotify-auth-go/internal/logging"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultStopDelay    = 2 * time.Second
	DefaultHTMLResponse = "<script>window.close();</script>"
)

// Config configures a Flow. Zero values are replaced by the defaults above.
type Config struct {
	Variant Variant

	ClientID string
	SecretID string
	// RedirectURI defaults to ServerURI.
	RedirectURI string
	// ServerURI is where the callback listener binds, e.g. http://localhost:4002.
	ServerURI string
	// ExchangeServerURI is the token-swap exchange server base URL.
	ExchangeServerURI string
	Scope             Scope
	// State fixes the correlation value for every attempt. Empty means a fresh
	// random value per attempt.
	State      string
	ShowDialog bool

	// MaxRetries is the total number of tries of a token request on transport failure.
	MaxRetries  int
	BackoffStep time.Duration
	// Timeout bounds Wait.
	Timeout time.Duration

	TimeAccessExpiry bool
	AutoRefresh      bool

	// HTMLResponse is served by the token-swap callback after the exchange.
	HTMLResponse string
	OpenBrowser  bool
	// StopDelay is how long the listener stays up after completion. Negative
	// stops it immediately.
	StopDelay time.Duration
	// UsePKCE adds a code challenge to authorization-code requests.
	UsePKCE bool

	AuthorizeEndpoint string
	TokenEndpoint     string
	HTTPClient        *http.Client
}

func (c Config) withDefaults() Config {
	if c.RedirectURI == "" {
		c.RedirectURI = c.ServerURI
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = DefaultBackoffStep
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HTMLResponse == "" {
		c.HTMLResponse = DefaultHTMLResponse
	}
	if c.StopDelay == 0 {
		c.StopDelay = DefaultStopDelay
	} else if c.StopDelay < 0 {
		c.StopDelay = 0
	}
	if c.AuthorizeEndpoint == "" {
		c.AuthorizeEndpoint = DefaultAuthorizeEndpoint
	}
	if c.TokenEndpoint == "" {
		c.TokenEndpoint = DefaultTokenEndpoint
	}
	return c
}

// Validate checks the configuration for values no attempt could work with.
func (c Config) Validate() error {
	if _, ok := c.Variant.spec(); !ok {
		return NewConfigurationError(fmt.Sprintf("unknown variant %s", c.Variant))
	}
	if c.ServerURI == "" {
		return NewConfigurationError("server uri is required")
	}
	if err := validateBaseURI("server uri", c.ServerURI); err != nil {
		return err
	}
	if c.RedirectURI != "" {
		if err := validateBaseURI("redirect uri", c.RedirectURI); err != nil {
			return err
		}
	}
	if c.Variant == VariantTokenSwap {
		if c.ExchangeServerURI == "" {
			return NewConfigurationError("token swap requires an exchange server uri")
		}
		if err := validateBaseURI("exchange server uri", c.ExchangeServerURI); err != nil {
			return err
		}
	}
	return nil
}

func validateBaseURI(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return NewConfigurationError(fmt.Sprintf("invalid %s %q", name, raw))
	}
	return nil
}

// Observer receives flow notifications. Every field is optional.
type Observer struct {
	// OnExchangeReady carries the URL the user agent must open.
	OnExchangeReady      func(authorizationURL string)
	OnSuccess            func(*Token)
	OnFailure            func(error)
	OnAccessTokenExpired func(*Token)
	OnRefreshSuccess     func(*Token)
}

// Flow drives authorization attempts for one client: it owns the state
// registry, the callback listener of the current attempt, the token
// exchange and the expiry timer.
type Flow struct {
	cfg       Config
	registry  *StateRegistry
	exchanger *TokenExchangeClient
	expiry    *ExpiryTimer

	// startMu serialises StartAttempt so a superseded listener is down
	// before the next one binds.
	startMu sync.Mutex

	mu        sync.Mutex
	state     FlowState
	current   *Attempt
	token     *Token
	lastReq   AuthRequest
	observers []Observer
	closed    bool
}

// NewFlow validates cfg and creates an idle Flow.
func NewFlow(cfg Config) (*Flow, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Flow{
		cfg:      cfg,
		registry: NewStateRegistry(),
		exchanger: NewTokenExchangeClient(ExchangeConfig{
			MaxRetries:  cfg.MaxRetries,
			BackoffStep: cfg.BackoffStep,
			HTTPClient:  cfg.HTTPClient,
		}),
		lastReq: AuthRequest{ClientID: cfg.ClientID, SecretID: cfg.SecretID},
	}
	f.expiry = NewExpiryTimer(f.onAccessTokenExpired)
	return f, nil
}

// AddObserver registers o for all later notifications.
func (f *Flow) AddObserver(o Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

// State returns the state of the current attempt.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Token returns a copy of the most recent token, or nil.
func (f *Flow) Token() *Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == nil {
		return nil
	}
	tok := *f.token
	return &tok
}

// AuthorizationURL returns the URL the user agent must open for a.
func (f *Flow) AuthorizationURL(a *Attempt) string {
	return a.AuthorizationURL()
}

// StartAttempt supersedes any pending attempt, binds a callback listener and
// registers a new state. The returned attempt is resolved by its callback,
// by Wait's timeout or by Cancel.
func (f *Flow) StartAttempt(ctx context.Context) (*Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CancelledError, reasonCancelled)
	}

	f.startMu.Lock()
	defer f.startMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, apperrors.NewCancelledError("flow is closed")
	}
	prev := f.current
	f.mu.Unlock()

	if prev != nil {
		f.supersede(prev)
	}

	state := f.cfg.State
	if state == "" {
		state = NewState()
	}

	var pkce pkcePair
	if f.cfg.UsePKCE && f.cfg.Variant == VariantAuthorizationCode {
		p, err := newPKCEPair()
		if err != nil {
			f.abandonStart(prev)
			return nil, apperrors.Wrap(err, apperrors.ConfigurationError, "failed to generate PKCE verifier")
		}
		pkce = p
	}

	req := AuthRequest{
		State:             state,
		ClientID:          f.cfg.ClientID,
		SecretID:          f.cfg.SecretID,
		RedirectURI:       f.cfg.RedirectURI,
		ServerURI:         f.cfg.ServerURI,
		ExchangeServerURI: f.cfg.ExchangeServerURI,
		Scope:             append(Scope(nil), f.cfg.Scope...),
		ShowDialog:        f.cfg.ShowDialog,
	}
	a := newAttempt(req, f.cfg.Variant, f.cfg.AuthorizeEndpoint, pkce)

	l, err := newCallbackListener(listenerConfig{
		variant:      f.cfg.Variant,
		serverURI:    f.cfg.ServerURI,
		htmlResponse: f.cfg.HTMLResponse,
		attempt:      a,
		registry:     f.registry,
		sink:         f,
	})
	if err != nil {
		f.abandonStart(prev)
		return nil, err
	}
	a.listener = l

	if err := l.Start(); err != nil {
		logging.Error("Flow", err, "could not start callback listener")
		f.abandonStart(prev)
		return nil, err
	}
	if err := f.registry.Put(state, a); err != nil {
		l.Stop(0)
		f.abandonStart(prev)
		return nil, err
	}

	f.mu.Lock()
	f.current = a
	f.state = StateListening
	observers := f.snapshotObservers()
	f.mu.Unlock()

	authURL := a.AuthorizationURL()
	logging.Info("Flow", "waiting for %s callback on %s", f.cfg.Variant, l.URL())
	for _, o := range observers {
		if o.OnExchangeReady != nil {
			o.OnExchangeReady(authURL)
		}
	}

	if f.cfg.OpenBrowser {
		if err := OpenBrowser(authURL); err != nil {
			logging.Warn("Flow", "%v; open the authorization URL manually", err)
		}
	}
	return a, nil
}

// supersede resolves prev as cancelled without notifying observers and frees
// its listener address.
func (f *Flow) supersede(prev *Attempt) {
	prev.resolve(Result{Err: apperrors.NewCancelledError(reasonCancelled).WithDetails("superseded by a new attempt")}, nil)
	f.registry.RemoveIf(prev.State(), prev)
	if prev.listener != nil {
		prev.listener.Stop(0)
	}
}

// abandonStart returns the flow to Idle after a start that failed once prev
// had already been superseded.
func (f *Flow) abandonStart(prev *Attempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == prev {
		f.current = nil
		f.state = StateIdle
	}
}

// Wait blocks until a resolves, Config.Timeout elapses or ctx is done.
func (f *Flow) Wait(ctx context.Context, a *Attempt) (*Token, error) {
	return f.WaitFor(ctx, a, f.cfg.Timeout)
}

// WaitFor is Wait with an explicit timeout. A non-positive timeout waits
// without a deadline.
func (f *Flow) WaitFor(ctx context.Context, a *Attempt, timeout time.Duration) (*Token, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case <-a.Done():
	case <-timeoutC:
		f.complete(a, Result{Err: apperrors.NewTimeoutError(reasonTimedOut)})
	case <-ctx.Done():
		f.complete(a, Result{Err: apperrors.Wrap(ctx.Err(), apperrors.CancelledError, reasonCancelled)})
	}

	res, _ := a.Result()
	return res.Token, res.Err
}

// Authorize starts an attempt and waits for it.
func (f *Flow) Authorize(ctx context.Context) (*Token, error) {
	a, err := f.StartAttempt(ctx)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx, a)
}

// Cancel resolves the pending attempt, if any, as cancelled.
func (f *Flow) Cancel() {
	f.mu.Lock()
	a := f.current
	f.mu.Unlock()

	if a != nil {
		f.complete(a, Result{Err: apperrors.NewCancelledError(reasonCancelled)})
	}
}

// Close cancels the pending attempt, stops its listener and the expiry timer.
func (f *Flow) Close() error {
	f.Cancel()

	f.startMu.Lock()
	defer f.startMu.Unlock()

	f.mu.Lock()
	f.closed = true
	a := f.current
	f.mu.Unlock()

	f.expiry.Disarm()
	if a != nil && a.listener != nil {
		a.listener.Stop(0)
	}
	return nil
}

// deliver runs on the callback path with what the callback carried.
func (f *Flow) deliver(a *Attempt, res CallbackResult) {
	var (
		tok *Token
		err error
	)

	switch res.Kind() {
	case CallbackError:
		err = apperrors.NewProviderError(res.Error, "")
	case CallbackToken:
		tok = res.Token
	case CallbackCode:
		f.setState(a, StateExchanging)
		tok, err = f.exchangeCode(a, res.Code)
	default:
		err = apperrors.NewProtocolError("callback carried neither a code, a token nor an error")
	}

	if err == nil {
		err = validateToken(tok)
	}
	if err != nil {
		f.complete(a, Result{Err: err})
		return
	}
	f.complete(a, Result{Token: tok})
}

func (f *Flow) exchangeCode(a *Attempt, code string) (*Token, error) {
	req := a.Request()

	xreq := ExchangeRequest{
		GrantType: GrantAuthorizationCode,
		Code:      code,
	}
	if f.cfg.Variant == VariantTokenSwap {
		xreq.Endpoint = strings.TrimRight(req.ExchangeServerURI, "/") + "/authorize"
	} else {
		xreq.Endpoint = f.cfg.TokenEndpoint
		xreq.RedirectURI = req.RedirectURI
		xreq.ClientID = req.ClientID
		xreq.SecretID = req.SecretID
		xreq.CodeVerifier = a.pkce.verifier
	}
	return f.exchanger.Exchange(a.ctx, xreq)
}

func validateToken(tok *Token) error {
	if tok == nil {
		return apperrors.NewProtocolError(reasonNoExchangeTok)
	}
	if tok.HasError() {
		return apperrors.NewProviderError(tok.Error, tok.ErrorDescription)
	}
	if tok.AccessToken == "" {
		return apperrors.NewMissingTokenError(reasonNoAccessToken)
	}
	return nil
}

func (f *Flow) setState(a *Attempt, s FlowState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == a && !a.isResolved() {
		f.state = s
	}
}

// complete resolves a with res. Only the first resolution of an attempt
// updates the flow and notifies observers, before waiters are released.
func (f *Flow) complete(a *Attempt, res Result) {
	a.resolve(res, func() {
		f.registry.RemoveIf(a.State(), a)
		if a.listener != nil {
			go a.listener.Stop(f.cfg.StopDelay)
		}

		f.mu.Lock()
		if f.current != a {
			f.mu.Unlock()
			return
		}
		if res.Err != nil {
			f.state = StateFailed
		} else {
			f.state = StateSucceeded
			f.token = res.Token
			f.lastReq = a.Request()
		}
		observers := f.snapshotObservers()
		f.mu.Unlock()

		if res.Err != nil {
			logging.Warn("Flow", "authorization failed: %v", res.Err)
			notifyFailure(observers, res.Err)
			return
		}

		logging.Info("Flow", "authorization succeeded")
		f.expiry.Arm(res.Token, f.cfg.TimeAccessExpiry)
		for _, o := range observers {
			if o.OnSuccess != nil {
				o.OnSuccess(res.Token)
			}
		}
	})
}

// Refresh trades the stored refresh token for a new access token.
func (f *Flow) Refresh(ctx context.Context) (*Token, error) {
	f.mu.Lock()
	current := f.token
	creds := f.lastReq
	observers := f.snapshotObservers()
	f.mu.Unlock()

	if current == nil || current.RefreshToken == "" {
		err := apperrors.NewMissingTokenError(reasonNoRefreshToken)
		notifyFailure(observers, err)
		return nil, err
	}

	xreq := ExchangeRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: current.RefreshToken,
	}
	switch f.cfg.Variant {
	case VariantTokenSwap:
		xreq.Endpoint = strings.TrimRight(f.cfg.ExchangeServerURI, "/") + "/refresh"
	case VariantAuthorizationCode:
		xreq.Endpoint = f.cfg.TokenEndpoint
		xreq.ClientID = creds.ClientID
		xreq.SecretID = creds.SecretID
	default:
		err := apperrors.NewConfigurationError(fmt.Sprintf("%s flow cannot refresh tokens", f.cfg.Variant))
		notifyFailure(observers, err)
		return nil, err
	}

	tok, err := f.exchanger.Exchange(ctx, xreq)
	if err == nil {
		err = validateToken(tok)
	}
	if err != nil {
		logging.Warn("Flow", "token refresh failed: %v", err)
		notifyFailure(observers, err)
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = current.RefreshToken
	}

	f.mu.Lock()
	f.token = tok
	f.mu.Unlock()

	logging.Info("Flow", "access token refreshed")
	f.expiry.Arm(tok, f.cfg.TimeAccessExpiry)
	for _, o := range observers {
		if o.OnRefreshSuccess != nil {
			o.OnRefreshSuccess(tok)
		}
	}
	return tok, nil
}

func (f *Flow) onAccessTokenExpired(tok *Token) {
	f.mu.Lock()
	closed := f.closed
	observers := f.snapshotObservers()
	f.mu.Unlock()
	if closed {
		return
	}

	logging.Info("Flow", "access token expired")
	for _, o := range observers {
		if o.OnAccessTokenExpired != nil {
			o.OnAccessTokenExpired(tok)
		}
	}

	if f.cfg.AutoRefresh {
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
		defer cancel()
		_, _ = f.Refresh(ctx)
	}
}

func (f *Flow) snapshotObservers() []Observer {
	return append([]Observer(nil), f.observers...)
}

func notifyFailure(observers []Observer, err error) {
	for _, o := range observers {
		if o.OnFailure != nil {
			o.OnFailure(err)
		}
	}
}
