package auth

import (
	"context"
	"sync"
	"sync/atomic"
)

// Attempt is one pending authorization: the request it was started with, the
// listener waiting for its callback and a single-slot completion.
type Attempt struct {
	mu      sync.Mutex
	request AuthRequest

	variant           Variant
	authorizeEndpoint string
	pkce              pkcePair

	listener *CallbackListener

	// ctx is cancelled once the attempt resolves so an in-flight exchange stops.
	ctx    context.Context
	cancel context.CancelFunc

	once     sync.Once
	resolved atomic.Bool
	done     chan struct{}
	result   Result
}

func newAttempt(req AuthRequest, variant Variant, authorizeEndpoint string, pkce pkcePair) *Attempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &Attempt{
		request:           req,
		variant:           variant,
		authorizeEndpoint: authorizeEndpoint,
		pkce:              pkce,
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
	}
}

// State returns the correlation value of the attempt.
func (a *Attempt) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.request.State
}

// Request returns a copy of the attempt's request.
func (a *Attempt) Request() AuthRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	req := a.request
	req.Scope = append(Scope(nil), a.request.Scope...)
	return req
}

// AuthorizationURL returns the URL the user agent must open for this attempt.
func (a *Attempt) AuthorizationURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return buildAuthorizationURL(a.variant, a.authorizeEndpoint, a.request, a.pkce.challenge)
}

// URL returns the base URL of the attempt's callback listener.
func (a *Attempt) URL() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.URL()
}

// Done is closed when the attempt has resolved.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Result returns the outcome once the attempt has resolved.
func (a *Attempt) Result() (Result, bool) {
	select {
	case <-a.done:
		return a.result, true
	default:
		return Result{}, false
	}
}

func (a *Attempt) setCredentials(clientID, secretID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.request.ClientID = clientID
	a.request.SecretID = secretID
}

// resolve stores res, runs then and closes Done. Only the first call has any
// effect; waiters observe Done after then has returned.
func (a *Attempt) resolve(res Result, then func()) bool {
	won := false
	a.once.Do(func() {
		won = true
		a.result = res
		a.resolved.Store(true)
		a.cancel()
	})
	if !won {
		return false
	}
	if then != nil {
		then()
	}
	close(a.done)
	return true
}

func (a *Attempt) isResolved() bool {
	return a.resolved.Load()
}
