package auth

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/naotama2002/spotify-auth-go/internal/errors"
	"github.com/naotama2002/spotify-auth-go/internal/logging"
)

var (
	//go:embed templates/close.html
	closePageHTML []byte

	//go:embed templates/start.html
	startPageHTML []byte

	ginModeOnce sync.Once
)

const (
	htmlContentType = "text/html; charset=utf-8"
	shutdownTimeout = time.Second
)

// callbackSink receives what a callback carried for a known attempt.
type callbackSink interface {
	deliver(a *Attempt, res CallbackResult)
}

type listenerConfig struct {
	variant      Variant
	serverURI    string
	htmlResponse string
	// attempt is the attempt this listener serves; Stop unregisters it.
	attempt  *Attempt
	registry *StateRegistry
	sink     callbackSink
}

// CallbackListener is the loopback HTTP server that receives the
// authorization redirect for one attempt.
type CallbackListener struct {
	cfg  listenerConfig
	spec variantSpec
	base *url.URL

	server *http.Server

	mu        sync.Mutex
	ln        net.Listener
	started   bool
	stopped   bool
	stopTimer *time.Timer

	shutdownOnce sync.Once
}

func newCallbackListener(cfg listenerConfig) (*CallbackListener, error) {
	spec, ok := cfg.variant.spec()
	if !ok {
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("unknown variant %s", cfg.variant))
	}
	base, err := url.Parse(cfg.serverURI)
	if err != nil || base.Host == "" {
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("invalid server uri %q", cfg.serverURI))
	}

	ginModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })

	l := &CallbackListener{
		cfg:  cfg,
		spec: spec,
		base: base,
	}
	l.server = &http.Server{
		Handler:           l.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return l, nil
}

func (l *CallbackListener) routes() *gin.Engine {
	r := gin.New()
	r.Use(recovery(), requestLogger(), securityHeaders())

	switch l.cfg.variant {
	case VariantAuthorizationCode:
		r.GET(l.spec.callbackPath, l.handleCodeCallback)
		r.POST(l.spec.callbackPath, l.handleBootstrapPost)
		r.GET(bootstrapPage, func(c *gin.Context) {
			c.Data(http.StatusOK, htmlContentType, startPageHTML)
		})
	case VariantImplicitGrant:
		r.GET(l.spec.callbackPath, l.handleImplicitCallback)
	case VariantTokenSwap:
		r.GET(l.spec.callbackPath, l.handleTokenSwapCallback)
	}
	return r
}

// bindAddress returns host:port of the server URI, defaulting the port by scheme.
func (l *CallbackListener) bindAddress() string {
	port := l.base.Port()
	if port == "" {
		port = "80"
		if l.base.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(l.base.Hostname(), port)
}

// Start binds the listener and begins serving in the background.
func (l *CallbackListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return apperrors.NewListenerError(errors.New("listener already stopped"), l.bindAddress())
	}
	if l.started {
		return nil
	}

	addr := l.bindAddress()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return apperrors.NewListenerError(err, addr)
	}
	l.ln = ln
	l.started = true

	logging.Info("Listener", "listening for %s callbacks on %s", l.cfg.variant, ln.Addr())

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Listener", err, "callback server stopped unexpectedly")
		}
	}()
	return nil
}

// URL returns the base URL the listener is reachable at, with the actual port.
func (l *CallbackListener) URL() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return l.base.Scheme + "://" + l.base.Host
	}
	_, port, err := net.SplitHostPort(l.ln.Addr().String())
	if err != nil {
		return l.base.Scheme + "://" + l.ln.Addr().String()
	}
	return l.base.Scheme + "://" + net.JoinHostPort(l.base.Hostname(), port)
}

// Stop unregisters the attempt at once and shuts the server down after delay.
// A zero delay shuts down before returning and also cuts short an earlier
// delayed Stop. Stop may be called any number of times.
func (l *CallbackListener) Stop(delay time.Duration) {
	if l.cfg.registry != nil && l.cfg.attempt != nil {
		l.cfg.registry.RemoveIf(l.cfg.attempt.State(), l.cfg.attempt)
	}

	l.mu.Lock()
	l.stopped = true
	if !l.started {
		l.mu.Unlock()
		return
	}
	if delay <= 0 {
		if l.stopTimer != nil {
			l.stopTimer.Stop()
		}
		l.mu.Unlock()
		l.shutdown()
		return
	}
	if l.stopTimer == nil {
		l.stopTimer = time.AfterFunc(delay, l.shutdown)
	}
	l.mu.Unlock()
}

func (l *CallbackListener) shutdown() {
	l.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := l.server.Shutdown(ctx); err != nil {
			logging.Warn("Listener", "graceful shutdown failed, closing: %v", err)
			_ = l.server.Close()
		}
		// Serve may not have picked up ln yet, in which case Shutdown leaves
		// it open.
		l.mu.Lock()
		ln := l.ln
		l.mu.Unlock()
		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				logging.Warn("Listener", "closing %s: %v", ln.Addr(), err)
			}
		}
		logging.Debug("Listener", "callback server on %s stopped", l.bindAddress())
	})
}

// dispatch hands res to the sink, inline for variants that must finish the
// exchange before answering the browser.
func (l *CallbackListener) dispatch(a *Attempt, res CallbackResult) {
	if l.spec.syncExchange {
		l.cfg.sink.deliver(a, res)
		return
	}
	go l.cfg.sink.deliver(a, res)
}

// lookup resolves the request's state. Unknown states are answered here.
func (l *CallbackListener) lookup(c *gin.Context, state string) (*Attempt, bool) {
	a, ok := l.cfg.registry.TryGet(state)
	if ok {
		return a, true
	}

	cerr := apperrors.NewCorrelationError(state)
	logging.Error("Listener", cerr, "rejected %s callback", l.cfg.variant)
	if l.spec.surfaceUnknownState {
		c.String(cerr.StatusCode, "Failed - %s - Please retry", cerr.Reason())
		return nil, false
	}
	c.Data(http.StatusOK, htmlContentType, closePageHTML)
	return nil, false
}

func (l *CallbackListener) handleCodeCallback(c *gin.Context) {
	a, ok := l.lookup(c, c.Query("state"))
	if !ok {
		return
	}

	res := CallbackResult{Code: c.Query("code")}
	if e := c.Query("error"); e != "" {
		res = CallbackResult{Error: e}
	}
	l.dispatch(a, res)
	c.Data(http.StatusOK, htmlContentType, closePageHTML)
}

func (l *CallbackListener) handleBootstrapPost(c *gin.Context) {
	a, ok := l.lookup(c, c.PostForm("state"))
	if !ok {
		return
	}

	a.setCredentials(c.PostForm("clientId"), c.PostForm("secretId"))
	c.Redirect(http.StatusFound, a.AuthorizationURL())
}

func (l *CallbackListener) handleImplicitCallback(c *gin.Context) {
	a, ok := l.lookup(c, c.Query("state"))
	if !ok {
		return
	}

	if e := c.Query("error"); e != "" {
		l.dispatch(a, CallbackResult{Error: e})
	} else {
		expiresIn, err := strconv.ParseFloat(c.Query("expires_in"), 64)
		if err != nil {
			expiresIn = 0
		}
		l.dispatch(a, CallbackResult{Token: &Token{
			AccessToken: c.Query("access_token"),
			TokenType:   c.Query("token_type"),
			ExpiresIn:   expiresIn,
			CreateDate:  time.Now(),
		}})
	}
	c.Data(http.StatusOK, htmlContentType, closePageHTML)
}

func (l *CallbackListener) handleTokenSwapCallback(c *gin.Context) {
	a, ok := l.lookup(c, c.Query("state"))
	if !ok {
		return
	}

	res := CallbackResult{Code: c.Query("code")}
	if e := c.Query("error"); e != "" {
		res = CallbackResult{Error: e}
	}
	l.dispatch(a, res)
	c.Data(http.StatusOK, htmlContentType, []byte(l.cfg.htmlResponse))
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.Error("Listener", fmt.Errorf("%v", recovered), "panic while handling %s", c.Request.URL.Path)
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// requestLogger logs method, path and status. Query strings carry codes and
// tokens and are never logged.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("Listener", "%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}
