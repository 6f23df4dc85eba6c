package auth

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkFunc func(a *Attempt, res CallbackResult)

func (f sinkFunc) deliver(a *Attempt, res CallbackResult) { f(a, res) }

// channelSink forwards every delivery to a buffered channel.
func channelSink() (sinkFunc, chan CallbackResult) {
	ch := make(chan CallbackResult, 8)
	return func(_ *Attempt, res CallbackResult) { ch <- res }, ch
}

var noRedirectClient = &http.Client{
	Timeout: 5 * time.Second,
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func startListener(t *testing.T, variant Variant, serverURI string, sink callbackSink) (*CallbackListener, *StateRegistry) {
	t.Helper()

	registry := NewStateRegistry()
	a := newAttempt(AuthRequest{State: "known", RedirectURI: "http://localhost:4002"}, variant, DefaultAuthorizeEndpoint, pkcePair{})
	l, err := newCallbackListener(listenerConfig{
		variant:      variant,
		serverURI:    serverURI,
		htmlResponse: "<p>swapped</p>",
		attempt:      a,
		registry:     registry,
		sink:         sink,
	})
	require.NoError(t, err)
	a.listener = l
	require.NoError(t, l.Start())
	t.Cleanup(func() { l.Stop(0) })
	require.NoError(t, registry.Put("known", a))
	return l, registry
}

func get(t *testing.T, rawURL string) (*http.Response, string) {
	t.Helper()
	resp, err := noRedirectClient.Get(rawURL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func assertNoDelivery(t *testing.T, ch chan CallbackResult) {
	t.Helper()
	select {
	case res := <-ch:
		t.Fatalf("unexpected delivery %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenerCodeCallback(t *testing.T) {
	sink, ch := channelSink()
	l, _ := startListener(t, VariantAuthorizationCode, "http://127.0.0.1:0", sink)

	resp, body := get(t, l.URL()+"/?state=known&code=xyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "window.close()")
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))

	select {
	case res := <-ch:
		assert.Equal(t, CallbackResult{Code: "xyz"}, res)
	case <-time.After(time.Second):
		t.Fatal("callback was not delivered")
	}
}

func TestListenerCodeCallbackPrefersError(t *testing.T) {
	sink, ch := channelSink()
	l, _ := startListener(t, VariantAuthorizationCode, "http://127.0.0.1:0", sink)

	get(t, l.URL()+"/?state=known&code=xyz&error=access_denied")

	select {
	case res := <-ch:
		assert.Equal(t, CallbackResult{Error: "access_denied"}, res)
	case <-time.After(time.Second):
		t.Fatal("callback was not delivered")
	}
}

func TestListenerCodeUnknownStateIsIgnored(t *testing.T) {
	sink, ch := channelSink()
	l, _ := startListener(t, VariantAuthorizationCode, "http://127.0.0.1:0", sink)

	resp, body := get(t, l.URL()+"/?state=forged&code=xyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "window.close()")
	assertNoDelivery(t, ch)
}

func TestListenerBootstrap(t *testing.T) {
	sink, ch := channelSink()
	l, _ := startListener(t, VariantAuthorizationCode, "http://127.0.0.1:0", sink)

	resp, body := get(t, l.URL()+"/start.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `name="clientId"`)
	assert.Contains(t, body, `name="secretId"`)

	form := url.Values{"state": {"known"}, "clientId": {"my-client"}, "secretId": {"my-secret"}}
	postResp, err := noRedirectClient.PostForm(l.URL()+"/", form)
	require.NoError(t, err)
	_ = postResp.Body.Close()

	assert.Equal(t, http.StatusFound, postResp.StatusCode)
	loc, err := url.Parse(postResp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "my-client", loc.Query().Get("client_id"))
	assert.Equal(t, "known", loc.Query().Get("state"))
	assert.True(t, strings.HasPrefix(loc.String(), DefaultAuthorizeEndpoint))

	unknown := url.Values{"state": {"forged"}, "clientId": {"x"}, "secretId": {"y"}}
	unknownResp, err := noRedirectClient.PostForm(l.URL()+"/", unknown)
	require.NoError(t, err)
	_ = unknownResp.Body.Close()
	assert.Equal(t, http.StatusOK, unknownResp.StatusCode)

	assertNoDelivery(t, ch)
}

func TestListenerImplicitUnknownState(t *testing.T) {
	sink, ch := channelSink()
	l, _ := startListener(t, VariantImplicitGrant, "http://127.0.0.1:0", sink)

	resp, body := get(t, l.URL()+"/auth?state=forged&access_token=AT")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	assert.Equal(t, `Failed - Unable to find auth request with state "forged" - Please retry`, body)
	assertNoDelivery(t, ch)
}

func TestListenerImplicitToken(t *testing.T) {
	sink, ch := channelSink()
	l, _ := startListener(t, VariantImplicitGrant, "http://127.0.0.1:0", sink)

	resp, _ := get(t, l.URL()+"/auth?state=known&access_token=AT&token_type=Bearer&expires_in=not-a-number")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case res := <-ch:
		require.NotNil(t, res.Token)
		assert.Equal(t, "AT", res.Token.AccessToken)
		assert.Equal(t, "Bearer", res.Token.TokenType)
		assert.Equal(t, float64(0), res.Token.ExpiresIn)
		assert.False(t, res.Token.CreateDate.IsZero())
	case <-time.After(time.Second):
		t.Fatal("token was not delivered")
	}
}

func TestListenerImplicitError(t *testing.T) {
	sink, ch := channelSink()
	l, _ := startListener(t, VariantImplicitGrant, "http://127.0.0.1:0", sink)

	get(t, l.URL()+"/auth?state=known&error=access_denied")

	select {
	case res := <-ch:
		assert.Equal(t, CallbackResult{Error: "access_denied"}, res)
	case <-time.After(time.Second):
		t.Fatal("error was not delivered")
	}
}

func TestListenerTokenSwapIsSynchronous(t *testing.T) {
	var finished atomic.Bool
	sink := sinkFunc(func(_ *Attempt, res CallbackResult) {
		assert.Equal(t, "xyz", res.Code)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})
	l, _ := startListener(t, VariantTokenSwap, "http://127.0.0.1:0", sink)

	resp, body := get(t, l.URL()+"/auth?state=known&code=xyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<p>swapped</p>", body)
	assert.True(t, finished.Load(), "exchange must complete before the response")
}

func TestListenerTokenSwapUnknownState(t *testing.T) {
	sink, ch := channelSink()
	l, _ := startListener(t, VariantTokenSwap, "http://127.0.0.1:0", sink)

	resp, body := get(t, l.URL()+"/auth?state=forged&code=xyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "window.close()")
	assertNoDelivery(t, ch)
}

func TestListenerStopBeforeStart(t *testing.T) {
	registry := NewStateRegistry()
	a := newAttempt(AuthRequest{State: "s"}, VariantAuthorizationCode, DefaultAuthorizeEndpoint, pkcePair{})
	require.NoError(t, registry.Put("s", a))
	l, err := newCallbackListener(listenerConfig{
		variant:   VariantAuthorizationCode,
		serverURI: "http://127.0.0.1:0",
		attempt:   a,
		registry:  registry,
	})
	require.NoError(t, err)

	l.Stop(0)
	assert.Equal(t, 0, registry.Len())
	l.Stop(time.Second)

	err = l.Start()
	assert.True(t, IsKind(err, KindListener))
}

func TestListenerStopFreesAddress(t *testing.T) {
	addr := freeAddr(t)
	sink, _ := channelSink()
	l, registry := startListener(t, VariantAuthorizationCode, "http://"+addr, sink)

	l.Stop(0)
	l.Stop(0)
	assert.Equal(t, 0, registry.Len())

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err, "address must be free after Stop(0)")
	_ = ln.Close()
}

func TestListenerRestartOnSameAddress(t *testing.T) {
	addr := freeAddr(t)
	for i := 0; i < 20; i++ {
		l, err := newCallbackListener(listenerConfig{
			variant:   VariantAuthorizationCode,
			serverURI: "http://" + addr,
			registry:  NewStateRegistry(),
		})
		require.NoError(t, err)
		require.NoError(t, l.Start(), "start %d", i)
		l.Stop(0)
	}
}

func TestListenerStopExpeditesDelayedStop(t *testing.T) {
	addr := freeAddr(t)
	sink, _ := channelSink()
	l, registry := startListener(t, VariantAuthorizationCode, "http://"+addr, sink)

	l.Stop(time.Hour)
	assert.Equal(t, 0, registry.Len(), "registry entry is removed immediately")

	resp, _ := get(t, l.URL()+"/?state=known&code=xyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "server still answers during the delay")

	l.Stop(0)
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	_ = ln.Close()
}

func TestListenerBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	l, err := newCallbackListener(listenerConfig{
		variant:   VariantAuthorizationCode,
		serverURI: "http://" + ln.Addr().String(),
		registry:  NewStateRegistry(),
	})
	require.NoError(t, err)

	err = l.Start()
	assert.True(t, IsKind(err, KindListener))
}

func TestListenerInvalidServerURI(t *testing.T) {
	_, err := newCallbackListener(listenerConfig{variant: VariantAuthorizationCode, serverURI: "not a uri"})
	assert.True(t, IsKind(err, KindConfiguration))
}
