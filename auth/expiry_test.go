package auth

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiryTimerFiresOnce(t *testing.T) {
	var fired atomic.Int32
	et := NewExpiryTimer(func(*Token) { fired.Add(1) })

	et.Arm(&Token{AccessToken: "AT", ExpiresIn: 0.05}, true)
	assert.True(t, et.Armed())

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, et.Armed())
}

func TestExpiryTimerRearmSupersedes(t *testing.T) {
	var fired atomic.Int32
	var last atomic.Pointer[Token]
	et := NewExpiryTimer(func(tok *Token) {
		fired.Add(1)
		last.Store(tok)
	})

	first := &Token{AccessToken: "first", ExpiresIn: 0.05}
	second := &Token{AccessToken: "second", ExpiresIn: 0.15}

	et.Arm(first, true)
	time.Sleep(20 * time.Millisecond)
	et.Arm(second, true)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, "second", last.Load().AccessToken)
}

func TestExpiryTimerDisarm(t *testing.T) {
	var fired atomic.Int32
	et := NewExpiryTimer(func(*Token) { fired.Add(1) })

	et.Arm(&Token{AccessToken: "AT", ExpiresIn: 0.05}, true)
	et.Disarm()
	et.Disarm()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, et.Armed())
}

func TestExpiryTimerSkipsUnusableTokens(t *testing.T) {
	et := NewExpiryTimer(func(*Token) {})

	et.Arm(&Token{AccessToken: "AT", ExpiresIn: 10}, false)
	assert.False(t, et.Armed(), "disabled")

	et.Arm(nil, true)
	assert.False(t, et.Armed(), "nil token")

	et.Arm(&Token{ExpiresIn: 10}, true)
	assert.False(t, et.Armed(), "no access token")

	et.Arm(&Token{AccessToken: "AT", Error: "invalid_grant", ExpiresIn: 10}, true)
	assert.False(t, et.Armed(), "error token")

	et.Arm(&Token{AccessToken: "AT"}, true)
	assert.False(t, et.Armed(), "no lifetime")

	et.Arm(&Token{AccessToken: "AT", ExpiresIn: -5}, true)
	assert.False(t, et.Armed(), "negative lifetime")

	et.Arm(&Token{AccessToken: "AT", ExpiresIn: 10}, true)
	assert.True(t, et.Armed())
	et.Disarm()
}
