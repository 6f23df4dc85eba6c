package auth

import (
	"sync"
	"time"

	"github.com/naotama2002/spotify-auth-go/internal/logging"
)

// ExpiryTimer fires once when the current access token lifetime elapses.
// Arming a new token supersedes the previous timer.
type ExpiryTimer struct {
	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	onExpire   func(*Token)
}

// NewExpiryTimer creates a disarmed timer that calls onExpire on expiry.
func NewExpiryTimer(onExpire func(*Token)) *ExpiryTimer {
	return &ExpiryTimer{onExpire: onExpire}
}

// Arm disarms any pending timer and, when enabled and tok is usable,
// schedules a notification after tok.ExpiresIn seconds. A token without a
// positive lifetime is never armed.
func (e *ExpiryTimer) Arm(tok *Token, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.disarmLocked()
	if !enabled || tok == nil || tok.AccessToken == "" || tok.HasError() || tok.ExpiresIn <= 0 {
		return
	}

	gen := e.generation
	d := time.Duration(tok.ExpiresIn * float64(time.Second))
	logging.Debug("Expiry", "access token expires in %s", d)

	e.timer = time.AfterFunc(d, func() {
		e.mu.Lock()
		if gen != e.generation {
			e.mu.Unlock()
			return
		}
		e.timer = nil
		e.mu.Unlock()

		if e.onExpire != nil {
			e.onExpire(tok)
		}
	})
}

// Disarm cancels the pending timer, if any.
func (e *ExpiryTimer) Disarm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disarmLocked()
}

// Armed reports whether a notification is pending.
func (e *ExpiryTimer) Armed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer != nil
}

func (e *ExpiryTimer) disarmLocked() {
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
