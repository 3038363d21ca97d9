package ratelimit

import (
	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Limiter caps how many commands a peripheral session may put on the air per
// second. Sends that exceed the cap are dropped by the caller, never queued.
type Limiter struct {
	lim *rate.Limiter
	clk clock.Clock
}

// New returns a limiter permitting maxRate sends per one-second window.
func New(maxRate int, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		lim: rate.NewLimiter(rate.Limit(maxRate), maxRate),
		clk: clk,
	}
}

// OkayToSend reports whether another send is permitted right now. A false
// result means the frame must be dropped; callers still report success so
// scripts keep running (fire-and-forget contract).
func (l *Limiter) OkayToSend() bool {
	return l.lim.AllowN(l.clk.Now(), 1)
}
