// Package retry decides what happens after a failed send attempt: terminal
// failure, or another attempt at a computed time. It performs no I/O; the
// dispatcher applies its decisions to the store.
package retry

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"sms-gateway/internal/messages"
)

// Error classes are matched as case-insensitive substrings of the transport
// error text. Unknown errors default to retryable, the same stance maddy's
// queue takes ("errors are assumed to be temporary by default").
var (
	retryableClasses    = []string{"timeout", "refused", "unavailable", "rate limit", "temporary"}
	nonRetryableClasses = []string{"invalid", "authentication", "blocked", "suspended"}
)

// Retryable classifies a transport error text.
func Retryable(errText string) bool {
	lower := strings.ToLower(errText)
	for _, class := range nonRetryableClasses {
		if strings.Contains(lower, class) {
			return false
		}
	}
	for _, class := range retryableClasses {
		if strings.Contains(lower, class) {
			return true
		}
	}
	return true
}

// Decision is the outcome of Decide: either Terminal, or a retry at RetryAt.
type Decision struct {
	Terminal bool
	RetryAt  time.Time
	Delay    time.Duration
}

type Engine struct {
	Base   time.Duration
	Max    time.Duration
	Custom []time.Duration

	// Jitter applies ±25% uniform noise to exponential delays. Disabled in
	// tests so equal inputs yield equal delays.
	Jitter bool

	now func() time.Time
	rng *rand.Rand
}

func NewEngine(base, max time.Duration, custom []time.Duration) *Engine {
	return &Engine{
		Base:   base,
		Max:    max,
		Custom: custom,
		Jitter: true,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay computes the wait before the given attempt number (1-based, the
// attempt that just completed).
func (e *Engine) Delay(strategy messages.RetryStrategy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch strategy {
	case messages.RetryExponential:
		d := float64(e.Base) * math.Pow(2, float64(attempt-1))
		if d > float64(e.Max) {
			d = float64(e.Max)
		}
		if e.Jitter {
			d += d * 0.25 * (2*e.rng.Float64() - 1)
		}
		delay = time.Duration(d)
	case messages.RetryLinear:
		delay = time.Duration(attempt) * e.Base
		if delay > e.Max {
			delay = e.Max
		}
	case messages.RetryFixed:
		delay = e.Base
	case messages.RetryCustom:
		if len(e.Custom) == 0 {
			delay = e.Base
		} else if attempt > len(e.Custom) {
			delay = e.Custom[len(e.Custom)-1]
		} else {
			delay = e.Custom[attempt-1]
		}
	default:
		delay = e.Base
	}

	if delay < 0 {
		delay = 0
	}
	return delay
}

// Decide classifies the failure of the message's latest attempt.
// msg.AttemptCount counts started attempts, incremented on claim, so the
// terminal check is attempt_count >= max_attempts.
func (e *Engine) Decide(msg *messages.Message, errText string) Decision {
	if !Retryable(errText) {
		return Decision{Terminal: true}
	}
	if msg.AttemptCount >= msg.MaxAttempts {
		return Decision{Terminal: true}
	}
	delay := e.Delay(msg.RetryStrategy, msg.AttemptCount)
	return Decision{
		Terminal: false,
		RetryAt:  e.now().Add(delay),
		Delay:    delay,
	}
}
