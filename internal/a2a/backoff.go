package a2a

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 60 * time.Second
)

// BackoffPolicy bounds the retry delay computation.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is the policy used when callers pass the zero value.
var DefaultBackoff = BackoffPolicy{Base: defaultBackoffBase, Max: defaultBackoffMax}

// BackoffDelay returns min(max, base·2^attempt) scaled by uniform(0.5, 1.0).
// The jitter is drawn fresh on every call so a fleet of peers that failed at
// the same instant does not retry at the same instant.
func BackoffDelay(attempt int, policy BackoffPolicy) time.Duration {
	if policy.Base <= 0 {
		policy.Base = defaultBackoffBase
	}
	if policy.Max <= 0 {
		policy.Max = defaultBackoffMax
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := policy.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= policy.Max {
			delay = policy.Max
			break
		}
	}
	if delay > policy.Max {
		delay = policy.Max
	}

	// Scale into [0.5, 1.0) of the capped delay.
	factor := 0.5 + rand.Float64()/2
	return time.Duration(float64(delay) * factor)
}
