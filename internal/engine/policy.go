package engine

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/roach88/matchsync/internal/outbox"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = 2 * time.Second
	DefaultMaxDelay      = 5 * time.Minute
	DefaultSubmitTimeout = 15 * time.Second
	DefaultPollInterval  = 30 * time.Second
)

// RetryPolicy decides what happens to an entry after a failed attempt.
//
// Transient failures back off exponentially with equal jitter:
//
//	d     = min(MaxDelay, BaseDelay * 2^(attempts-1))
//	delay = uniform in [d/2, d]
//
// Once attempts reaches MaxAttempts the entry is exhausted and waits for a
// manual retry. Conflict and validation failures are terminal at once.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter returns a value in [0, 1). Nil uses math/rand/v2.
	Jitter func() float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Validate reports configuration errors.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts))
	}
	if p.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("base delay must be positive, got %s", p.BaseDelay))
	}
	if p.MaxDelay < p.BaseDelay {
		errs = append(errs, fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay))
	}
	return errors.Join(errs...)
}

// Ceiling returns the un-jittered delay after the given attempt count.
func (p RetryPolicy) Ceiling(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Delay returns the jittered delay after the given attempt count.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	d := p.Ceiling(attempts)
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	half := d / 2
	return half + time.Duration(jitter()*float64(d-half))
}

// Decision is the outcome of one failed attempt.
type Decision struct {
	Kind          outbox.FailureKind
	LastError     string
	NextAttemptAt *time.Time
}

// Decide classifies err for an entry that has now made attempts attempts.
func (p RetryPolicy) Decide(attempts int, err error, now time.Time) Decision {
	kind := outbox.Classify(err)
	msg := err.Error()

	switch kind {
	case outbox.KindConflict, outbox.KindValidation:
		return Decision{Kind: kind, LastError: outbox.FormatError(kind, msg)}
	}

	if attempts >= p.MaxAttempts {
		return Decision{
			Kind:      outbox.KindExhausted,
			LastError: outbox.FormatError(outbox.KindExhausted, fmt.Sprintf("after %d attempts: %s", attempts, msg)),
		}
	}

	next := now.Add(p.Delay(attempts))
	return Decision{
		Kind:          outbox.KindTransient,
		LastError:     msg,
		NextAttemptAt: &next,
	}
}
