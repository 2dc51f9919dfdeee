package workerpool

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/blueplane/telemetry-core/internal/classify"
)

// RetryPolicy implements spec.md §4.3's builder retry classification:
// transient errors back off exponentially (base 100ms, factor 2, cap 5s)
// up to MaxAttempts before promotion to permanent; non-retryable
// classifications are permanent immediately. Adapted from
// pkg/util/resiliency/client.go's backoff-with-jitter shape.
type RetryPolicy struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the policy spec.md §4.3 specifies.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 100 * time.Millisecond, Factor: 2, Cap: 5 * time.Second, MaxAttempts: 5}
}

// Decision is the outcome of consulting the retry policy for one attempt.
type Decision int

const (
	DecisionRetry Decision = iota
	DecisionPermanent
)

// Evaluate classifies err and the current attempt count into a pure
// decision, per spec.md §9's "result type returning (ok | transient err |
// permanent err)".
func (p RetryPolicy) Evaluate(err error, attempt int) Decision {
	if err == nil {
		return DecisionPermanent // nothing to retry; caller should not call this on nil
	}
	if !classify.Classify(err).Retryable() {
		return DecisionPermanent
	}
	if attempt >= p.MaxAttempts {
		return DecisionPermanent
	}
	return DecisionRetry
}

// Backoff returns the delay before the next attempt, with up to 50ms of
// jitter, capped at p.Cap.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Factor)
		if delay > p.Cap {
			delay = p.Cap
			break
		}
	}
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		jitter = time.Duration(n.Int64()) * time.Millisecond
	}
	total := delay + jitter
	if total > p.Cap {
		return p.Cap
	}
	return total
}
