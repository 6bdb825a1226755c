// Package retry decides what happens to a job after a failed attempt.
//
// A Policy is a pure function of the job's retry count, the failure kind and
// the configured limits. The jitter applied to each delay is derived from the
// job id and attempt number, so the same inputs always produce the same
// decision.
package retry

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
)

// maxDelay keeps the float to Duration conversion in range.
const maxDelay = float64(1 << 62)

// Policy is an exponential backoff with deterministic jitter.
type Policy struct {
	// MaxRetries is the number of failed attempts after which a job is dead-lettered.
	MaxRetries int
	// Base is the delay after the first failure. Zero means immediate retry.
	Base time.Duration
	// Cap bounds every delay. Zero means uncapped.
	Cap time.Duration
	// Multiplier grows the delay per attempt; values below 1 are treated as 1.
	Multiplier float64
	// JitterFraction in [0,1) shortens each delay by up to that fraction.
	JitterFraction float64
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	DeadLetter bool
	Delay      time.Duration
	RetryCount int
}

// Next returns the decision for a job that failed at retryCount.
func (p Policy) Next(jobID string, retryCount int, kind domain.FailureKind) Decision {
	next := retryCount + 1
	if kind == domain.FailurePermanent || next >= p.MaxRetries {
		return Decision{DeadLetter: true, RetryCount: next}
	}
	return Decision{
		Delay:      p.Backoff(jobID, retryCount),
		RetryCount: next,
	}
}

// Backoff returns the delay before the attempt following retryCount failures.
func (p Policy) Backoff(jobID string, retryCount int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.Base) * math.Pow(mult, float64(retryCount))
	if p.Cap > 0 && delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}
	if delay > maxDelay || math.IsInf(delay, 0) {
		delay = maxDelay
	}

	if p.JitterFraction > 0 {
		delay -= delay * p.JitterFraction * jitter(jobID, retryCount)
	}

	d := time.Duration(delay)
	if d < 1 {
		d = 1
	}
	return d
}

// jitter maps (jobID, retryCount) onto [0,1).
func jitter(jobID string, retryCount int) float64 {
	h := xxhash.New()
	_, _ = h.WriteString(jobID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(retryCount))
	_, _ = h.Write(buf[:])
	return float64(h.Sum64()>>11) / float64(1<<53)
}
