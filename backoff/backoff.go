// Package backoff provides exponential backoff utilities with jitter support
// for retry scheduling and rate limiting scenarios.
package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential calculates exponential delay based on attempt number.
// The delay is calculated as base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// ExponentialCapped calculates exponential delay clamped to ceiling.
// A non-positive ceiling disables the clamp.
func ExponentialCapped(base, ceiling time.Duration, attempt int) time.Duration {
	delay := Exponential(base, attempt)

	if ceiling > 0 && delay > ceiling {
		return ceiling
	}

	return delay
}

// jitterFraction is the symmetric jitter applied by RetryDelay: the final
// delay is the capped exponential delay scaled by a random factor in
// [1-jitterFraction, 1+jitterFraction).
const jitterFraction = 0.1

// RetryDelay computes the wait before retry number attempt: the capped
// exponential delay with a proportional +-10% jitter. For any two attempts
// a < b the lower bound of b is never below the upper bound of a being
// exceeded; the unjittered schedule is monotone non-decreasing.
func RetryDelay(base, ceiling time.Duration, attempt int) time.Duration {
	delay := ExponentialCapped(base, ceiling, attempt)
	if delay <= 0 {
		return 0
	}

	factor := 1 - jitterFraction + 2*jitterFraction*randomFloat()

	return time.Duration(float64(delay) * factor)
}

// FullJitter returns a random duration in the range [0, delay).
// Uses crypto/rand for secure randomness, falling back to math/rand if crypto fails.
// Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(cryptoFallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

// ExponentialWithJitter combines exponential backoff with full jitter.
// Returns a random duration in [0, base * 2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	exponentialDelay := Exponential(base, attempt)

	return FullJitter(exponentialDelay)
}

const jitterResolution = 1 << 20

func randomFloat() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(jitterResolution))
	if err != nil {
		return float64(cryptoFallbackRand(jitterResolution)) / jitterResolution
	}

	return float64(n.Int64()) / jitterResolution
}

// fallbackDivisor is used when crypto/rand fails completely.
const fallbackDivisor = 2

// cryptoFallbackRand provides a fallback random number generator when
// crypto/rand fails. It first attempts to seed a math/rand PRNG via
// rand.Read, and if even that fails returns the deterministic midpoint so
// jitter never stalls under entropy exhaustion.
func cryptoFallbackRand(maxValue int64) int64 {
	var seed [8]byte

	_, err := rand.Read(seed[:])
	if err != nil {
		return maxValue / fallbackDivisor
	}

	rng := mrand.New(
		mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0),
	) // #nosec G404 -- Fallback when crypto/rand fails

	return rng.Int64N(maxValue)
}

// SleepWithContext sleeps for the specified duration but respects context cancellation.
// Returns nil if the sleep completes, or an error if the context is cancelled.
// Returns immediately (nil) for zero or negative durations.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
