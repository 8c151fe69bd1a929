// Package internal contains helpers shared by the lease store, its providers and the CLI.
package internal

import (
	"math/rand/v2"
	"time"
)

// Jitter returns n adjusted by a random amount of up to ±5%.
//
// Durations too short to adjust are returned unchanged.
func Jitter(n time.Duration) time.Duration {
	spread := n / 10
	if spread <= 0 {
		return n
	}
	return n - spread/2 + rand.N(spread) //nolint:gosec
}

// Offset returns a random duration in [0, n), or zero if n is not positive.
func Offset(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return rand.N(n) //nolint:gosec
}
