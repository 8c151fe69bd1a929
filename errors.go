package please

import (
	"github.com/alecthomas/errors"
)

// Every error returned by this package, other than errors returned by the caller's own transaction functions,
// matches exactly one of these kinds with [errors.Is].
var (
	// ErrProvider is returned when the [Provider] could not supply a connection. The provider's own error is
	// also wrapped.
	ErrProvider = errors.New("connection provider failed")
	// ErrQuery is returned when the store rejects or fails a query for a reason unrelated to the validity of the
	// lease. The store's own error is also wrapped, translated through the dialect driver.
	ErrQuery = errors.New("query failed")
	// ErrExpired is returned when a lease no longer has a corresponding row, because it was closed, force-expired
	// or swept after timing out.
	//
	// Any work done under the assumption of exclusivity must be treated as abandoned.
	ErrExpired = errors.New("lease has expired and can no longer be used")
)

func providerError(err error) error {
	return errors.Errorf("%w: %w", ErrProvider, err)
}

func (s *Store) queryError(err error) error {
	return errors.Errorf("%w: %w", ErrQuery, s.driver.TranslateError(err))
}

func expiredError(id int64) error {
	return errors.Errorf("lease %d: %w", id, ErrExpired)
}
