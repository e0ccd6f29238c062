package resolver

import (
	"errors"
	"fmt"

	"github.com/pmkol/resolvex/pkg/cache"
)

var (
	// ErrHostNotFound is a definitive failure: the name does not exist or
	// has no usable records. Negative-cache hits produce this same error,
	// so callers cannot tell a cached failure from a fresh one.
	ErrHostNotFound = errors.New("host not found")

	// ErrResolveFailure is a non-definitive failure: the query budget was
	// exhausted by timeouts or server errors. It is never cached, so a
	// later call retries against the network.
	ErrResolveFailure = errors.New("resolution failed")

	// ErrResolverClosed is returned by operations on a closed Resolver.
	ErrResolverClosed = errors.New("resolver closed")
)

func hostNotFoundErr(host string, reason cache.FailureReason) error {
	return fmt.Errorf("failed to resolve %q (%s): %w", host, reason, ErrHostNotFound)
}

func resolveFailureErr(host string, lastErr error) error {
	if lastErr != nil {
		return fmt.Errorf("failed to resolve %q, last error: %s: %w", host, lastErr, ErrResolveFailure)
	}
	return fmt.Errorf("failed to resolve %q: %w", host, ErrResolveFailure)
}
