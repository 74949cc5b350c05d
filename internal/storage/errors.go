package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Apply outcomes callers branch on with errors.Is. Enum resolution failures
// and stale reports are permanent; conflict, timeout and unavailable may
// succeed on a fresh attempt.
var (
	ErrEnumResolutionFailed = errors.New("enum resolution failed")
	ErrStaleReport          = errors.New("stale report")
	ErrStorageConflict      = errors.New("storage conflict")
	ErrStorageTimeout       = errors.New("storage timeout")
	ErrStorageUnavailable   = errors.New("storage unavailable")
)

// Retryable reports whether retrying the same apply can succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageConflict) ||
		errors.Is(err, ErrStorageTimeout) ||
		errors.Is(err, ErrStorageUnavailable)
}

// classify wraps a database error with the sentinel matching its failure
// class. Server-reported integrity errors that are not transient are passed
// through unwrapped so they surface as what they are.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		// serialization_failure, deadlock_detected, unique_violation:
		// another writer got there first.
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "23505":
			return fmt.Errorf("%s: %w: %w", op, ErrStorageConflict, err)
		// query_canceled.
		case pgErr.Code == "57014":
			return fmt.Errorf("%s: %w: %w", op, ErrStorageTimeout, err)
		// connection exceptions and operator intervention.
		case strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57"):
			return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrStorageTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
	}

	// Anything else from the driver outside a server-reported error is a
	// broken or closed connection.
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
