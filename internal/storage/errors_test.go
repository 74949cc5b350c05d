package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyPgErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		want error
	}{
		{"serialization failure", "40001", ErrStorageConflict},
		{"deadlock", "40P01", ErrStorageConflict},
		{"unique violation", "23505", ErrStorageConflict},
		{"query canceled", "57014", ErrStorageTimeout},
		{"connection failure", "08006", ErrStorageUnavailable},
		{"admin shutdown", "57P01", ErrStorageUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("apply", &pgconn.PgError{Code: tt.code})
			if !errors.Is(err, tt.want) {
				t.Errorf("classify(%s) = %v, want %v", tt.code, err, tt.want)
			}
		})
	}
}

func TestClassifyPermanentPgErrorUnwrapped(t *testing.T) {
	// A NOT NULL violation is a bug, not a transient fault: none of the
	// retryable sentinels should match.
	err := classify("apply", &pgconn.PgError{Code: "23502"})
	if Retryable(err) {
		t.Errorf("not-null violation classified retryable: %v", err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Error("original PgError should still be reachable")
	}
}

func TestClassifyContextErrors(t *testing.T) {
	err := classify("apply", fmt.Errorf("exec: %w", context.DeadlineExceeded))
	if !errors.Is(err, ErrStorageTimeout) {
		t.Errorf("deadline exceeded: got %v, want ErrStorageTimeout", err)
	}

	err = classify("apply", context.Canceled)
	if !errors.Is(err, ErrStorageTimeout) {
		t.Errorf("canceled: got %v, want ErrStorageTimeout", err)
	}
}

func TestClassifyNetError(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	err := classify("begin", opErr)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("net error: got %v, want ErrStorageUnavailable", err)
	}
}

func TestClassifyUnknownErrorIsUnavailable(t *testing.T) {
	err := classify("commit", errors.New("conn closed"))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("unknown error: got %v, want ErrStorageUnavailable", err)
	}
}

func TestClassifyNil(t *testing.T) {
	if err := classify("apply", nil); err != nil {
		t.Errorf("classify(nil) = %v, want nil", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrStorageConflict, true},
		{ErrStorageTimeout, true},
		{ErrStorageUnavailable, true},
		{fmt.Errorf("apply: %w", ErrStorageConflict), true},
		{ErrStaleReport, false},
		{ErrEnumResolutionFailed, false},
		{errors.New("other"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// Keep the timeout classification honest about wrapped chains.
func TestClassifyWrappedDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := classify("query", ctx.Err())
	if !errors.Is(err, ErrStorageTimeout) {
		t.Errorf("got %v, want ErrStorageTimeout", err)
	}
}
