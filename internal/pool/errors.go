package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrPoolNotReady is returned by every operation while the pool is not active.
	ErrPoolNotReady = errors.New("database pool is not initialized")
	// ErrPoolClosed is returned by Initialize after Close.
	ErrPoolClosed = errors.New("database pool is closed")
	// ErrRetriesExhausted matches every *ExhaustedError.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// SQLSTATE codes for connection exceptions.
const (
	sqlStateConnectionDoesNotExist = "08003"
	sqlStateConnectionClass        = "08"
)

// FailureKind classifies a database error for retry purposes.
type FailureKind int

const (
	// Permanent errors propagate immediately.
	Permanent FailureKind = iota
	// ConnectionDoesNotExist is SQLSTATE 08003.
	ConnectionDoesNotExist
	// InterfaceError covers client-side faults talking to the server:
	// network errors, truncated reads, failed connects.
	InterfaceError
	// ConnectionFailure is any other SQLSTATE class 08 error.
	ConnectionFailure
)

func (k FailureKind) String() string {
	switch k {
	case ConnectionDoesNotExist:
		return "connection_does_not_exist"
	case InterfaceError:
		return "interface_error"
	case ConnectionFailure:
		return "connection_failure"
	default:
		return "permanent"
	}
}

// Transient reports whether errors of this kind are retried.
func (k FailureKind) Transient() bool {
	return k != Permanent
}

// Classify maps err to a FailureKind. Context cancellation, deadlines and
// ErrPoolNotReady are always permanent.
func Classify(err error) FailureKind {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}
	if errors.Is(err, ErrPoolNotReady) || errors.Is(err, ErrPoolClosed) {
		return Permanent
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == sqlStateConnectionDoesNotExist:
			return ConnectionDoesNotExist
		case strings.HasPrefix(pgErr.Code, sqlStateConnectionClass):
			return ConnectionFailure
		default:
			return Permanent
		}
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return InterfaceError
	}
	if pgconn.SafeToRetry(err) {
		return InterfaceError
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return InterfaceError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return InterfaceError
	}

	return Permanent
}

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Attempts int
	Kind     FailureKind
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("database operation failed after %d attempts (%s): %v", e.Attempts, e.Kind, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrRetriesExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}
