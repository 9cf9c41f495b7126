package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{name: "nil", err: nil, want: Permanent},
		{name: "connection does not exist", err: &pgconn.PgError{Code: "08003"}, want: ConnectionDoesNotExist},
		{name: "wrapped connection does not exist", err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: "08003"}), want: ConnectionDoesNotExist},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, want: ConnectionFailure},
		{name: "connection rejected", err: &pgconn.PgError{Code: "08004"}, want: ConnectionFailure},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: Permanent},
		{name: "syntax error", err: &pgconn.PgError{Code: "42601"}, want: Permanent},
		{name: "network error", err: &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}, want: InterfaceError},
		{name: "unexpected eof", err: fmt.Errorf("receive message: %w", io.ErrUnexpectedEOF), want: InterfaceError},
		{name: "connect error", err: &pgconn.ConnectError{}, want: InterfaceError},
		{name: "context canceled", err: context.Canceled, want: Permanent},
		{name: "deadline exceeded", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: Permanent},
		{name: "pool not ready", err: ErrPoolNotReady, want: Permanent},
		{name: "plain error", err: errors.New("bad input"), want: Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFailureKind_Transient(t *testing.T) {
	assert.False(t, Permanent.Transient())
	assert.True(t, ConnectionDoesNotExist.Transient())
	assert.True(t, InterfaceError.Transient())
	assert.True(t, ConnectionFailure.Transient())
	assert.Equal(t, "connection_failure", ConnectionFailure.String())
}

func TestExhaustedError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "08006", Message: "server closed the connection"}
	err := error(&ExhaustedError{Attempts: 3, Kind: ConnectionFailure, Err: pgErr})

	assert.True(t, errors.Is(err, ErrRetriesExhausted))

	var target *pgconn.PgError
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, "08006", target.Code)
	assert.Contains(t, err.Error(), "3 attempts")
}
