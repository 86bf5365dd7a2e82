package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUnavailableErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: true},
		{name: "bad_conn", err: driver.ErrBadConn, want: true},
		{name: "server_error", err: &pgconn.PgError{Code: "P0001"}, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUnavailableErr(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestServerErrorCode(t *testing.T) {
	code, ok := ServerErrorCode(fmt.Errorf("rpc: %w", &pgconn.PgError{Code: "42883"}))
	if !ok || code != "42883" {
		t.Fatalf("expected 42883, got %q (%v)", code, ok)
	}
	if _, ok := ServerErrorCode(errors.New("boom")); ok {
		t.Fatalf("expected no code for plain error")
	}
}
