package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsRetryableErr(t *testing.T) {
	if !IsRetryableErr(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("expected serialization failure to be retryable")
	}
	if !IsRetryableErr(&pgconn.PgError{Code: "08006"}) {
		t.Fatalf("expected connection failure to be retryable")
	}
	if IsRetryableErr(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("expected unique violation to be terminal")
	}
	if !IsRetryableErr(fmt.Errorf("upsert sessions: %w", errors.New("database is locked"))) {
		t.Fatalf("expected sqlite busy to be retryable")
	}
	if IsRetryableErr(errors.New("disk full")) {
		t.Fatalf("expected unknown errors to be terminal")
	}
}

func TestOpenSQLiteMemory(t *testing.T) {
	conn, err := Open(Config{Type: TypeSQLite, Path: "file::memory:?cache=shared"}, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := conn.Exec("SELECT 1").Error; err != nil {
		t.Fatalf("exec: %v", err)
	}
}
