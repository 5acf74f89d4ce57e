package db

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMigrationURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "postgres://u:p@localhost:5432/db?sslmode=disable", want: "pgx5://u:p@localhost:5432/db?sslmode=disable"},
		{in: "postgresql://u@h/db", want: "pgx5://u@h/db"},
		{in: "pgx5://u@h/db", want: "pgx5://u@h/db"},
	}
	for _, tc := range cases {
		if got := MigrationURL(tc.in); got != tc.want {
			t.Fatalf("MigrationURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPgError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "x_idx"})
	code, constraint, ok := PgError(err)
	if !ok || code != CodeUniqueViolation || constraint != "x_idx" {
		t.Fatalf("unexpected %q %q %v", code, constraint, ok)
	}
	if _, _, ok := PgError(errors.New("plain")); ok {
		t.Fatal("plain error reported as pg error")
	}
	if !IsNoRows(fmt.Errorf("get: %w", pgx.ErrNoRows)) {
		t.Fatal("wrapped ErrNoRows not detected")
	}
}

func TestMigrationsArePaired(t *testing.T) {
	t.Parallel()

	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	downs, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("ups=%v downs=%v", ups, downs)
	}
}
