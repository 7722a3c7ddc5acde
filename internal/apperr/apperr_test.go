package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestKindOfWrappedError(t *testing.T) {
	err := fmt.Errorf("loading pipeline: %w", NotFound("pipeline"))
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected NotFound kind, got %v", KindOf(err))
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("unclassified errors must be internal")
	}
}

func TestFromDBNoRows(t *testing.T) {
	e := FromDB(pgx.ErrNoRows, "delegation")
	if e.Kind != KindNotFound {
		t.Fatalf("expected NotFound, got %v", e.Kind)
	}
	if e.Message != "delegation not found" {
		t.Fatalf("unexpected message %q", e.Message)
	}
}

func TestFromDBUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505"}
	e := FromDB(fmt.Errorf("insert: %w", pgErr), "project")
	if e.Kind != KindConflict {
		t.Fatalf("expected Conflict, got %v", e.Kind)
	}
}

func TestFromDBOther(t *testing.T) {
	e := FromDB(errors.New("connection reset"), "user")
	if e.Kind != KindInternal {
		t.Fatalf("expected Internal, got %v", e.Kind)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindBadRequest, http.StatusBadRequest},
		{KindConflict, http.StatusConflict},
		{KindValidation, http.StatusUnprocessableEntity},
		{KindTooManyRequests, http.StatusTooManyRequests},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.kind); got != tc.want {
			t.Errorf("kind %v: got %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestInternalHidesCause(t *testing.T) {
	e := Internal(errors.New("password leaked into error"))
	if e.Message != "internal error" {
		t.Fatalf("internal errors must surface an opaque message, got %q", e.Message)
	}
}
