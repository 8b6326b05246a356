package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestObjectDeleteRecordsChange(t *testing.T) {
	tx := &mockTx{
		execs: []execExpectation{
			{expect: regexp.MustCompile("DELETE FROM cards WHERE collection_id=\\$1 AND uri=\\$2"), args: []any{int64(7), "alice.vcf"}, tag: "DELETE 1"},
			{expect: regexp.MustCompile("INSERT INTO addressbook_changes"), args: []any{int64(7), "alice.vcf", int64(12), ChangeDelete}},
		},
		queries: []queryExpectation{
			{expect: regexp.MustCompile("UPDATE address_books SET sync_token = sync_token \\+ 1"), args: []any{int64(7)}, value: int64(12)},
		},
	}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}
	repo := &objectRepo{pool: pool, t: cardTables}

	if err := repo.Delete(context.Background(), 7, "alice.vcf"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	pool.assertDone()
	tx.assertDone()
	if !tx.committed {
		t.Fatalf("expected commit")
	}
}

func TestObjectDeleteMissing(t *testing.T) {
	tx := &mockTx{
		execs: []execExpectation{
			{expect: regexp.MustCompile("DELETE FROM calendar_objects"), tag: "DELETE 0"},
		},
	}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}
	repo := &objectRepo{pool: pool, t: calendarTables}

	err := repo.Delete(context.Background(), 1, "missing.ics")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !tx.rolled {
		t.Fatalf("expected rollback")
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "calendars_user_uri_idx"}, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapError(tt.in); !errors.Is(got, tt.want) {
				t.Fatalf("mapError(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	other := errors.New("boom")
	if got := mapError(other); got != other {
		t.Fatalf("expected other errors to pass through, got %v", got)
	}
	if mapError(nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestLikePrefix(t *testing.T) {
	if got := likePrefix(`calendars/a_b%c`); got != `calendars/a\_b\%c/%` {
		t.Fatalf("unexpected prefix %q", got)
	}
}
