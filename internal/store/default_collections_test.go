package store

import (
	"context"
	"regexp"
	"testing"
)

func lockedTx(userID int64, table string, exists bool) *mockTx {
	execs := []execExpectation{{expect: regexp.MustCompile("pg_advisory_xact_lock"), args: []any{userID}}}
	if !exists {
		execs = append(execs, execExpectation{expect: regexp.MustCompile("INSERT INTO " + table), args: []any{userID}})
	}
	return &mockTx{
		execs: execs,
		queries: []queryExpectation{
			{expect: regexp.MustCompile(`SELECT EXISTS \(SELECT 1 FROM ` + table), args: []any{userID}, value: exists},
		},
	}
}

func TestEnsureDefaultCollectionsPostgres(t *testing.T) {
	tests := []struct {
		name        string
		calendars   bool
		addressBook bool
	}{
		{"creates both", false, false},
		{"calendar present", true, false},
		{"address book present", false, true},
		{"both present", true, true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID := int64(i + 1)
			calTx := lockedTx(userID, "calendars", tt.calendars)
			bookTx := lockedTx(userID, "address_books", tt.addressBook)
			pool := &mockPool{t: t, txs: []*mockTx{calTx, bookTx}}

			st := &Store{pool: pool}
			if err := st.EnsureDefaultCollections(context.Background(), userID); err != nil {
				t.Fatalf("EnsureDefaultCollections: %v", err)
			}
			pool.assertDone()
			calTx.assertDone()
			bookTx.assertDone()
		})
	}
}

func TestEnsureDefaultCollectionsMemoryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	user, err := st.Users.Create(ctx, User{Username: "alice"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := st.EnsureDefaultCollections(ctx, user.ID); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	cals, _ := st.Calendars.ListByUser(ctx, user.ID)
	books, _ := st.AddressBooks.ListByUser(ctx, user.ID)
	if len(cals) != 1 || cals[0].URI != DefaultCalendarURI {
		t.Fatalf("calendars = %+v", cals)
	}
	if len(books) != 1 || books[0].URI != DefaultAddressBookURI {
		t.Fatalf("address books = %+v", books)
	}
}
