package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the repositories.
type DB interface {
	PgxPool
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Default collection names created for new principals.
const (
	DefaultCalendarURI    = "default"
	DefaultAddressBookURI = "default"
)

// Store aggregates repositories backed by PostgreSQL or memory.
type Store struct {
	pool DB

	Users           UserRepository
	AppPasswords    AppPasswordRepository
	Calendars       CalendarRepository
	CalendarObjects ObjectRepository
	CalendarShares  CalendarShareRepository
	AddressBooks    AddressBookRepository
	Cards           ObjectRepository
	Properties      PropertyRepository
}

// New wires the PostgreSQL repositories to the shared connection pool.
func New(pool DB) *Store {
	return &Store{
		pool:            pool,
		Users:           &userRepo{pool: pool},
		AppPasswords:    &appPasswordRepo{pool: pool},
		Calendars:       &calendarRepo{pool: pool},
		CalendarObjects: &objectRepo{pool: pool, t: calendarTables},
		CalendarShares:  &calendarShareRepo{pool: pool},
		AddressBooks:    &addressBookRepo{pool: pool},
		Cards:           &objectRepo{pool: pool, t: cardTables},
		Properties:      &propertyRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}

// EnsureDefaultCollections gives a principal its default calendar and
// address book unless it already owns one of each.
func (s *Store) EnsureDefaultCollections(ctx context.Context, userID int64) error {
	if err := s.ensureDefaultCalendar(ctx, userID); err != nil {
		return err
	}
	return s.ensureDefaultAddressBook(ctx, userID)
}

func (s *Store) ensureDefaultCalendar(ctx context.Context, userID int64) error {
	if s.pool == nil {
		cals, err := s.Calendars.ListByUser(ctx, userID)
		if err != nil || len(cals) > 0 {
			return err
		}
		_, err = s.Calendars.Create(ctx, Calendar{UserID: userID, URI: DefaultCalendarURI, DisplayName: "Personal", Components: []string{"VEVENT", "VTODO"}})
		return err
	}
	defer observeDB(ctx, "db.ensure_default_calendar")()
	return s.withUserLock(ctx, userID, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM calendars WHERE user_id=$1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check calendars: %w", err)
		}
		if exists {
			return nil
		}
		if _, err := tx.Exec(ctx, `INSERT INTO calendars (user_id, uri, display_name) VALUES ($1, 'default', 'Personal')`, userID); err != nil {
			return fmt.Errorf("create default calendar: %w", err)
		}
		return nil
	})
}

func (s *Store) ensureDefaultAddressBook(ctx context.Context, userID int64) error {
	if s.pool == nil {
		books, err := s.AddressBooks.ListByUser(ctx, userID)
		if err != nil || len(books) > 0 {
			return err
		}
		_, err = s.AddressBooks.Create(ctx, AddressBook{UserID: userID, URI: DefaultAddressBookURI, DisplayName: "Contacts"})
		return err
	}
	defer observeDB(ctx, "db.ensure_default_address_book")()
	return s.withUserLock(ctx, userID, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM address_books WHERE user_id=$1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check address books: %w", err)
		}
		if exists {
			return nil
		}
		if _, err := tx.Exec(ctx, `INSERT INTO address_books (user_id, uri, display_name) VALUES ($1, 'default', 'Contacts')`, userID); err != nil {
			return fmt.Errorf("create default address book: %w", err)
		}
		return nil
	})
}

// withUserLock runs fn in a transaction holding an advisory lock on userID,
// so concurrent first logins do not create duplicate collections.
func (s *Store) withUserLock(ctx context.Context, userID int64, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// mapError translates driver errors into the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
