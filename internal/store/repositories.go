package store

import "context"

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, user User) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	// UpsertOAuthUser returns the user bound to subject, creating it with
	// username when it does not exist yet.
	UpsertOAuthUser(ctx context.Context, subject, username, email string) (*User, error)
	List(ctx context.Context) ([]User, error)
}

// AppPasswordRepository handles Basic Auth token storage.
type AppPasswordRepository interface {
	Create(ctx context.Context, token AppPassword) (*AppPassword, error)
	FindValidByUser(ctx context.Context, userID int64) ([]AppPassword, error)
	Revoke(ctx context.Context, id int64) error
	TouchLastUsed(ctx context.Context, id int64) error
}

// CalendarRepository handles the calendar lifecycle.
type CalendarRepository interface {
	GetByID(ctx context.Context, id int64) (*Calendar, error)
	GetByURI(ctx context.Context, userID int64, uri string) (*Calendar, error)
	ListByUser(ctx context.Context, userID int64) ([]Calendar, error)
	Create(ctx context.Context, cal Calendar) (*Calendar, error)
	Update(ctx context.Context, cal Calendar) error
	Rename(ctx context.Context, id int64, uri string) error
	Delete(ctx context.Context, id int64) error
}

// AddressBookRepository manages address books.
type AddressBookRepository interface {
	GetByID(ctx context.Context, id int64) (*AddressBook, error)
	GetByURI(ctx context.Context, userID int64, uri string) (*AddressBook, error)
	ListByUser(ctx context.Context, userID int64) ([]AddressBook, error)
	Create(ctx context.Context, book AddressBook) (*AddressBook, error)
	Update(ctx context.Context, book AddressBook) error
	Rename(ctx context.Context, id int64, uri string) error
	Delete(ctx context.Context, id int64) error
}

// ObjectRepository stores the members of a calendar or address book and
// keeps the collection's change log. Every write bumps the sync token of the
// owning collection.
type ObjectRepository interface {
	List(ctx context.Context, collectionID int64) ([]Object, error)
	Get(ctx context.Context, collectionID int64, uri string) (*Object, error)
	GetMany(ctx context.Context, collectionID int64, uris []string) ([]Object, error)
	GetByUID(ctx context.Context, collectionID int64, uid string) (*Object, error)
	Create(ctx context.Context, obj Object) (*Object, error)
	Update(ctx context.Context, obj Object) (*Object, error)
	Delete(ctx context.Context, collectionID int64, uri string) error
	// Changes returns the changes after token, or every member when token is
	// nil. It returns nil for tokens the collection never issued and
	// ErrTooManyMatches when more than limit uris changed.
	Changes(ctx context.Context, collectionID int64, token *int64, limit int) (*ChangeSet, error)
}

// CalendarShareRepository stores calendar invitations.
type CalendarShareRepository interface {
	ListByCalendar(ctx context.Context, calendarID int64) ([]CalendarShare, error)
	ListBySharee(ctx context.Context, shareeID int64) ([]CalendarShare, error)
	Get(ctx context.Context, calendarID, shareeID int64) (*CalendarShare, error)
	Upsert(ctx context.Context, share CalendarShare) error
	Delete(ctx context.Context, calendarID, shareeID int64) error
}

// PropertyRepository stores dead properties per path.
type PropertyRepository interface {
	Get(ctx context.Context, path string) ([]DeadProperty, error)
	// Patch stores set and removes the names in remove in one transaction.
	Patch(ctx context.Context, path string, set []DeadProperty, remove []string) error
	// DeleteTree removes the properties of path and every path below it.
	DeleteTree(ctx context.Context, path string) error
	// MoveTree rewrites path and every path below it to dst.
	MoveTree(ctx context.Context, path, dst string) error
}
