package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// User is a principal. Users are created from the CLI or on first OIDC login.
type User struct {
	ID           int64
	Username     string
	Email        string
	DisplayName  string
	OAuthSubject string
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// AppPassword is a per-client credential for DAV access.
type AppPassword struct {
	ID         int64
	UserID     int64
	Label      string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// Calendar is a CalDAV calendar belonging to a user.
type Calendar struct {
	ID          int64
	UserID      int64
	URI         string
	DisplayName string
	Description string
	Color       string
	Timezone    string
	// Components lists the component names the calendar accepts.
	Components  []string
	Transparent bool
	Order       int
	SyncToken   int64
	CreatedAt   time.Time
}

// AddressBook is a CardDAV address book belonging to a user.
type AddressBook struct {
	ID          int64
	UserID      int64
	URI         string
	DisplayName string
	Description string
	SyncToken   int64
	CreatedAt   time.Time
}

// Object is a stored calendar object or vCard. CollectionID refers to a
// calendar or an address book depending on the repository.
type Object struct {
	ID           int64
	CollectionID int64
	URI          string
	UID          string
	Component    string
	Data         []byte
	ETag         string
	Size         int64
	LastModified time.Time
}

// ETagFor returns the entity tag stored for data, without quotes.
func ETagFor(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Change operations recorded in the change log.
const (
	ChangeAdd    = 1
	ChangeModify = 2
	ChangeDelete = 3
)

// ChangeSet lists the object uris changed since a sync token. The last
// operation recorded for a uri decides which list it ends up in.
type ChangeSet struct {
	SyncToken int64
	Added     []string
	Modified  []string
	Deleted   []string
}

// CalendarShare is an invitation of a sharee to a calendar. URI is the name
// of the shared instance inside the sharee's calendar home.
type CalendarShare struct {
	CalendarID   int64
	ShareeID     int64
	URI          string
	Href         string
	Access       int
	InviteStatus int
	Comment      string
	DisplayName  string
	CreatedAt    time.Time
}

// Dead property value encodings.
const (
	PropertyString = 1
	PropertyXML    = 2
)

// DeadProperty is a client-defined property stored for a path.
type DeadProperty struct {
	Path      string
	Name      string
	ValueType int
	Value     []byte
}
