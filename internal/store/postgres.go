package store

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
)

type scanner interface {
	Scan(dest ...any) error
}

// userRepo implements UserRepository.
type userRepo struct {
	pool DB
}

const userColumns = `id, username, email, display_name, oauth_subject, created_at, last_login_at`

func scanUser(row scanner) (*User, error) {
	var u User
	var subject *string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &subject, &u.CreatedAt, &u.LastLoginAt); err != nil {
		return nil, mapError(err)
	}
	if subject != nil {
		u.OAuthSubject = *subject
	}
	return &u, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *userRepo) Create(ctx context.Context, user User) (*User, error) {
	defer observeDB(ctx, "users.create")()
	row := r.pool.QueryRow(ctx, `INSERT INTO users (username, email, display_name, oauth_subject)
VALUES ($1, $2, $3, $4) RETURNING `+userColumns,
		user.Username, user.Email, user.DisplayName, nullString(user.OAuthSubject))
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", user.Username, err)
	}
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "users.get_by_id")()
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	defer observeDB(ctx, "users.get_by_username")()
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(username)=LOWER($1)`, username))
}

func (r *userRepo) UpsertOAuthUser(ctx context.Context, subject, username, email string) (*User, error) {
	defer observeDB(ctx, "users.upsert_oauth")()
	row := r.pool.QueryRow(ctx, `INSERT INTO users (username, email, oauth_subject, last_login_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (oauth_subject) WHERE oauth_subject IS NOT NULL
DO UPDATE SET email = EXCLUDED.email, last_login_at = NOW()
RETURNING `+userColumns, username, email, subject)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("upsert oauth user: %w", err)
	}
	return u, nil
}

func (r *userRepo) List(ctx context.Context) ([]User, error) {
	defer observeDB(ctx, "users.list")()
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// appPasswordRepo implements AppPasswordRepository.
type appPasswordRepo struct {
	pool DB
}

func (r *appPasswordRepo) Create(ctx context.Context, token AppPassword) (*AppPassword, error) {
	defer observeDB(ctx, "app_passwords.create")()
	out := token
	err := r.pool.QueryRow(ctx, `INSERT INTO app_passwords (user_id, label, token_hash, expires_at)
VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		token.UserID, token.Label, token.TokenHash, token.ExpiresAt).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create app password: %w", mapError(err))
	}
	return &out, nil
}

func (r *appPasswordRepo) FindValidByUser(ctx context.Context, userID int64) ([]AppPassword, error) {
	defer observeDB(ctx, "app_passwords.find_valid")()
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, label, token_hash, created_at, expires_at, revoked_at, last_used_at
FROM app_passwords
WHERE user_id=$1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())
ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list app passwords: %w", err)
	}
	defer rows.Close()
	var out []AppPassword
	for rows.Next() {
		var p AppPassword
		if err := rows.Scan(&p.ID, &p.UserID, &p.Label, &p.TokenHash, &p.CreatedAt, &p.ExpiresAt, &p.RevokedAt, &p.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *appPasswordRepo) Revoke(ctx context.Context, id int64) error {
	defer observeDB(ctx, "app_passwords.revoke")()
	return execOne(ctx, r.pool, `UPDATE app_passwords SET revoked_at = NOW() WHERE id=$1 AND revoked_at IS NULL`, id)
}

func (r *appPasswordRepo) TouchLastUsed(ctx context.Context, id int64) error {
	defer observeDB(ctx, "app_passwords.touch")()
	return execOne(ctx, r.pool, `UPDATE app_passwords SET last_used_at = NOW() WHERE id=$1`, id)
}

// execOne runs a statement that must affect exactly one row.
func execOne(ctx context.Context, db execer, sql string, args ...any) error {
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// calendarRepo implements CalendarRepository.
type calendarRepo struct {
	pool DB
}

const calendarColumns = `id, user_id, uri, display_name, description, color, timezone, components, transparent, sort_order, sync_token, created_at`

func scanCalendar(row scanner) (*Calendar, error) {
	var c Calendar
	if err := row.Scan(&c.ID, &c.UserID, &c.URI, &c.DisplayName, &c.Description, &c.Color, &c.Timezone,
		&c.Components, &c.Transparent, &c.Order, &c.SyncToken, &c.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func (r *calendarRepo) GetByID(ctx context.Context, id int64) (*Calendar, error) {
	defer observeDB(ctx, "calendars.get_by_id")()
	return scanCalendar(r.pool.QueryRow(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id=$1`, id))
}

func (r *calendarRepo) GetByURI(ctx context.Context, userID int64, uri string) (*Calendar, error) {
	defer observeDB(ctx, "calendars.get_by_uri")()
	return scanCalendar(r.pool.QueryRow(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE user_id=$1 AND LOWER(uri)=LOWER($2)`, userID, uri))
}

func (r *calendarRepo) ListByUser(ctx context.Context, userID int64) ([]Calendar, error) {
	defer observeDB(ctx, "calendars.list_by_user")()
	rows, err := r.pool.Query(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE user_id=$1 ORDER BY sort_order, uri`, userID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	defer rows.Close()
	var out []Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *calendarRepo) Create(ctx context.Context, cal Calendar) (*Calendar, error) {
	defer observeDB(ctx, "calendars.create")()
	if len(cal.Components) == 0 {
		cal.Components = []string{"VEVENT", "VTODO"}
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO calendars (user_id, uri, display_name, description, color, timezone, components, transparent, sort_order)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING `+calendarColumns,
		cal.UserID, cal.URI, cal.DisplayName, cal.Description, cal.Color, cal.Timezone, cal.Components, cal.Transparent, cal.Order)
	c, err := scanCalendar(row)
	if err != nil {
		return nil, fmt.Errorf("create calendar %s: %w", cal.URI, err)
	}
	return c, nil
}

func (r *calendarRepo) Update(ctx context.Context, cal Calendar) error {
	defer observeDB(ctx, "calendars.update")()
	return execOne(ctx, r.pool, `UPDATE calendars
SET display_name=$2, description=$3, color=$4, timezone=$5, transparent=$6, sort_order=$7, sync_token = sync_token + 1
WHERE id=$1`, cal.ID, cal.DisplayName, cal.Description, cal.Color, cal.Timezone, cal.Transparent, cal.Order)
}

func (r *calendarRepo) Rename(ctx context.Context, id int64, uri string) error {
	defer observeDB(ctx, "calendars.rename")()
	return execOne(ctx, r.pool, `UPDATE calendars SET uri=$2 WHERE id=$1`, id, uri)
}

func (r *calendarRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "calendars.delete")()
	return execOne(ctx, r.pool, `DELETE FROM calendars WHERE id=$1`, id)
}

// addressBookRepo implements AddressBookRepository.
type addressBookRepo struct {
	pool DB
}

const addressBookColumns = `id, user_id, uri, display_name, description, sync_token, created_at`

func scanAddressBook(row scanner) (*AddressBook, error) {
	var b AddressBook
	if err := row.Scan(&b.ID, &b.UserID, &b.URI, &b.DisplayName, &b.Description, &b.SyncToken, &b.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &b, nil
}

func (r *addressBookRepo) GetByID(ctx context.Context, id int64) (*AddressBook, error) {
	defer observeDB(ctx, "address_books.get_by_id")()
	return scanAddressBook(r.pool.QueryRow(ctx, `SELECT `+addressBookColumns+` FROM address_books WHERE id=$1`, id))
}

func (r *addressBookRepo) GetByURI(ctx context.Context, userID int64, uri string) (*AddressBook, error) {
	defer observeDB(ctx, "address_books.get_by_uri")()
	return scanAddressBook(r.pool.QueryRow(ctx, `SELECT `+addressBookColumns+` FROM address_books WHERE user_id=$1 AND LOWER(uri)=LOWER($2)`, userID, uri))
}

func (r *addressBookRepo) ListByUser(ctx context.Context, userID int64) ([]AddressBook, error) {
	defer observeDB(ctx, "address_books.list_by_user")()
	rows, err := r.pool.Query(ctx, `SELECT `+addressBookColumns+` FROM address_books WHERE user_id=$1 ORDER BY uri`, userID)
	if err != nil {
		return nil, fmt.Errorf("list address books: %w", err)
	}
	defer rows.Close()
	var out []AddressBook
	for rows.Next() {
		b, err := scanAddressBook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *addressBookRepo) Create(ctx context.Context, book AddressBook) (*AddressBook, error) {
	defer observeDB(ctx, "address_books.create")()
	row := r.pool.QueryRow(ctx, `INSERT INTO address_books (user_id, uri, display_name, description)
VALUES ($1, $2, $3, $4) RETURNING `+addressBookColumns, book.UserID, book.URI, book.DisplayName, book.Description)
	b, err := scanAddressBook(row)
	if err != nil {
		return nil, fmt.Errorf("create address book %s: %w", book.URI, err)
	}
	return b, nil
}

func (r *addressBookRepo) Update(ctx context.Context, book AddressBook) error {
	defer observeDB(ctx, "address_books.update")()
	return execOne(ctx, r.pool, `UPDATE address_books SET display_name=$2, description=$3, sync_token = sync_token + 1 WHERE id=$1`,
		book.ID, book.DisplayName, book.Description)
}

func (r *addressBookRepo) Rename(ctx context.Context, id int64, uri string) error {
	defer observeDB(ctx, "address_books.rename")()
	return execOne(ctx, r.pool, `UPDATE address_books SET uri=$2 WHERE id=$1`, id, uri)
}

func (r *addressBookRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "address_books.delete")()
	return execOne(ctx, r.pool, `DELETE FROM address_books WHERE id=$1`, id)
}

// objectTables names the tables behind an ObjectRepository.
type objectTables struct {
	name        string
	objects     string
	collections string
	changes     string
}

var (
	calendarTables = objectTables{name: "calendar_objects", objects: "calendar_objects", collections: "calendars", changes: "calendar_changes"}
	cardTables     = objectTables{name: "cards", objects: "cards", collections: "address_books", changes: "addressbook_changes"}
)

// objectRepo implements ObjectRepository for calendar objects and cards.
type objectRepo struct {
	pool DB
	t    objectTables
}

const objectColumns = `id, collection_id, uri, uid, component, data, etag, size, last_modified`

func scanObject(row scanner) (*Object, error) {
	var o Object
	if err := row.Scan(&o.ID, &o.CollectionID, &o.URI, &o.UID, &o.Component, &o.Data, &o.ETag, &o.Size, &o.LastModified); err != nil {
		return nil, mapError(err)
	}
	return &o, nil
}

func (r *objectRepo) query(ctx context.Context, sql string, args ...any) ([]Object, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", r.t.objects, err)
	}
	defer rows.Close()
	var out []Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *objectRepo) List(ctx context.Context, collectionID int64) ([]Object, error) {
	defer observeDB(ctx, r.t.name+".list")()
	return r.query(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE collection_id=$1 ORDER BY uri`, objectColumns, r.t.objects), collectionID)
}

func (r *objectRepo) Get(ctx context.Context, collectionID int64, uri string) (*Object, error) {
	defer observeDB(ctx, r.t.name+".get")()
	return scanObject(r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE collection_id=$1 AND uri=$2`, objectColumns, r.t.objects), collectionID, uri))
}

func (r *objectRepo) GetMany(ctx context.Context, collectionID int64, uris []string) ([]Object, error) {
	defer observeDB(ctx, r.t.name+".get_many")()
	if len(uris) == 0 {
		return nil, nil
	}
	return r.query(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE collection_id=$1 AND uri = ANY($2) ORDER BY uri`, objectColumns, r.t.objects), collectionID, uris)
}

func (r *objectRepo) GetByUID(ctx context.Context, collectionID int64, uid string) (*Object, error) {
	defer observeDB(ctx, r.t.name+".get_by_uid")()
	return scanObject(r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE collection_id=$1 AND uid=$2 LIMIT 1`, objectColumns, r.t.objects), collectionID, uid))
}

func (r *objectRepo) Create(ctx context.Context, obj Object) (*Object, error) {
	defer observeDB(ctx, r.t.name+".create")()
	var out *Object
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf(`INSERT INTO %s (collection_id, uri, uid, component, data, etag, size)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING %s`, r.t.objects, objectColumns),
			obj.CollectionID, obj.URI, obj.UID, obj.Component, obj.Data, obj.ETag, int64(len(obj.Data)))
		var err error
		if out, err = scanObject(row); err != nil {
			return err
		}
		return r.recordChange(ctx, tx, obj.CollectionID, obj.URI, ChangeAdd)
	})
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", r.t.name, obj.URI, err)
	}
	return out, nil
}

func (r *objectRepo) Update(ctx context.Context, obj Object) (*Object, error) {
	defer observeDB(ctx, r.t.name+".update")()
	var out *Object
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf(`UPDATE %s SET uid=$3, component=$4, data=$5, etag=$6, size=$7, last_modified=NOW()
WHERE collection_id=$1 AND uri=$2 RETURNING %s`, r.t.objects, objectColumns),
			obj.CollectionID, obj.URI, obj.UID, obj.Component, obj.Data, obj.ETag, int64(len(obj.Data)))
		var err error
		if out, err = scanObject(row); err != nil {
			return err
		}
		return r.recordChange(ctx, tx, obj.CollectionID, obj.URI, ChangeModify)
	})
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", r.t.name, obj.URI, err)
	}
	return out, nil
}

func (r *objectRepo) Delete(ctx context.Context, collectionID int64, uri string) error {
	defer observeDB(ctx, r.t.name+".delete")()
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := execOne(ctx, tx, fmt.Sprintf(`DELETE FROM %s WHERE collection_id=$1 AND uri=$2`, r.t.objects), collectionID, uri); err != nil {
			return err
		}
		return r.recordChange(ctx, tx, collectionID, uri, ChangeDelete)
	})
}

// recordChange bumps the collection token and logs the change under the
// new token.
func (r *objectRepo) recordChange(ctx context.Context, tx pgx.Tx, collectionID int64, uri string, op int) error {
	var token int64
	err := tx.QueryRow(ctx, fmt.Sprintf(`UPDATE %s SET sync_token = sync_token + 1 WHERE id=$1 RETURNING sync_token`, r.t.collections), collectionID).Scan(&token)
	if err != nil {
		return fmt.Errorf("bump sync token: %w", mapError(err))
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (collection_id, uri, sync_token, operation) VALUES ($1, $2, $3, $4)`, r.t.changes),
		collectionID, uri, token, op); err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	return nil
}

func (r *objectRepo) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return mapError(err)
	}
	return tx.Commit(ctx)
}

func (r *objectRepo) Changes(ctx context.Context, collectionID int64, token *int64, limit int) (*ChangeSet, error) {
	defer observeDB(ctx, r.t.name+".changes")()
	var current int64
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT sync_token FROM %s WHERE id=$1`, r.t.collections), collectionID).Scan(&current)
	if err != nil {
		return nil, mapError(err)
	}
	if token == nil {
		rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT uri FROM %s WHERE collection_id=$1 ORDER BY uri`, r.t.objects), collectionID)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", r.t.name, err)
		}
		defer rows.Close()
		var changes []change
		for rows.Next() {
			var c change
			if err := rows.Scan(&c.uri); err != nil {
				return nil, err
			}
			c.op = ChangeAdd
			changes = append(changes, c)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return foldChanges(current, changes, limit)
	}
	if *token > current {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT uri, operation FROM %s WHERE collection_id=$1 AND sync_token > $2 ORDER BY sync_token, id`, r.t.changes),
		collectionID, *token)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()
	var changes []change
	for rows.Next() {
		var c change
		if err := rows.Scan(&c.uri, &c.op); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return foldChanges(current, changes, limit)
}

// calendarShareRepo implements CalendarShareRepository.
type calendarShareRepo struct {
	pool DB
}

const shareColumns = `calendar_id, sharee_id, uri, href, access, invite_status, comment, display_name, created_at`

func scanShare(row scanner) (*CalendarShare, error) {
	var s CalendarShare
	if err := row.Scan(&s.CalendarID, &s.ShareeID, &s.URI, &s.Href, &s.Access, &s.InviteStatus, &s.Comment, &s.DisplayName, &s.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

func (r *calendarShareRepo) list(ctx context.Context, sql string, id int64) ([]CalendarShare, error) {
	rows, err := r.pool.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()
	var out []CalendarShare
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *calendarShareRepo) ListByCalendar(ctx context.Context, calendarID int64) ([]CalendarShare, error) {
	defer observeDB(ctx, "calendar_shares.list_by_calendar")()
	return r.list(ctx, `SELECT `+shareColumns+` FROM calendar_shares WHERE calendar_id=$1 ORDER BY href`, calendarID)
}

func (r *calendarShareRepo) ListBySharee(ctx context.Context, shareeID int64) ([]CalendarShare, error) {
	defer observeDB(ctx, "calendar_shares.list_by_sharee")()
	return r.list(ctx, `SELECT `+shareColumns+` FROM calendar_shares WHERE sharee_id=$1 ORDER BY uri`, shareeID)
}

func (r *calendarShareRepo) Get(ctx context.Context, calendarID, shareeID int64) (*CalendarShare, error) {
	defer observeDB(ctx, "calendar_shares.get")()
	return scanShare(r.pool.QueryRow(ctx, `SELECT `+shareColumns+` FROM calendar_shares WHERE calendar_id=$1 AND sharee_id=$2`, calendarID, shareeID))
}

func (r *calendarShareRepo) Upsert(ctx context.Context, share CalendarShare) error {
	defer observeDB(ctx, "calendar_shares.upsert")()
	_, err := r.pool.Exec(ctx, `INSERT INTO calendar_shares (calendar_id, sharee_id, uri, href, access, invite_status, comment, display_name)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (calendar_id, sharee_id) DO UPDATE
SET href=EXCLUDED.href, access=EXCLUDED.access, invite_status=EXCLUDED.invite_status,
    comment=EXCLUDED.comment, display_name=EXCLUDED.display_name`,
		share.CalendarID, share.ShareeID, share.URI, share.Href, share.Access, share.InviteStatus, share.Comment, share.DisplayName)
	if err != nil {
		return fmt.Errorf("upsert share: %w", mapError(err))
	}
	return nil
}

func (r *calendarShareRepo) Delete(ctx context.Context, calendarID, shareeID int64) error {
	defer observeDB(ctx, "calendar_shares.delete")()
	return execOne(ctx, r.pool, `DELETE FROM calendar_shares WHERE calendar_id=$1 AND sharee_id=$2`, calendarID, shareeID)
}

// propertyRepo implements PropertyRepository.
type propertyRepo struct {
	pool DB
}

func (r *propertyRepo) Get(ctx context.Context, path string) ([]DeadProperty, error) {
	defer observeDB(ctx, "properties.get")()
	rows, err := r.pool.Query(ctx, `SELECT name, value_type, value FROM properties WHERE path=$1 ORDER BY name`, path)
	if err != nil {
		return nil, fmt.Errorf("get properties: %w", err)
	}
	defer rows.Close()
	var out []DeadProperty
	for rows.Next() {
		p := DeadProperty{Path: path}
		if err := rows.Scan(&p.Name, &p.ValueType, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *propertyRepo) Patch(ctx context.Context, path string, set []DeadProperty, remove []string) error {
	defer observeDB(ctx, "properties.patch")()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, p := range set {
		if _, err := tx.Exec(ctx, `INSERT INTO properties (path, name, value_type, value) VALUES ($1, $2, $3, $4)
ON CONFLICT (path, name) DO UPDATE SET value_type=EXCLUDED.value_type, value=EXCLUDED.value`,
			path, p.Name, p.ValueType, p.Value); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("set property %s: %w", p.Name, err)
		}
	}
	if len(remove) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM properties WHERE path=$1 AND name = ANY($2)`, path, remove); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("remove properties: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// likePrefix escapes p for use as a LIKE prefix matching its descendants.
func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "/%"
}

func (r *propertyRepo) DeleteTree(ctx context.Context, path string) error {
	defer observeDB(ctx, "properties.delete_tree")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM properties WHERE path=$1 OR path LIKE $2`, path, likePrefix(path)); err != nil {
		return fmt.Errorf("delete properties: %w", err)
	}
	return nil
}

func (r *propertyRepo) MoveTree(ctx context.Context, path, dst string) error {
	defer observeDB(ctx, "properties.move_tree")()
	_, err := r.pool.Exec(ctx, `UPDATE properties SET path = $2 || substr(path, $3) WHERE path=$1 OR path LIKE $4`,
		path, dst, utf8.RuneCountInString(path)+1, likePrefix(path))
	if err != nil {
		return fmt.Errorf("move properties: %w", err)
	}
	return nil
}
