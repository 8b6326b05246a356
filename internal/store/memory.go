package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memory holds the state of the in-memory store. It backs the "memory"
// storage driver and the end-to-end tests of the DAV packages.
type memory struct {
	mu     sync.Mutex
	nextID int64

	users        map[int64]User
	appPasswords map[int64]AppPassword
	calendars    map[int64]Calendar
	books        map[int64]AddressBook
	shares       map[[2]int64]CalendarShare
	props        map[string]map[string]DeadProperty
}

// NewMemory returns a Store whose repositories keep everything in memory.
func NewMemory() *Store {
	m := &memory{
		users:        map[int64]User{},
		appPasswords: map[int64]AppPassword{},
		calendars:    map[int64]Calendar{},
		books:        map[int64]AddressBook{},
		shares:       map[[2]int64]CalendarShare{},
		props:        map[string]map[string]DeadProperty{},
	}
	calObjects := newMemObjects(m, func(id int64) (*int64, bool) {
		c, ok := m.calendars[id]
		if !ok {
			return nil, false
		}
		return &c.SyncToken, true
	}, func(id int64, token int64) {
		c := m.calendars[id]
		c.SyncToken = token
		m.calendars[id] = c
	})
	cards := newMemObjects(m, func(id int64) (*int64, bool) {
		b, ok := m.books[id]
		if !ok {
			return nil, false
		}
		return &b.SyncToken, true
	}, func(id int64, token int64) {
		b := m.books[id]
		b.SyncToken = token
		m.books[id] = b
	})
	return &Store{
		Users:           &memUsers{m},
		AppPasswords:    &memAppPasswords{m},
		Calendars:       &memCalendars{m: m, objects: calObjects},
		CalendarObjects: calObjects,
		CalendarShares:  &memShares{m},
		AddressBooks:    &memAddressBooks{m: m, objects: cards},
		Cards:           cards,
		Properties:      &memProperties{m},
	}
}

func (m *memory) id() int64 {
	m.nextID++
	return m.nextID
}

type memUsers struct{ m *memory }

func (r *memUsers) Create(ctx context.Context, user User) (*User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, u := range r.m.users {
		if strings.EqualFold(u.Username, user.Username) {
			return nil, fmt.Errorf("create user %s: %w", user.Username, ErrConflict)
		}
	}
	user.ID = r.m.id()
	user.CreatedAt = time.Now().UTC()
	r.m.users[user.ID] = user
	return &user, nil
}

func (r *memUsers) GetByID(ctx context.Context, id int64) (*User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r *memUsers) GetByUsername(ctx context.Context, username string) (*User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, u := range r.m.users {
		if strings.EqualFold(u.Username, username) {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memUsers) UpsertOAuthUser(ctx context.Context, subject, username, email string) (*User, error) {
	r.m.mu.Lock()
	now := time.Now().UTC()
	for id, u := range r.m.users {
		if u.OAuthSubject == subject {
			u.Email = email
			u.LastLoginAt = &now
			r.m.users[id] = u
			r.m.mu.Unlock()
			return &u, nil
		}
	}
	r.m.mu.Unlock()
	u, err := r.Create(ctx, User{Username: username, Email: email, OAuthSubject: subject})
	if err != nil {
		return nil, err
	}
	u.LastLoginAt = &now
	return u, nil
}

func (r *memUsers) List(ctx context.Context) ([]User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make([]User, 0, len(r.m.users))
	for _, u := range r.m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

type memAppPasswords struct{ m *memory }

func (r *memAppPasswords) Create(ctx context.Context, token AppPassword) (*AppPassword, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	token.ID = r.m.id()
	token.CreatedAt = time.Now().UTC()
	r.m.appPasswords[token.ID] = token
	return &token, nil
}

func (r *memAppPasswords) FindValidByUser(ctx context.Context, userID int64) ([]AppPassword, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := time.Now()
	var out []AppPassword
	for _, p := range r.m.appPasswords {
		if p.UserID != userID || p.RevokedAt != nil || (p.ExpiresAt != nil && !p.ExpiresAt.After(now)) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memAppPasswords) Revoke(ctx context.Context, id int64) error {
	return r.update(id, func(p *AppPassword, now time.Time) { p.RevokedAt = &now })
}

func (r *memAppPasswords) TouchLastUsed(ctx context.Context, id int64) error {
	return r.update(id, func(p *AppPassword, now time.Time) { p.LastUsedAt = &now })
}

func (r *memAppPasswords) update(id int64, fn func(p *AppPassword, now time.Time)) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.appPasswords[id]
	if !ok {
		return ErrNotFound
	}
	fn(&p, time.Now().UTC())
	r.m.appPasswords[id] = p
	return nil
}

type memCalendars struct {
	m       *memory
	objects *memObjects
}

func (r *memCalendars) GetByID(ctx context.Context, id int64) (*Calendar, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.calendars[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCalendar(c), nil
}

func (r *memCalendars) GetByURI(ctx context.Context, userID int64, uri string) (*Calendar, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, c := range r.m.calendars {
		if c.UserID == userID && strings.EqualFold(c.URI, uri) {
			return copyCalendar(c), nil
		}
	}
	return nil, ErrNotFound
}

func (r *memCalendars) ListByUser(ctx context.Context, userID int64) ([]Calendar, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []Calendar
	for _, c := range r.m.calendars {
		if c.UserID == userID {
			out = append(out, *copyCalendar(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].URI < out[j].URI
	})
	return out, nil
}

func (r *memCalendars) Create(ctx context.Context, cal Calendar) (*Calendar, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, c := range r.m.calendars {
		if c.UserID == cal.UserID && strings.EqualFold(c.URI, cal.URI) {
			return nil, fmt.Errorf("create calendar %s: %w", cal.URI, ErrConflict)
		}
	}
	if len(cal.Components) == 0 {
		cal.Components = []string{"VEVENT", "VTODO"}
	}
	cal.ID = r.m.id()
	cal.SyncToken = 1
	cal.CreatedAt = time.Now().UTC()
	r.m.calendars[cal.ID] = *copyCalendar(cal)
	return copyCalendar(cal), nil
}

func (r *memCalendars) Update(ctx context.Context, cal Calendar) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.calendars[cal.ID]
	if !ok {
		return ErrNotFound
	}
	c.DisplayName, c.Description, c.Color, c.Timezone = cal.DisplayName, cal.Description, cal.Color, cal.Timezone
	c.Transparent, c.Order = cal.Transparent, cal.Order
	c.SyncToken++
	r.m.calendars[cal.ID] = c
	return nil
}

func (r *memCalendars) Rename(ctx context.Context, id int64, uri string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.calendars[id]
	if !ok {
		return ErrNotFound
	}
	c.URI = uri
	r.m.calendars[id] = c
	return nil
}

func (r *memCalendars) Delete(ctx context.Context, id int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.calendars[id]; !ok {
		return ErrNotFound
	}
	delete(r.m.calendars, id)
	r.objects.drop(id)
	for k := range r.m.shares {
		if k[0] == id {
			delete(r.m.shares, k)
		}
	}
	return nil
}

func copyCalendar(c Calendar) *Calendar {
	c.Components = append([]string(nil), c.Components...)
	return &c
}

type memAddressBooks struct {
	m       *memory
	objects *memObjects
}

func (r *memAddressBooks) GetByID(ctx context.Context, id int64) (*AddressBook, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b, ok := r.m.books[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (r *memAddressBooks) GetByURI(ctx context.Context, userID int64, uri string) (*AddressBook, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, b := range r.m.books {
		if b.UserID == userID && strings.EqualFold(b.URI, uri) {
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memAddressBooks) ListByUser(ctx context.Context, userID int64) ([]AddressBook, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []AddressBook
	for _, b := range r.m.books {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func (r *memAddressBooks) Create(ctx context.Context, book AddressBook) (*AddressBook, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, b := range r.m.books {
		if b.UserID == book.UserID && strings.EqualFold(b.URI, book.URI) {
			return nil, fmt.Errorf("create address book %s: %w", book.URI, ErrConflict)
		}
	}
	book.ID = r.m.id()
	book.SyncToken = 1
	book.CreatedAt = time.Now().UTC()
	r.m.books[book.ID] = book
	return &book, nil
}

func (r *memAddressBooks) Update(ctx context.Context, book AddressBook) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b, ok := r.m.books[book.ID]
	if !ok {
		return ErrNotFound
	}
	b.DisplayName, b.Description = book.DisplayName, book.Description
	b.SyncToken++
	r.m.books[book.ID] = b
	return nil
}

func (r *memAddressBooks) Rename(ctx context.Context, id int64, uri string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b, ok := r.m.books[id]
	if !ok {
		return ErrNotFound
	}
	b.URI = uri
	r.m.books[id] = b
	return nil
}

func (r *memAddressBooks) Delete(ctx context.Context, id int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.books[id]; !ok {
		return ErrNotFound
	}
	delete(r.m.books, id)
	r.objects.drop(id)
	return nil
}

// memObjects implements ObjectRepository. token and setToken access the
// sync token of the owning collection and are called with the lock held.
type memObjects struct {
	m        *memory
	token    func(id int64) (*int64, bool)
	setToken func(id int64, token int64)
	objects  map[int64]map[string]Object
	log      map[int64][]loggedChange
}

type loggedChange struct {
	change
	token int64
}

func newMemObjects(m *memory, token func(int64) (*int64, bool), setToken func(int64, int64)) *memObjects {
	return &memObjects{
		m:        m,
		token:    token,
		setToken: setToken,
		objects:  map[int64]map[string]Object{},
		log:      map[int64][]loggedChange{},
	}
}

func (r *memObjects) drop(collectionID int64) {
	delete(r.objects, collectionID)
	delete(r.log, collectionID)
}

func (r *memObjects) List(ctx context.Context, collectionID int64) ([]Object, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make([]Object, 0, len(r.objects[collectionID]))
	for _, o := range r.objects[collectionID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func (r *memObjects) Get(ctx context.Context, collectionID int64, uri string) (*Object, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	o, ok := r.objects[collectionID][uri]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (r *memObjects) GetMany(ctx context.Context, collectionID int64, uris []string) ([]Object, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []Object
	for _, uri := range uris {
		if o, ok := r.objects[collectionID][uri]; ok {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func (r *memObjects) GetByUID(ctx context.Context, collectionID int64, uid string) (*Object, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, o := range r.objects[collectionID] {
		if o.UID == uid {
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memObjects) Create(ctx context.Context, obj Object) (*Object, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.token(obj.CollectionID); !ok {
		return nil, ErrNotFound
	}
	if _, exists := r.objects[obj.CollectionID][obj.URI]; exists {
		return nil, fmt.Errorf("create %s: %w", obj.URI, ErrConflict)
	}
	obj.ID = r.m.id()
	r.store(&obj)
	r.record(obj.CollectionID, obj.URI, ChangeAdd)
	return &obj, nil
}

func (r *memObjects) Update(ctx context.Context, obj Object) (*Object, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cur, ok := r.objects[obj.CollectionID][obj.URI]
	if !ok {
		return nil, ErrNotFound
	}
	obj.ID = cur.ID
	r.store(&obj)
	r.record(obj.CollectionID, obj.URI, ChangeModify)
	return &obj, nil
}

func (r *memObjects) store(obj *Object) {
	obj.Data = append([]byte(nil), obj.Data...)
	obj.Size = int64(len(obj.Data))
	obj.LastModified = time.Now().UTC()
	if obj.ETag == "" {
		obj.ETag = ETagFor(obj.Data)
	}
	coll, ok := r.objects[obj.CollectionID]
	if !ok {
		coll = map[string]Object{}
		r.objects[obj.CollectionID] = coll
	}
	coll[obj.URI] = *obj
}

func (r *memObjects) record(collectionID int64, uri string, op int) {
	cur, _ := r.token(collectionID)
	next := *cur + 1
	r.setToken(collectionID, next)
	r.log[collectionID] = append(r.log[collectionID], loggedChange{change: change{uri: uri, op: op}, token: next})
}

func (r *memObjects) Delete(ctx context.Context, collectionID int64, uri string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.objects[collectionID][uri]; !ok {
		return ErrNotFound
	}
	delete(r.objects[collectionID], uri)
	r.record(collectionID, uri, ChangeDelete)
	return nil
}

func (r *memObjects) Changes(ctx context.Context, collectionID int64, token *int64, limit int) (*ChangeSet, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cur, ok := r.token(collectionID)
	if !ok {
		return nil, ErrNotFound
	}
	var changes []change
	if token == nil {
		uris := make([]string, 0, len(r.objects[collectionID]))
		for uri := range r.objects[collectionID] {
			uris = append(uris, uri)
		}
		sort.Strings(uris)
		for _, uri := range uris {
			changes = append(changes, change{uri: uri, op: ChangeAdd})
		}
		return foldChanges(*cur, changes, limit)
	}
	if *token > *cur {
		return nil, nil
	}
	for _, c := range r.log[collectionID] {
		if c.token > *token {
			changes = append(changes, c.change)
		}
	}
	return foldChanges(*cur, changes, limit)
}

type memShares struct{ m *memory }

func (r *memShares) ListByCalendar(ctx context.Context, calendarID int64) ([]CalendarShare, error) {
	return r.filter(func(s CalendarShare) bool { return s.CalendarID == calendarID }, func(a, b CalendarShare) bool { return a.Href < b.Href }), nil
}

func (r *memShares) ListBySharee(ctx context.Context, shareeID int64) ([]CalendarShare, error) {
	return r.filter(func(s CalendarShare) bool { return s.ShareeID == shareeID }, func(a, b CalendarShare) bool { return a.URI < b.URI }), nil
}

func (r *memShares) filter(keep func(CalendarShare) bool, less func(a, b CalendarShare) bool) []CalendarShare {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []CalendarShare
	for _, s := range r.m.shares {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (r *memShares) Get(ctx context.Context, calendarID, shareeID int64) (*CalendarShare, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.shares[[2]int64{calendarID, shareeID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *memShares) Upsert(ctx context.Context, share CalendarShare) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	key := [2]int64{share.CalendarID, share.ShareeID}
	if cur, ok := r.m.shares[key]; ok {
		share.URI = cur.URI
		share.CreatedAt = cur.CreatedAt
	} else {
		share.CreatedAt = time.Now().UTC()
	}
	r.m.shares[key] = share
	return nil
}

func (r *memShares) Delete(ctx context.Context, calendarID, shareeID int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	key := [2]int64{calendarID, shareeID}
	if _, ok := r.m.shares[key]; !ok {
		return ErrNotFound
	}
	delete(r.m.shares, key)
	return nil
}

type memProperties struct{ m *memory }

func (r *memProperties) Get(ctx context.Context, path string) ([]DeadProperty, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []DeadProperty
	for _, p := range r.m.props[path] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memProperties) Patch(ctx context.Context, path string, set []DeadProperty, remove []string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	props, ok := r.m.props[path]
	if !ok {
		props = map[string]DeadProperty{}
		r.m.props[path] = props
	}
	for _, p := range set {
		p.Path = path
		props[p.Name] = p
	}
	for _, n := range remove {
		delete(props, n)
	}
	return nil
}

func (r *memProperties) DeleteTree(ctx context.Context, path string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for p := range r.m.props {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(r.m.props, p)
		}
	}
	return nil
}

func (r *memProperties) MoveTree(ctx context.Context, path, dst string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	moved := map[string]map[string]DeadProperty{}
	for p, props := range r.m.props {
		if p == path || strings.HasPrefix(p, path+"/") {
			moved[dst+strings.TrimPrefix(p, path)] = props
			delete(r.m.props, p)
		}
	}
	for p, props := range moved {
		for n, prop := range props {
			prop.Path = p
			props[n] = prop
		}
		r.m.props[p] = props
	}
	return nil
}
