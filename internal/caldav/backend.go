package caldav

import (
	"context"

	"gitea.jw6.us/james/davkit/internal/store"
)

// Backend stores calendars, their objects and calendar shares.
type Backend interface {
	Calendars(ctx context.Context, userID int64) ([]store.Calendar, error)
	Calendar(ctx context.Context, userID int64, uri string) (*store.Calendar, error)
	CalendarByID(ctx context.Context, id int64) (*store.Calendar, error)
	CreateCalendar(ctx context.Context, cal store.Calendar) (*store.Calendar, error)
	UpdateCalendar(ctx context.Context, cal store.Calendar) error
	RenameCalendar(ctx context.Context, id int64, uri string) error
	DeleteCalendar(ctx context.Context, id int64) error

	Objects(ctx context.Context, calendarID int64) ([]store.Object, error)
	Object(ctx context.Context, calendarID int64, uri string) (*store.Object, error)
	MultipleObjects(ctx context.Context, calendarID int64, uris []string) ([]store.Object, error)
	// ObjectByUID returns an error wrapping store.ErrNotFound when no object
	// of the calendar carries uid.
	ObjectByUID(ctx context.Context, calendarID int64, uid string) (*store.Object, error)
	CreateObject(ctx context.Context, calendarID int64, uri string, data []byte) (*store.Object, error)
	UpdateObject(ctx context.Context, calendarID int64, uri string, data []byte) (*store.Object, error)
	DeleteObject(ctx context.Context, calendarID int64, uri string) error
	Changes(ctx context.Context, calendarID int64, token *int64, limit int) (*store.ChangeSet, error)

	Shares(ctx context.Context, calendarID int64) ([]store.CalendarShare, error)
	SharesFor(ctx context.Context, shareeID int64) ([]store.CalendarShare, error)
	Share(ctx context.Context, calendarID, shareeID int64) (*store.CalendarShare, error)
	UpsertShare(ctx context.Context, share store.CalendarShare) error
	DeleteShare(ctx context.Context, calendarID, shareeID int64) error

	// User resolves the owner of a shared calendar.
	User(ctx context.Context, id int64) (*store.User, error)
}

// StoreBackend implements Backend on the store repositories.
type StoreBackend struct {
	calendars store.CalendarRepository
	objects   store.ObjectRepository
	shares    store.CalendarShareRepository
	users     store.UserRepository
}

func NewStoreBackend(st *store.Store) *StoreBackend {
	return &StoreBackend{
		calendars: st.Calendars,
		objects:   st.CalendarObjects,
		shares:    st.CalendarShares,
		users:     st.Users,
	}
}

func (b *StoreBackend) Calendars(ctx context.Context, userID int64) ([]store.Calendar, error) {
	return b.calendars.ListByUser(ctx, userID)
}

func (b *StoreBackend) Calendar(ctx context.Context, userID int64, uri string) (*store.Calendar, error) {
	return b.calendars.GetByURI(ctx, userID, uri)
}

func (b *StoreBackend) CalendarByID(ctx context.Context, id int64) (*store.Calendar, error) {
	return b.calendars.GetByID(ctx, id)
}

func (b *StoreBackend) CreateCalendar(ctx context.Context, cal store.Calendar) (*store.Calendar, error) {
	return b.calendars.Create(ctx, cal)
}

func (b *StoreBackend) UpdateCalendar(ctx context.Context, cal store.Calendar) error {
	return b.calendars.Update(ctx, cal)
}

func (b *StoreBackend) RenameCalendar(ctx context.Context, id int64, uri string) error {
	return b.calendars.Rename(ctx, id, uri)
}

func (b *StoreBackend) DeleteCalendar(ctx context.Context, id int64) error {
	return b.calendars.Delete(ctx, id)
}

func (b *StoreBackend) Objects(ctx context.Context, calendarID int64) ([]store.Object, error) {
	return b.objects.List(ctx, calendarID)
}

func (b *StoreBackend) Object(ctx context.Context, calendarID int64, uri string) (*store.Object, error) {
	return b.objects.Get(ctx, calendarID, uri)
}

func (b *StoreBackend) MultipleObjects(ctx context.Context, calendarID int64, uris []string) ([]store.Object, error) {
	return b.objects.GetMany(ctx, calendarID, uris)
}

func (b *StoreBackend) ObjectByUID(ctx context.Context, calendarID int64, uid string) (*store.Object, error) {
	return b.objects.GetByUID(ctx, calendarID, uid)
}

func (b *StoreBackend) CreateObject(ctx context.Context, calendarID int64, uri string, data []byte) (*store.Object, error) {
	return b.objects.Create(ctx, calendarObject(calendarID, uri, data))
}

func (b *StoreBackend) UpdateObject(ctx context.Context, calendarID int64, uri string, data []byte) (*store.Object, error) {
	return b.objects.Update(ctx, calendarObject(calendarID, uri, data))
}

func (b *StoreBackend) DeleteObject(ctx context.Context, calendarID int64, uri string) error {
	return b.objects.Delete(ctx, calendarID, uri)
}

func (b *StoreBackend) Changes(ctx context.Context, calendarID int64, token *int64, limit int) (*store.ChangeSet, error) {
	return b.objects.Changes(ctx, calendarID, token, limit)
}

func (b *StoreBackend) Shares(ctx context.Context, calendarID int64) ([]store.CalendarShare, error) {
	return b.shares.ListByCalendar(ctx, calendarID)
}

func (b *StoreBackend) SharesFor(ctx context.Context, shareeID int64) ([]store.CalendarShare, error) {
	return b.shares.ListBySharee(ctx, shareeID)
}

func (b *StoreBackend) Share(ctx context.Context, calendarID, shareeID int64) (*store.CalendarShare, error) {
	return b.shares.Get(ctx, calendarID, shareeID)
}

func (b *StoreBackend) UpsertShare(ctx context.Context, share store.CalendarShare) error {
	return b.shares.Upsert(ctx, share)
}

func (b *StoreBackend) DeleteShare(ctx context.Context, calendarID, shareeID int64) error {
	return b.shares.Delete(ctx, calendarID, shareeID)
}

func (b *StoreBackend) User(ctx context.Context, id int64) (*store.User, error) {
	return b.users.GetByID(ctx, id)
}

func calendarObject(calendarID int64, uri string, data []byte) store.Object {
	info, _ := inspectObject(data)
	return store.Object{
		CollectionID: calendarID,
		URI:          uri,
		UID:          info.UID,
		Component:    info.Component,
		Data:         data,
		ETag:         store.ETagFor(data),
	}
}
