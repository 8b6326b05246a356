package carddav

import (
	"context"

	"gitea.jw6.us/james/davkit/internal/store"
)

// Backend stores address books and their cards.
type Backend interface {
	AddressBooks(ctx context.Context, userID int64) ([]store.AddressBook, error)
	AddressBook(ctx context.Context, userID int64, uri string) (*store.AddressBook, error)
	CreateAddressBook(ctx context.Context, book store.AddressBook) (*store.AddressBook, error)
	UpdateAddressBook(ctx context.Context, book store.AddressBook) error
	RenameAddressBook(ctx context.Context, id int64, uri string) error
	DeleteAddressBook(ctx context.Context, id int64) error

	Cards(ctx context.Context, bookID int64) ([]store.Object, error)
	Card(ctx context.Context, bookID int64, uri string) (*store.Object, error)
	MultipleCards(ctx context.Context, bookID int64, uris []string) ([]store.Object, error)
	CreateCard(ctx context.Context, bookID int64, uri string, data []byte) (*store.Object, error)
	UpdateCard(ctx context.Context, bookID int64, uri string, data []byte) (*store.Object, error)
	DeleteCard(ctx context.Context, bookID int64, uri string) error
	// Changes returns nil for unknown tokens and fails with
	// store.ErrTooManyMatches when more than limit cards changed.
	Changes(ctx context.Context, bookID int64, token *int64, limit int) (*store.ChangeSet, error)
}

// StoreBackend implements Backend on the store repositories.
type StoreBackend struct {
	books store.AddressBookRepository
	cards store.ObjectRepository
}

func NewStoreBackend(st *store.Store) *StoreBackend {
	return &StoreBackend{books: st.AddressBooks, cards: st.Cards}
}

func (b *StoreBackend) AddressBooks(ctx context.Context, userID int64) ([]store.AddressBook, error) {
	return b.books.ListByUser(ctx, userID)
}

func (b *StoreBackend) AddressBook(ctx context.Context, userID int64, uri string) (*store.AddressBook, error) {
	return b.books.GetByURI(ctx, userID, uri)
}

func (b *StoreBackend) CreateAddressBook(ctx context.Context, book store.AddressBook) (*store.AddressBook, error) {
	return b.books.Create(ctx, book)
}

func (b *StoreBackend) UpdateAddressBook(ctx context.Context, book store.AddressBook) error {
	return b.books.Update(ctx, book)
}

func (b *StoreBackend) RenameAddressBook(ctx context.Context, id int64, uri string) error {
	return b.books.Rename(ctx, id, uri)
}

func (b *StoreBackend) DeleteAddressBook(ctx context.Context, id int64) error {
	return b.books.Delete(ctx, id)
}

func (b *StoreBackend) Cards(ctx context.Context, bookID int64) ([]store.Object, error) {
	return b.cards.List(ctx, bookID)
}

func (b *StoreBackend) Card(ctx context.Context, bookID int64, uri string) (*store.Object, error) {
	return b.cards.Get(ctx, bookID, uri)
}

func (b *StoreBackend) MultipleCards(ctx context.Context, bookID int64, uris []string) ([]store.Object, error) {
	return b.cards.GetMany(ctx, bookID, uris)
}

func (b *StoreBackend) CreateCard(ctx context.Context, bookID int64, uri string, data []byte) (*store.Object, error) {
	return b.cards.Create(ctx, cardObject(bookID, uri, data))
}

func (b *StoreBackend) UpdateCard(ctx context.Context, bookID int64, uri string, data []byte) (*store.Object, error) {
	return b.cards.Update(ctx, cardObject(bookID, uri, data))
}

func (b *StoreBackend) DeleteCard(ctx context.Context, bookID int64, uri string) error {
	return b.cards.Delete(ctx, bookID, uri)
}

func (b *StoreBackend) Changes(ctx context.Context, bookID int64, token *int64, limit int) (*store.ChangeSet, error) {
	return b.cards.Changes(ctx, bookID, token, limit)
}

func cardObject(bookID int64, uri string, data []byte) store.Object {
	return store.Object{
		CollectionID: bookID,
		URI:          uri,
		UID:          cardUID(data),
		Component:    "VCARD",
		Data:         data,
		ETag:         store.ETagFor(data),
	}
}
