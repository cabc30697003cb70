package library

import (
	"context"
	"time"

	"library_rental/pkg/models"
)

// Gateway is the persistence contract the service depends on.
// Keyed lookups return ErrNoRecord when nothing matches.
type Gateway interface {
	ListBooks(ctx context.Context) ([]models.BookStock, error)
	FindBook(ctx context.Context, isbn string) (models.BookStock, error)
	BooksByISBN(ctx context.Context, isbns []string) ([]models.BookStock, error)

	// LockBook is FindBook that also holds the book row until the
	// surrounding transaction ends.
	LockBook(ctx context.Context, isbn string) (models.BookStock, error)
	InsertRental(ctx context.Context, rental *models.Rental) error

	FindRental(ctx context.Context, id string) (models.Rental, error)
	// CloseRental sets returned_at only on an open rental and reports
	// whether a row was changed.
	CloseRental(ctx context.Context, id string, at time.Time) (bool, error)
	ListOpenRentals(ctx context.Context, userID string) ([]models.Rental, error)

	// Transaction runs fn against a gateway bound to a single transaction.
	Transaction(ctx context.Context, fn func(tx Gateway) error) error
}
