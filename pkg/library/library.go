// Package library holds the rental lifecycle: book availability, renting and
// returning. It owns the business rules and reaches storage only through a
// Gateway.
package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"library_rental/pkg/models"

	"github.com/google/uuid"
)

// Book is a catalogue entry with its current availability.
type Book struct {
	Isbn            string `json:"isbn"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	PublishedYear   int    `json:"publishedYear"`
	TotalCopies     int    `json:"totalCopies"`
	Description     string `json:"description"`
	AvailableCopies int    `json:"availableCopies"`
}

type Rental struct {
	ID         string     `json:"id"`
	BookIsbn   string     `json:"bookIsbn"`
	UserID     string     `json:"userId"`
	RentedAt   time.Time  `json:"rentedAt"`
	ReturnedAt *time.Time `json:"returnedAt"`
}

// UserRental is an open rental with a snapshot of the rented book.
type UserRental struct {
	Rental
	Book Book
}

type Service struct {
	gw    Gateway
	now   func() time.Time
	newID func() string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(gw Gateway, opts ...Option) *Service {
	s := &Service{
		gw:    gw,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ListBooks(ctx context.Context) ([]Book, error) {
	rows, err := s.gw.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	books := make([]Book, 0, len(rows))
	for _, row := range rows {
		books = append(books, toBook(row))
	}
	return books, nil
}

func (s *Service) GetBook(ctx context.Context, isbn string) (Book, error) {
	if strings.TrimSpace(isbn) == "" {
		return Book{}, invalidInput("`isbn` parameter is required")
	}
	row, err := s.gw.FindBook(ctx, isbn)
	if errors.Is(err, ErrNoRecord) {
		return Book{}, bookNotFound(isbn)
	}
	if err != nil {
		return Book{}, fmt.Errorf("find book %s: %w", isbn, err)
	}
	return toBook(row), nil
}

// CreateRental opens a rental when the book has a free copy. The availability
// check and the insert share one transaction with the book row locked.
func (s *Service) CreateRental(ctx context.Context, isbn, userID string) (Rental, error) {
	if strings.TrimSpace(isbn) == "" {
		return Rental{}, invalidInput("`isbn` parameter is required")
	}
	if strings.TrimSpace(userID) == "" {
		return Rental{}, invalidInput("`userId` is required in request body")
	}

	var created models.Rental
	err := s.gw.Transaction(ctx, func(tx Gateway) error {
		book, err := tx.LockBook(ctx, isbn)
		if errors.Is(err, ErrNoRecord) {
			return bookNotFound(isbn)
		}
		if err != nil {
			return fmt.Errorf("lock book %s: %w", isbn, err)
		}
		if book.AvailableCopies() <= 0 {
			return noCopiesAvailable(isbn)
		}

		created = models.Rental{
			ID:       s.newID(),
			BookIsbn: book.Isbn,
			UserID:   userID,
			RentedAt: s.now(),
		}
		if err := tx.InsertRental(ctx, &created); err != nil {
			return fmt.Errorf("insert rental: %w", err)
		}
		return nil
	})
	if err != nil {
		return Rental{}, err
	}
	return toRental(created), nil
}

// ListUserRentals returns the user's open rentals, oldest first.
func (s *Service) ListUserRentals(ctx context.Context, userID string) ([]UserRental, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalidInput("`userId` parameter is required")
	}
	rentals, err := s.gw.ListOpenRentals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rentals of %s: %w", userID, err)
	}
	out := make([]UserRental, 0, len(rentals))
	if len(rentals) == 0 {
		return out, nil
	}

	isbns := make([]string, 0, len(rentals))
	seen := make(map[string]struct{}, len(rentals))
	for _, r := range rentals {
		if _, ok := seen[r.BookIsbn]; ok {
			continue
		}
		seen[r.BookIsbn] = struct{}{}
		isbns = append(isbns, r.BookIsbn)
	}
	stocks, err := s.gw.BooksByISBN(ctx, isbns)
	if err != nil {
		return nil, fmt.Errorf("load rented books: %w", err)
	}
	byIsbn := make(map[string]Book, len(stocks))
	for _, st := range stocks {
		byIsbn[st.Isbn] = toBook(st)
	}

	for _, r := range rentals {
		book, ok := byIsbn[r.BookIsbn]
		if !ok {
			return nil, fmt.Errorf("rental %s references missing book %s", r.ID, r.BookIsbn)
		}
		out = append(out, UserRental{Rental: toRental(r), Book: book})
	}
	return out, nil
}

// ReturnRental closes an open rental. A closed rental stays closed: a second
// return is rejected with RENTAL_ALREADY_RETURNED.
func (s *Service) ReturnRental(ctx context.Context, rentalID string) (Rental, error) {
	if strings.TrimSpace(rentalID) == "" {
		return Rental{}, invalidInput("`rentalId` parameter is required")
	}

	var updated models.Rental
	err := s.gw.Transaction(ctx, func(tx Gateway) error {
		r, err := tx.FindRental(ctx, rentalID)
		if errors.Is(err, ErrNoRecord) {
			return rentalNotFound(rentalID)
		}
		if err != nil {
			return fmt.Errorf("find rental %s: %w", rentalID, err)
		}
		if !r.IsOpen() {
			return rentalAlreadyReturned(rentalID)
		}

		at := s.now()
		closed, err := tx.CloseRental(ctx, rentalID, at)
		if err != nil {
			return fmt.Errorf("close rental %s: %w", rentalID, err)
		}
		if !closed {
			// lost the race to a concurrent return
			return rentalAlreadyReturned(rentalID)
		}
		r.ReturnedAt = &at
		updated = r
		return nil
	})
	if err != nil {
		return Rental{}, err
	}
	return toRental(updated), nil
}

func toBook(b models.BookStock) Book {
	available := b.AvailableCopies()
	if available < 0 {
		available = 0
	}
	return Book{
		Isbn:            b.Isbn,
		Title:           b.Title,
		Author:          b.Author,
		PublishedYear:   b.PublishedYear,
		TotalCopies:     b.TotalCopies,
		Description:     b.Description,
		AvailableCopies: available,
	}
}

func toRental(r models.Rental) Rental {
	return Rental{
		ID:         r.ID,
		BookIsbn:   r.BookIsbn,
		UserID:     r.UserID,
		RentedAt:   r.RentedAt,
		ReturnedAt: r.ReturnedAt,
	}
}
