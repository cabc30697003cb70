package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"library_rental/pkg/library"
	"library_rental/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the gorm-backed library.Gateway.
type Store struct{ DB *gorm.DB }

func New(db *gorm.DB) *Store { return &Store{DB: db} }

var _ library.Gateway = (*Store)(nil)

const openRentalCounts = "LEFT JOIN " + models.RentalTable + " r ON r.book_isbn = b.isbn AND r.returned_at IS NULL"

func (s *Store) stockQuery(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx).
		Table(models.BookTable + " b").
		Select("b.isbn, b.title, b.author, b.description, b.published_year, b.total_copies, COUNT(r.id) AS open_rentals").
		Joins(openRentalCounts).
		Group("b.isbn, b.title, b.author, b.description, b.published_year, b.total_copies")
}

func (s *Store) ListBooks(ctx context.Context) ([]models.BookStock, error) {
	books := make([]models.BookStock, 0)
	if err := s.stockQuery(ctx).Order("b.isbn").Scan(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

func (s *Store) FindBook(ctx context.Context, isbn string) (models.BookStock, error) {
	var books []models.BookStock
	if err := s.stockQuery(ctx).Where("b.isbn = ?", isbn).Scan(&books).Error; err != nil {
		return models.BookStock{}, err
	}
	if len(books) == 0 {
		return models.BookStock{}, library.ErrNoRecord
	}
	return books[0], nil
}

func (s *Store) BooksByISBN(ctx context.Context, isbns []string) ([]models.BookStock, error) {
	books := make([]models.BookStock, 0, len(isbns))
	if len(isbns) == 0 {
		return books, nil
	}
	if err := s.stockQuery(ctx).Where("b.isbn IN ?", isbns).Scan(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

// LockBook takes a row lock on the book (a no-op on sqlite, which serialises
// writers anyway) and then counts its open rentals inside the same
// transaction. Locking and aggregating are split because FOR UPDATE is not
// allowed together with GROUP BY.
func (s *Store) LockBook(ctx context.Context, isbn string) (models.BookStock, error) {
	var b models.Book
	err := s.DB.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("isbn = ?", isbn).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.BookStock{}, library.ErrNoRecord
	}
	if err != nil {
		return models.BookStock{}, err
	}

	var open int64
	if err := s.DB.WithContext(ctx).Model(&models.Rental{}).
		Where("book_isbn = ? AND returned_at IS NULL", isbn).
		Count(&open).Error; err != nil {
		return models.BookStock{}, err
	}
	return models.BookStock{Book: b, OpenRentals: open}, nil
}

func (s *Store) InsertRental(ctx context.Context, rental *models.Rental) error {
	return s.DB.WithContext(ctx).Omit(clause.Associations).Create(rental).Error
}

func (s *Store) FindRental(ctx context.Context, id string) (models.Rental, error) {
	var r models.Rental
	err := s.DB.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Rental{}, library.ErrNoRecord
	}
	return r, err
}

func (s *Store) CloseRental(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Rental{}).
		Where("id = ? AND returned_at IS NULL", id).
		Update("returned_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ListOpenRentals(ctx context.Context, userID string) ([]models.Rental, error) {
	rentals := make([]models.Rental, 0)
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND returned_at IS NULL", userID).
		Order("rented_at, id").
		Find(&rentals).Error
	if err != nil {
		return nil, err
	}
	return rentals, nil
}

func (s *Store) Transaction(ctx context.Context, fn func(tx library.Gateway) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// ReplaceCatalog wipes every rental and book and inserts books, all in one
// transaction.
func (s *Store) ReplaceCatalog(ctx context.Context, books []models.Book) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Rental{}).Error; err != nil {
			return fmt.Errorf("delete rentals: %w", err)
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Book{}).Error; err != nil {
			return fmt.Errorf("delete books: %w", err)
		}
		if len(books) == 0 {
			return nil
		}
		if err := tx.Create(&books).Error; err != nil {
			return fmt.Errorf("insert books: %w", err)
		}
		return nil
	})
}
