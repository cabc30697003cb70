package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"library_rental/pkg/database"
	"library_rental/pkg/library"
	"library_rental/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func seed(t *testing.T, db *gorm.DB) {
	t.Helper()
	books := []models.Book{
		{Isbn: "978-0452284234", Title: "1984", Author: "George Orwell", PublishedYear: 1949, TotalCopies: 3, Description: "Dystopia"},
		{Isbn: "978-0544003415", Title: "The Lord of the Rings", Author: "J.R.R. Tolkien", PublishedYear: 1954, TotalCopies: 1},
	}
	require.NoError(t, db.Create(&books).Error)
}

func openRental(t *testing.T, db *gorm.DB, id, isbn, user string, at time.Time) {
	t.Helper()
	require.NoError(t, db.Omit("Book").Create(&models.Rental{ID: id, BookIsbn: isbn, UserID: user, RentedAt: at}).Error)
}

func TestListBooksCountsOnlyOpenRentals(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db)
	s := New(db)
	now := time.Now().UTC()
	openRental(t, db, "r1", "978-0452284234", "alice", now)
	openRental(t, db, "r2", "978-0452284234", "bob", now)
	returned := now.Add(time.Hour)
	require.NoError(t, db.Omit("Book").Create(&models.Rental{ID: "r3", BookIsbn: "978-0452284234", UserID: "carol", RentedAt: now, ReturnedAt: &returned}).Error)

	books, err := s.ListBooks(context.Background())

	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, "978-0452284234", books[0].Isbn)
	assert.Equal(t, "1984", books[0].Title)
	assert.Equal(t, "Dystopia", books[0].Description)
	assert.Equal(t, 1949, books[0].PublishedYear)
	assert.EqualValues(t, 2, books[0].OpenRentals)
	assert.Equal(t, 1, books[0].AvailableCopies())
	assert.EqualValues(t, 0, books[1].OpenRentals)
}

func TestListBooksEmpty(t *testing.T) {
	s := New(setupTestDB(t))

	books, err := s.ListBooks(context.Background())

	require.NoError(t, err)
	assert.NotNil(t, books)
	assert.Empty(t, books)
}

func TestFindBookMissing(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db)

	_, err := New(db).FindBook(context.Background(), "nope")

	assert.ErrorIs(t, err, library.ErrNoRecord)
}

func TestLockBookCountsOpenRentals(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db)
	openRental(t, db, "r1", "978-0544003415", "alice", time.Now())
	s := New(db)

	var got models.BookStock
	err := s.Transaction(context.Background(), func(tx library.Gateway) error {
		var err error
		got, err = tx.LockBook(context.Background(), "978-0544003415")
		return err
	})

	require.NoError(t, err)
	assert.EqualValues(t, 1, got.OpenRentals)
	assert.Equal(t, 0, got.AvailableCopies())

	err = s.Transaction(context.Background(), func(tx library.Gateway) error {
		_, err := tx.LockBook(context.Background(), "nope")
		return err
	})
	assert.ErrorIs(t, err, library.ErrNoRecord)
}

func TestCloseRentalOnlyOnce(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db)
	openRental(t, db, "r1", "978-0544003415", "alice", time.Now())
	s := New(db)
	ctx := context.Background()
	first := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	closed, err := s.CloseRental(ctx, "r1", first)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = s.CloseRental(ctx, "r1", first.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, closed)

	r, err := s.FindRental(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, r.ReturnedAt)
	assert.True(t, first.Equal(*r.ReturnedAt))

	closed, err = s.CloseRental(ctx, "missing", first)
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestListOpenRentalsAndBooksByISBN(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db)
	now := time.Now().UTC()
	openRental(t, db, "r2", "978-0544003415", "alice", now.Add(time.Minute))
	openRental(t, db, "r1", "978-0452284234", "alice", now)
	openRental(t, db, "r3", "978-0452284234", "bob", now)
	s := New(db)
	ctx := context.Background()

	rentals, err := s.ListOpenRentals(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rentals, 2)
	assert.Equal(t, "r1", rentals[0].ID)
	assert.Equal(t, "r2", rentals[1].ID)

	none, err := s.ListOpenRentals(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	stocks, err := s.BooksByISBN(ctx, []string{"978-0452284234"})
	require.NoError(t, err)
	require.Len(t, stocks, 1)
	assert.EqualValues(t, 2, stocks[0].OpenRentals)
}

func TestServiceOverStore(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db)
	svc := library.NewService(New(db))
	ctx := context.Background()

	rental, err := svc.CreateRental(ctx, "978-0544003415", "charlie")
	require.NoError(t, err)
	assert.Nil(t, rental.ReturnedAt)

	_, err = svc.CreateRental(ctx, "978-0544003415", "dana")
	assert.ErrorIs(t, err, library.ErrNoCopiesAvailable)

	var count int64
	require.NoError(t, db.Model(&models.Rental{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	_, err = svc.ReturnRental(ctx, rental.ID)
	require.NoError(t, err)
	book, err := svc.GetBook(ctx, "978-0544003415")
	require.NoError(t, err)
	assert.Equal(t, 1, book.AvailableCopies)

	_, err = svc.ReturnRental(ctx, rental.ID)
	assert.ErrorIs(t, err, library.ErrRentalAlreadyReturned)
}

func TestReplaceCatalog(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db)
	openRental(t, db, "r1", "978-0544003415", "alice", time.Now())
	s := New(db)

	err := s.ReplaceCatalog(context.Background(), []models.Book{
		{Isbn: "978-0141439518", Title: "Pride and Prejudice", Author: "Jane Austen", PublishedYear: 1813, TotalCopies: 2},
	})

	require.NoError(t, err)
	var rentals int64
	require.NoError(t, db.Model(&models.Rental{}).Count(&rentals).Error)
	assert.Zero(t, rentals)
	books, err := s.ListBooks(context.Background())
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "978-0141439518", books[0].Isbn)
}

// setupFileDB opens a file-backed database so that concurrent transactions
// use separate connections. Transactions start with BEGIN IMMEDIATE and wait
// on the write lock instead of failing with SQLITE_BUSY.
func setupFileDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "library.db") + "?_txlock=immediate&_busy_timeout=10000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(8)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestConcurrentRentsOfLastCopy(t *testing.T) {
	db := setupFileDB(t)
	seed(t, db)
	svc := library.NewService(New(db))
	ctx := context.Background()
	const renters = 8

	errs := make([]error, renters)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < renters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.CreateRental(ctx, "978-0544003415", fmt.Sprintf("user-%d", i))
		}(i)
	}
	close(start)
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, library.ErrNoCopiesAvailable)
	}
	assert.Equal(t, 1, successes)

	stock, err := New(db).FindBook(ctx, "978-0544003415")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stock.OpenRentals)
	assert.Equal(t, 0, stock.AvailableCopies())
}

func TestConcurrentReturnsOfOneRental(t *testing.T) {
	db := setupFileDB(t)
	seed(t, db)
	openRental(t, db, "r1", "978-0544003415", "charlie", time.Now().UTC())
	svc := library.NewService(New(db))
	ctx := context.Background()
	const callers = 8

	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.ReturnRental(ctx, "r1")
		}(i)
	}
	close(start)
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, library.ErrRentalAlreadyReturned)
	}
	assert.Equal(t, 1, successes)

	book, err := svc.GetBook(ctx, "978-0544003415")
	require.NoError(t, err)
	assert.Equal(t, 1, book.AvailableCopies)
}
