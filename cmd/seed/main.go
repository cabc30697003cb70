// Command seed replaces the book catalogue with the entries of a JSON file.
// All existing rentals are removed.
package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"library_rental/pkg/database"
	"library_rental/pkg/models"
	"library_rental/pkg/store"

	"github.com/joho/godotenv"
)

//go:embed books.json
var defaultCatalog []byte

type catalogEntry struct {
	Isbn          string `json:"isbn"`
	Title         string `json:"title"`
	Author        string `json:"author"`
	PublishedYear int    `json:"publishedYear"`
	TotalCopies   int    `json:"totalCopies"`
	Description   string `json:"description"`
}

func main() {
	file := flag.String("file", "", "catalogue JSON file (defaults to the embedded catalogue)")
	flag.Parse()

	_ = godotenv.Load()
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := run(log, *file); err != nil {
		log.Error("seed failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, file string) error {
	raw := defaultCatalog
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		raw = b
	}
	books, err := parseCatalog(raw)
	if err != nil {
		return err
	}

	db, err := database.Open(database.ConfigFromEnv(), log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.New(db).ReplaceCatalog(ctx, books); err != nil {
		return err
	}
	log.Info("catalogue seeded", "books", len(books))
	return nil
}

func parseCatalog(raw []byte) ([]models.Book, error) {
	var doc struct {
		Books []catalogEntry `json:"books"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalogue: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Books))
	books := make([]models.Book, 0, len(doc.Books))
	for i, e := range doc.Books {
		isbn := strings.TrimSpace(e.Isbn)
		if isbn == "" {
			return nil, fmt.Errorf("book %d: isbn is required", i)
		}
		if _, dup := seen[isbn]; dup {
			return nil, fmt.Errorf("book %d: duplicate isbn %s", i, isbn)
		}
		if e.TotalCopies < 0 {
			return nil, fmt.Errorf("book %s: totalCopies must not be negative", isbn)
		}
		seen[isbn] = struct{}{}
		books = append(books, models.Book{
			Isbn:          isbn,
			Title:         e.Title,
			Author:        e.Author,
			Description:   e.Description,
			PublishedYear: e.PublishedYear,
			TotalCopies:   e.TotalCopies,
		})
	}
	return books, nil
}
