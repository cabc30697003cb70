package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"library_rental/pkg/database"
	"library_rental/pkg/idempotency"
	"library_rental/pkg/library"
	"library_rental/pkg/middleware"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type server struct {
	svc      *library.Service
	db       *gorm.DB
	idem     idempotency.Store
	idemWait time.Duration
	log      *slog.Logger
}

func (s *server) routes(origins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(s.log), middleware.CORS(origins))

	r.GET("/v1/books", s.listBooks)
	r.GET("/v1/books/:isbn", s.getBook)
	r.POST("/v1/books/:isbn/rent", s.rentBook)
	r.GET("/v1/users/:userId/rentals", s.listUserRentals)
	r.POST("/v1/rentals/:rentalId/return", s.returnRental)
	r.GET("/manage/health", s.healthCheck)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{
			Status:  http.StatusNotFound,
			Code:    codeRouteNotFound,
			Message: "Route " + c.Request.URL.Path + " not found",
		})
	})
	return r
}

type rentRequest struct {
	UserID string `json:"userId"`
}

type userRentalResponse struct {
	RentalID   string       `json:"rentalId"`
	RentedAt   time.Time    `json:"rentedAt"`
	ReturnedAt *time.Time   `json:"returnedAt"`
	Book       library.Book `json:"book"`
}

func (s *server) listBooks(c *gin.Context) {
	books, err := s.svc.ListBooks(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (s *server) getBook(c *gin.Context) {
	book, err := s.svc.GetBook(c.Request.Context(), c.Param("isbn"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *server) rentBook(c *gin.Context) {
	isbn := c.Param("isbn")
	var req rentRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.fail(c, &library.Error{Kind: library.KindInvalidInput, Message: "Request body must be valid JSON"})
			return
		}
		s.fail(c, &library.Error{Kind: library.KindInvalidInput, Message: "`userId` is required in request body"})
		return
	}

	ctx := c.Request.Context()
	key := ""
	if k := c.GetHeader(idempotency.Header); k != "" && req.UserID != "" {
		key = idempotency.Key("rent", isbn, req.UserID, k)
		switch outcome, payload := s.claim(ctx, key); outcome {
		case claimReplay:
			c.Data(http.StatusCreated, "application/json; charset=utf-8", payload)
			return
		case claimBusy:
			c.JSON(http.StatusConflict, errorBody{
				Status:  http.StatusConflict,
				Code:    codeIdempotencyInUse,
				Message: "A request with this Idempotency-Key is still in progress",
			})
			return
		case claimSkipped:
			key = ""
		}
	}

	rental, err := s.svc.CreateRental(ctx, isbn, req.UserID)
	if err != nil {
		if key != "" {
			s.release(ctx, key)
		}
		s.fail(c, err)
		return
	}
	if key != "" {
		s.remember(ctx, key, rental)
	}
	c.JSON(http.StatusCreated, rental)
}

type claimOutcome int

const (
	claimOwned claimOutcome = iota
	claimReplay
	claimBusy
	claimSkipped
)

const idemPollInterval = 25 * time.Millisecond

// claim reserves key for this request. When another request holds it, claim
// waits up to idemWait for that request to finish and replays its response.
func (s *server) claim(ctx context.Context, key string) (claimOutcome, []byte) {
	deadline := time.Now().Add(s.idemWait)
	for {
		reserved, err := s.idem.Reserve(ctx, key)
		if err != nil {
			s.log.Warn("idempotency reserve failed, serving without replay", "key", key, "error", err)
			return claimSkipped, nil
		}
		if reserved {
			return claimOwned, nil
		}

		payload, state, err := s.idem.Load(ctx, key)
		if err != nil {
			s.log.Warn("idempotency lookup failed", "key", key, "error", err)
			return claimBusy, nil
		}
		if state == idempotency.StateDone {
			return claimReplay, payload
		}
		// an unknown key was released by its holder and is tried again
		if !time.Now().Before(deadline) {
			return claimBusy, nil
		}

		select {
		case <-ctx.Done():
			return claimBusy, nil
		case <-time.After(idemPollInterval):
		}
	}
}

func (s *server) release(ctx context.Context, key string) {
	if err := s.idem.Release(ctx, key); err != nil {
		s.log.Warn("idempotency release failed", "key", key, "error", err)
	}
}

// remember stores the rental under key. On failure the key stays reserved
// until it expires, so a retry is refused rather than renting twice.
func (s *server) remember(ctx context.Context, key string, rental library.Rental) {
	payload, err := json.Marshal(rental)
	if err != nil {
		s.log.Error("encode rental for idempotency", "rental_id", rental.ID, "error", err)
		return
	}
	if err := s.idem.Complete(ctx, key, payload); err != nil {
		s.log.Error("idempotency save failed", "key", key, "rental_id", rental.ID, "error", err)
	}
}

func (s *server) listUserRentals(c *gin.Context) {
	rentals, err := s.svc.ListUserRentals(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	items := make([]userRentalResponse, len(rentals))
	for i, r := range rentals {
		items[i] = userRentalResponse{
			RentalID:   r.ID,
			RentedAt:   r.RentedAt,
			ReturnedAt: r.ReturnedAt,
			Book:       r.Book,
		}
	}
	c.JSON(http.StatusOK, items)
}

func (s *server) returnRental(c *gin.Context) {
	if _, err := s.svc.ReturnRental(c.Request.Context(), c.Param("rentalId")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := database.Ping(ctx, s.db); err != nil {
		s.log.Warn("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}
