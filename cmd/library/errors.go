package main

import (
	"errors"
	"net/http"

	"library_rental/pkg/library"

	"github.com/gin-gonic/gin"
)

const (
	codeRouteNotFound = "ROUTE_NOT_FOUND"
	codeInternal      = "INTERNAL_SERVER_ERROR"

	codeIdempotencyInUse = "IDEMPOTENCY_KEY_IN_USE"
)

type errorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusOf(kind library.Kind) int {
	switch kind {
	case library.KindInvalidInput:
		return http.StatusBadRequest
	case library.KindBookNotFound, library.KindRentalNotFound:
		return http.StatusNotFound
	case library.KindNoCopiesAvailable, library.KindRentalAlreadyReturned:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail renders domain errors with their own status and code. Anything else is
// logged and reported as a generic 500.
func (s *server) fail(c *gin.Context, err error) {
	var de *library.Error
	if errors.As(err, &de) {
		status := statusOf(de.Kind)
		c.JSON(status, errorBody{Status: status, Code: string(de.Kind), Message: de.Error()})
		return
	}

	s.log.Error("unexpected error",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"error", err,
	)
	c.JSON(http.StatusInternalServerError, errorBody{
		Status:  http.StatusInternalServerError,
		Code:    codeInternal,
		Message: "An unexpected error occurred",
	})
}
