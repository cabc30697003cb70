package library

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable code of a domain failure.
type Kind string

const (
	KindInvalidInput          Kind = "INVALID_INPUT"
	KindBookNotFound          Kind = "BOOK_NOT_FOUND"
	KindNoCopiesAvailable     Kind = "NO_COPIES_AVAILABLE"
	KindRentalNotFound        Kind = "RENTAL_NOT_FOUND"
	KindRentalAlreadyReturned Kind = "RENTAL_ALREADY_RETURNED"
)

// Error is a recoverable domain failure. Any error from this package that is
// not an *Error is an infrastructure failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches on Kind so callers can use the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
	ErrBookNotFound          = &Error{Kind: KindBookNotFound}
	ErrNoCopiesAvailable     = &Error{Kind: KindNoCopiesAvailable}
	ErrRentalNotFound        = &Error{Kind: KindRentalNotFound}
	ErrRentalAlreadyReturned = &Error{Kind: KindRentalAlreadyReturned}
)

// ErrNoRecord is returned by a Gateway when a keyed lookup matches nothing.
var ErrNoRecord = errors.New("record not found")

// KindOf reports the domain kind of err, or false for internal failures.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func invalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func bookNotFound(isbn string) *Error {
	return &Error{Kind: KindBookNotFound, Message: fmt.Sprintf("Book %s not found", isbn)}
}

func noCopiesAvailable(isbn string) *Error {
	return &Error{Kind: KindNoCopiesAvailable, Message: fmt.Sprintf("No copies of %s available", isbn)}
}

func rentalNotFound(id string) *Error {
	return &Error{Kind: KindRentalNotFound, Message: fmt.Sprintf("Rental %s not found", id)}
}

func rentalAlreadyReturned(id string) *Error {
	return &Error{Kind: KindRentalAlreadyReturned, Message: fmt.Sprintf("Rental %s already returned", id)}
}
