package library

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the lending engine matches exactly one
// of them with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrRejected     = errors.New("rejected")
	ErrStoreFailure = errors.New("store failure")
)

var (
	// ErrMemberNotFound is returned when the member code does not exist.
	ErrMemberNotFound = fmt.Errorf("member %w", ErrNotFound)

	// ErrBookNotFound is returned when the book code does not exist.
	ErrBookNotFound = fmt.Errorf("book %w", ErrNotFound)

	// ErrPenalized is returned when a member with an active penalty tries to borrow.
	ErrPenalized = fmt.Errorf("%w: member is penalized", ErrForbidden)

	// ErrLoanLimitReached is returned when the member already has MaxOpenLoans books out.
	ErrLoanLimitReached = fmt.Errorf("%w: loan limit reached", ErrRejected)

	// ErrUnavailable is returned when every copy of the book is lent out.
	ErrUnavailable = fmt.Errorf("%w: book is not available", ErrRejected)

	// ErrDuplicateLoan is returned when the member already has this book out.
	ErrDuplicateLoan = fmt.Errorf("%w: book already borrowed by this member", ErrRejected)

	// ErrNotBorrowed is returned when returning a book the member does not have out.
	ErrNotBorrowed = fmt.Errorf("%w: book was not borrowed", ErrRejected)
)

// storeErr tags a persistence error so callers can tell it from a business outcome.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreFailure) {
		return err
	}
	return errors.Join(ErrStoreFailure, err)
}
