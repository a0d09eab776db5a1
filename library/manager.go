package library

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// LibraryManager is a thin façade over the Database, keeping CLI and HTTP
// code simple. It owns the clock: every transition reads it exactly once.
type LibraryManager struct {
	db  *Database
	now func() time.Time
}

// ManagerOption configures a LibraryManager.
type ManagerOption func(*LibraryManager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(lm *LibraryManager) {
		lm.now = now
	}
}

// NewLibraryManager wraps an open Database.
func NewLibraryManager(db *Database, opts ...ManagerOption) *LibraryManager {
	lm := &LibraryManager{db: db, now: time.Now}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

// ------------------ Listings ------------------

func (lm *LibraryManager) ListBooks(ctx context.Context) ([]BookAvailability, error) {
	return lm.db.AllAvailability(ctx)
}

func (lm *LibraryManager) ListMembers(ctx context.Context) ([]MemberLoans, error) {
	return lm.db.GetAllMembers(ctx)
}

func (lm *LibraryManager) MemberHistory(ctx context.Context, memberCode string) ([]Borrowing, error) {
	return lm.db.GetMemberBorrowings(ctx, memberCode)
}

func (lm *LibraryManager) Availability(ctx context.Context, bookCode string) (int, error) {
	return lm.db.Availability(ctx, bookCode)
}

// ------------------ Circulation ------------------

// Borrow lends a book to a member now.
func (lm *LibraryManager) Borrow(ctx context.Context, memberCode, bookCode string) (*Borrowing, error) {
	return lm.db.BorrowBook(ctx, strings.TrimSpace(memberCode), strings.TrimSpace(bookCode), lm.now())
}

// Return takes a book back from a member now, penalizing late returns.
func (lm *LibraryManager) Return(ctx context.Context, memberCode, bookCode string) (*ReturnReceipt, error) {
	return lm.db.ReturnBook(ctx, strings.TrimSpace(memberCode), strings.TrimSpace(bookCode), lm.now())
}

// ------------------ Bootstrap ------------------

func (lm *LibraryManager) ImportCatalog(ctx context.Context, c Catalog) (ImportResult, error) {
	if err := c.Validate(); err != nil {
		return ImportResult{}, err
	}
	return lm.db.ImportCatalog(ctx, c)
}

// ------------------ Utilities ------------------

// PrettyBook formats a book for lists.
func PrettyBook(b BookAvailability) string {
	return fmt.Sprintf("%-10s %-30s %-25s %-9d", b.Code, truncate(b.Title, 30), truncate(b.Author, 25), b.Available)
}

// PrettyMember formats a member for lists.
func PrettyMember(m MemberLoans) string {
	penalty := "-"
	if m.PenaltyExpiry != nil {
		penalty = m.PenaltyExpiry.Format(time.RFC3339)
	}
	return fmt.Sprintf("%-10s %-30s %-25s %-5d", m.Code, truncate(m.Name, 30), penalty, m.OpenCount)
}

// truncate cuts on rune boundaries so multi-byte titles stay valid UTF-8.
func truncate(s string, maxLength int) string {
	r := []rune(s)
	if len(r) <= maxLength {
		return s
	}
	return string(r[:maxLength-3]) + "..."
}
