package library

import "time"

// Book is a title the library owns Stock physical copies of.
type Book struct {
	Code   string `json:"code" db:"code"`
	Title  string `json:"title" db:"title"`
	Author string `json:"author" db:"author"`
	Stock  int    `json:"stock" db:"stock"`
}

// Member represents a registered library member.
// PenaltyExpiry is nil for members that were never returned a book late.
type Member struct {
	Code          string     `json:"code" db:"code"`
	Name          string     `json:"name" db:"name"`
	PenaltyExpiry *time.Time `json:"penalty_expiry" db:"penalty_expiry"`
}

// IsPenalized reports whether the member is barred from borrowing at now.
// The expiry instant itself is no longer penalized.
func (m Member) IsPenalized(now time.Time) bool {
	return m.PenaltyExpiry != nil && now.Before(*m.PenaltyExpiry)
}

// Borrowing is one row of the lending ledger. A nil ReturnedAt means the
// loan is still open.
type Borrowing struct {
	ID         string     `json:"id" db:"id"`
	MemberCode string     `json:"member_code" db:"member_code"`
	BookCode   string     `json:"book_code" db:"book_code"`
	BorrowedAt time.Time  `json:"borrowed_at" db:"borrowed_at"`
	ReturnedAt *time.Time `json:"returned_at" db:"returned_at"`
}

// IsOpen reports whether the book is still out.
func (b Borrowing) IsOpen() bool { return b.ReturnedAt == nil }

// BookAvailability is a listing row: a book plus its lendable copies.
type BookAvailability struct {
	Code      string `json:"code" db:"code"`
	Title     string `json:"title" db:"title"`
	Author    string `json:"author" db:"author"`
	Available int    `json:"available" db:"available"`
}

// MemberLoans is a listing row: a member plus the number of books it
// currently has out.
type MemberLoans struct {
	Code          string     `json:"code" db:"code"`
	Name          string     `json:"name" db:"name"`
	PenaltyExpiry *time.Time `json:"penalty_expiry" db:"penalty_expiry"`
	OpenCount     int        `json:"open_count" db:"open_count"`
}

// ReturnReceipt describes a completed return.
type ReturnReceipt struct {
	Borrowing    Borrowing  `json:"borrowing"`
	DaysBorrowed int        `json:"days_borrowed"`
	PenaltyUntil *time.Time `json:"penalty_until,omitempty"`
}
