package library

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	// MaxOpenLoans is how many books a member may have out at once.
	MaxOpenLoans = 2

	// LoanPeriodDays is the number of whole days a book may be kept without penalty.
	LoanPeriodDays = 7

	// PenaltyDays is how long a late return bars the member from borrowing.
	PenaltyDays = 3

	day = 24 * time.Hour
)

// borrowState is what a borrow decision needs, read inside the transaction.
type borrowState struct {
	member          *Member // nil when the member does not exist
	memberOpenLoans int
	bookFound       bool
	available       int
	pairOpen        bool
}

// decideBorrow applies the borrow rules. The order of the checks decides
// which error a caller sees when several apply:
//
//	member missing        -> ErrMemberNotFound
//	penalty not expired   -> ErrPenalized
//	MaxOpenLoans reached  -> ErrLoanLimitReached
//	book missing          -> ErrBookNotFound
//	no copy left          -> ErrUnavailable
//	pair already open     -> ErrDuplicateLoan
func decideBorrow(s borrowState, now time.Time) error {
	if s.member == nil {
		return ErrMemberNotFound
	}
	if s.member.IsPenalized(now) {
		return ErrPenalized
	}
	if s.memberOpenLoans >= MaxOpenLoans {
		return ErrLoanLimitReached
	}
	if !s.bookFound {
		return ErrBookNotFound
	}
	if s.available <= 0 {
		return ErrUnavailable
	}
	if s.pairOpen {
		return ErrDuplicateLoan
	}
	return nil
}

// decideReturn closes the open borrowing and works out the penalty.
// A late return overwrites any running penalty rather than extending it.
func decideReturn(open *Borrowing, now time.Time) (ReturnReceipt, error) {
	if open == nil {
		return ReturnReceipt{}, ErrNotBorrowed
	}

	closed := *open
	closed.ReturnedAt = &now

	receipt := ReturnReceipt{
		Borrowing:    closed,
		DaysBorrowed: DaysBorrowed(open.BorrowedAt, now),
	}
	if receipt.DaysBorrowed > LoanPeriodDays {
		until := now.Add(PenaltyDays * day)
		receipt.PenaltyUntil = &until
	}
	return receipt, nil
}

// DaysBorrowed counts whole days between borrowedAt and returnedAt.
// Partial days are dropped.
func DaysBorrowed(borrowedAt, returnedAt time.Time) int {
	return int(math.Floor(float64(returnedAt.Sub(borrowedAt)) / float64(day)))
}

// normalizeTime keeps timestamps comparable after a round trip through any
// supported store (PostgreSQL keeps microseconds).
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// BorrowBook lends bookCode to memberCode at now. The checks and the insert
// of the open borrowing run in one transaction.
func (d *Database) BorrowBook(ctx context.Context, memberCode, bookCode string, now time.Time) (*Borrowing, error) {
	now = normalizeTime(now)

	var created Borrowing
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		s, err := d.loadBorrowState(ctx, tx, memberCode, bookCode)
		if err != nil {
			return err
		}
		if err := decideBorrow(s, now); err != nil {
			return err
		}

		created = Borrowing{
			ID:         uuid.NewString(),
			MemberCode: memberCode,
			BookCode:   bookCode,
			BorrowedAt: now,
		}
		ds := d.dialect.Insert("borrowings").
			Rows(goqu.Record{
				"id":          created.ID,
				"member_code": created.MemberCode,
				"book_code":   created.BookCode,
				"borrowed_at": created.BorrowedAt,
			}).
			Prepared(true)
		if _, err := d.exec(ctx, tx, ds); err != nil {
			return storeErr(err)
		}
		return nil
	})
	if err != nil {
		d.logRejected("borrow", err, memberCode, bookCode)
		return nil, err
	}

	d.logOperation("borrowed",
		logAttrMember, memberCode,
		logAttrBook, bookCode,
		logAttrBorrowing, created.ID)
	return &created, nil
}

// loadBorrowState locks the member row, then the book row, and reads the
// counters the borrow rules look at.
func (d *Database) loadBorrowState(ctx context.Context, tx *sqlx.Tx, memberCode, bookCode string) (borrowState, error) {
	var s borrowState

	member, err := d.getMember(ctx, tx, memberCode, true)
	switch {
	case errors.Is(err, ErrMemberNotFound):
		return s, nil
	case err != nil:
		return s, err
	}
	s.member = member

	if s.memberOpenLoans, err = d.countOpen(ctx, tx, goqu.Ex{"member_code": memberCode}); err != nil {
		return s, err
	}

	if _, err := d.getBook(ctx, tx, bookCode, true); err != nil {
		if errors.Is(err, ErrBookNotFound) {
			return s, nil
		}
		return s, err
	}
	s.bookFound = true

	if s.available, err = d.availability(ctx, tx, bookCode); err != nil {
		return s, err
	}

	pairCount, err := d.countOpen(ctx, tx, goqu.Ex{"member_code": memberCode, "book_code": bookCode})
	if err != nil {
		return s, err
	}
	s.pairOpen = pairCount > 0
	return s, nil
}

func (d *Database) countOpen(ctx context.Context, q sqlx.QueryerContext, where goqu.Ex) (int, error) {
	ds := d.dialect.From("borrowings").
		Select(goqu.COUNT(goqu.Star())).
		Where(where, goqu.Ex{"returned_at": nil}).
		Prepared(true)

	var n int
	if err := d.get(ctx, q, &n, ds); err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

// ReturnBook closes the member's open borrowing of bookCode at now and, for a
// late return, sets the member's penalty expiry. All writes commit together.
func (d *Database) ReturnBook(ctx context.Context, memberCode, bookCode string, now time.Time) (*ReturnReceipt, error) {
	now = normalizeTime(now)

	var receipt ReturnReceipt
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		// Same lock order as BorrowBook: member first.
		if _, err := d.getMember(ctx, tx, memberCode, true); err != nil && !errors.Is(err, ErrMemberNotFound) {
			return err
		}

		open, err := d.openBorrowing(ctx, tx, memberCode, bookCode)
		if err != nil {
			return err
		}

		if receipt, err = decideReturn(open, now); err != nil {
			return err
		}

		closeLoan := d.dialect.Update("borrowings").
			Set(goqu.Record{"returned_at": now}).
			Where(goqu.Ex{"id": open.ID, "returned_at": nil}).
			Prepared(true)
		res, err := d.exec(ctx, tx, closeLoan)
		if err != nil {
			return storeErr(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storeErr(err)
		}
		if affected != 1 {
			return ErrNotBorrowed
		}

		if receipt.PenaltyUntil == nil {
			return nil
		}
		penalize := d.dialect.Update("members").
			Set(goqu.Record{"penalty_expiry": *receipt.PenaltyUntil}).
			Where(goqu.Ex{"code": memberCode}).
			Prepared(true)
		if _, err := d.exec(ctx, tx, penalize); err != nil {
			return storeErr(err)
		}
		return nil
	})
	if err != nil {
		d.logRejected("return", err, memberCode, bookCode)
		return nil, err
	}

	args := []any{
		logAttrMember, memberCode,
		logAttrBook, bookCode,
		logAttrBorrowing, receipt.Borrowing.ID,
		logAttrDays, receipt.DaysBorrowed,
	}
	if receipt.PenaltyUntil != nil {
		args = append(args, logAttrPenaltyUntil, receipt.PenaltyUntil.Format(time.RFC3339))
	}
	d.logOperation("returned", args...)
	return &receipt, nil
}

// openBorrowing returns the open loan for the pair, or nil if there is none.
func (d *Database) openBorrowing(ctx context.Context, q sqlx.QueryerContext, memberCode, bookCode string) (*Borrowing, error) {
	open := []Borrowing{}
	if err := d.selectAll(ctx, q, &open, d.openBorrowingQuery(memberCode, bookCode)); err != nil {
		return nil, storeErr(err)
	}
	if len(open) == 0 {
		return nil, nil
	}
	return &open[0], nil
}

func (d *Database) openBorrowingQuery(memberCode, bookCode string) *goqu.SelectDataset {
	return d.locked(d.dialect.From("borrowings").
		Select("id", "member_code", "book_code", "borrowed_at", "returned_at").
		Where(goqu.Ex{"member_code": memberCode, "book_code": bookCode, "returned_at": nil})).
		Prepared(true)
}

func (d *Database) logRejected(action string, err error, memberCode, bookCode string) {
	if d.logger == nil {
		return
	}
	if errors.Is(err, ErrStoreFailure) {
		d.logger.Error(logMsgOperation+action+" failed", logAttrError, err.Error(), logAttrMember, memberCode, logAttrBook, bookCode)
		return
	}
	d.logger.Info(logMsgOperation+action+" rejected", logAttrError, err.Error(), logAttrMember, memberCode, logAttrBook, bookCode)
}
