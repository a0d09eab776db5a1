package library

import (
	"context"
	"database/sql"
	"errors"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
)

// availabilityQuery derives lendable copies from the ledger:
// stock minus the book's open borrowings. Nothing is denormalized.
func (d *Database) availabilityQuery() *goqu.SelectDataset {
	openByBook := d.dialect.From("borrowings").
		Select(goqu.C("book_code"), goqu.COUNT(goqu.Star()).As("borrowed")).
		Where(goqu.Ex{"returned_at": nil}).
		GroupBy("book_code")

	return d.dialect.From(goqu.T("books").As("b")).
		LeftJoin(openByBook.As("bb"), goqu.On(goqu.I("b.code").Eq(goqu.I("bb.book_code")))).
		Select(
			goqu.I("b.code"),
			goqu.I("b.title"),
			goqu.I("b.author"),
			goqu.L("? - ?", goqu.I("b.stock"), goqu.COALESCE(goqu.I("bb.borrowed"), goqu.L("0"))).As("available"),
		)
}

// Availability returns the number of lendable copies of one book.
func (d *Database) Availability(ctx context.Context, bookCode string) (int, error) {
	return d.availability(ctx, d.db, bookCode)
}

func (d *Database) availability(ctx context.Context, q sqlx.QueryerContext, bookCode string) (int, error) {
	ds := d.availabilityQuery().
		Where(goqu.I("b.code").Eq(bookCode)).
		Prepared(true)

	var row BookAvailability
	err := d.get(ctx, q, &row, ds)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrBookNotFound
	}
	if err != nil {
		return 0, storeErr(err)
	}
	return row.Available, nil
}

// AllAvailability lists every book with its lendable copies in one query,
// ordered by code.
func (d *Database) AllAvailability(ctx context.Context) ([]BookAvailability, error) {
	ds := d.availabilityQuery().
		Order(goqu.I("b.code").Asc()).
		Prepared(true)

	books := []BookAvailability{}
	if err := d.selectAll(ctx, d.db, &books, ds); err != nil {
		return nil, storeErr(err)
	}
	return books, nil
}
