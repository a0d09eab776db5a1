package library

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// day0 is the reference instant the lending tests count days from.
var day0 = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

func at(days int) time.Time { return day0.Add(time.Duration(days) * day) }

func tempDB(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := NewDatabase(filepath.Join(dir, "test.db"))
	require.NoError(t, err, "new db")
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *Database, members []string, books ...Book) {
	t.Helper()
	ctx := context.Background()
	for _, code := range members {
		require.NoError(t, db.AddMember(ctx, code, "Member "+code))
	}
	for _, b := range books {
		if b.Title == "" {
			b.Title = "Title " + b.Code
		}
		if b.Author == "" {
			b.Author = "Author " + b.Code
		}
		require.NoError(t, db.AddBook(ctx, b))
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lib.db")

	db, err := NewDatabase(path)
	require.NoError(t, err)
	require.NoError(t, db.AddMember(context.Background(), "M001", "Angga"))
	require.NoError(t, db.Close())

	db, err = NewDatabase(path)
	require.NoError(t, err)
	defer db.Close()

	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)

	m, err := db.GetMember(context.Background(), "M001")
	require.NoError(t, err)
	assert.Equal(t, "Angga", m.Name)
	assert.Nil(t, m.PenaltyExpiry)
}

func TestOpenDatabaseRejectsUnknownDriver(t *testing.T) {
	_, err := OpenDatabase(context.Background(), "oracle", "whatever")
	require.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestAddAndGet(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	seed(t, db, []string{"M001"}, Book{Code: "JK-45", Title: "Harry Potter", Author: "J.K Rowling", Stock: 2})

	b, err := db.GetBook(ctx, "JK-45")
	require.NoError(t, err)
	assert.Equal(t, Book{Code: "JK-45", Title: "Harry Potter", Author: "J.K Rowling", Stock: 2}, *b)

	_, err = db.GetBook(ctx, "NOPE")
	require.ErrorIs(t, err, ErrBookNotFound)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = db.GetMember(ctx, "NOPE")
	require.ErrorIs(t, err, ErrMemberNotFound)
}

func TestAddDuplicateIsStoreFailure(t *testing.T) {
	db := tempDB(t)
	seed(t, db, []string{"M001"})

	err := db.AddMember(context.Background(), "M001", "again")
	require.ErrorIs(t, err, ErrStoreFailure)
}

func TestAddBookRejectsNegativeStock(t *testing.T) {
	db := tempDB(t)
	err := db.AddBook(context.Background(), Book{Code: "X", Title: "X", Author: "Y", Stock: -1})
	require.Error(t, err)

	_, err = db.GetBook(context.Background(), "X")
	require.ErrorIs(t, err, ErrBookNotFound)
}

func TestGetAllMembersCountsOpenLoans(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	seed(t, db, []string{"M001", "M002", "M003"},
		Book{Code: "B1", Stock: 1}, Book{Code: "B2", Stock: 1}, Book{Code: "B3", Stock: 1})

	_, err := db.BorrowBook(ctx, "M001", "B1", at(0))
	require.NoError(t, err)
	_, err = db.BorrowBook(ctx, "M001", "B2", at(0))
	require.NoError(t, err)
	_, err = db.BorrowBook(ctx, "M002", "B3", at(0))
	require.NoError(t, err)
	_, err = db.ReturnBook(ctx, "M002", "B3", at(9))
	require.NoError(t, err)

	members, err := db.GetAllMembers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 3)

	assert.Equal(t, "M001", members[0].Code)
	assert.Equal(t, 2, members[0].OpenCount)
	assert.Nil(t, members[0].PenaltyExpiry)

	assert.Equal(t, "M002", members[1].Code)
	assert.Equal(t, 0, members[1].OpenCount)
	require.NotNil(t, members[1].PenaltyExpiry)
	assert.True(t, members[1].PenaltyExpiry.Equal(at(12)))

	assert.Equal(t, 0, members[2].OpenCount)
}

func TestGetMemberBorrowingsNewestFirst(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	seed(t, db, []string{"M001"}, Book{Code: "B1", Stock: 1}, Book{Code: "B2", Stock: 1})

	_, err := db.BorrowBook(ctx, "M001", "B1", at(0))
	require.NoError(t, err)
	_, err = db.ReturnBook(ctx, "M001", "B1", at(1))
	require.NoError(t, err)
	_, err = db.BorrowBook(ctx, "M001", "B2", at(2))
	require.NoError(t, err)

	history, err := db.GetMemberBorrowings(ctx, "M001")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "B2", history[0].BookCode)
	assert.True(t, history[0].IsOpen())
	assert.Equal(t, "B1", history[1].BookCode)
	require.NotNil(t, history[1].ReturnedAt)
	assert.True(t, history[1].ReturnedAt.Equal(at(1)))

	_, err = db.GetMemberBorrowings(ctx, "NOPE")
	require.ErrorIs(t, err, ErrMemberNotFound)
}

func TestPostgresLendingReadsLockRows(t *testing.T) {
	d := &Database{driver: DriverPostgres, dialectName: dialectPostgres, dialect: goqu.Dialect(dialectPostgres)}

	queries := map[string]*goqu.SelectDataset{
		"member":         d.memberQuery("M", true),
		"book":           d.bookQuery("B", true),
		"open borrowing": d.openBorrowingQuery("M", "B"),
	}
	for name, ds := range queries {
		t.Run(name, func(t *testing.T) {
			query, args, err := ds.ToSQL()
			require.NoError(t, err)
			assert.True(t, strings.HasSuffix(strings.TrimSpace(query), "FOR UPDATE"), query)
			assert.Contains(t, query, "$1")
			assert.NotEmpty(t, args)
		})
	}

	query, _, err := d.memberQuery("M", false).ToSQL()
	require.NoError(t, err)
	assert.NotContains(t, query, "FOR UPDATE")
}

func TestSQLiteReadsTakeNoRowLocks(t *testing.T) {
	d := &Database{driver: DriverSQLite, dialectName: dialectSQLite, dialect: goqu.Dialect(dialectSQLite)}

	for _, ds := range []*goqu.SelectDataset{
		d.memberQuery("M", true),
		d.bookQuery("B", true),
		d.openBorrowingQuery("M", "B"),
	} {
		query, _, err := ds.ToSQL()
		require.NoError(t, err)
		assert.NotContains(t, query, "FOR UPDATE")
	}
}
