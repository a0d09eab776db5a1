package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-lending/library"
)

var start = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestServer(t *testing.T) (http.Handler, *testClock) {
	t.Helper()
	ctx := context.Background()

	db, err := library.NewDatabase(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.AddMember(ctx, "M001", "Angga"))
	require.NoError(t, db.AddMember(ctx, "M002", "Ferry"))
	require.NoError(t, db.AddBook(ctx, library.Book{Code: "JK-45", Title: "Harry Potter", Author: "J.K Rowling", Stock: 1}))
	require.NoError(t, db.AddBook(ctx, library.Book{Code: "SHR-1", Title: "A Study in Scarlet", Author: "Arthur Conan Doyle", Stock: 1}))
	require.NoError(t, db.AddBook(ctx, library.Book{Code: "TW-11", Title: "Twilight", Author: "Stephenie Meyer", Stock: 1}))

	clock := &testClock{now: start}
	mgr := library.NewLibraryManager(db, library.WithClock(clock.Now))
	return New(mgr, nil).Handler(), clock
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHello(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Hello World"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIDocs(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/api-docs")
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[map[string]any](t, rec)
	assert.Equal(t, "3.0.0", doc["openapi"])
}

func TestBorrowAndList(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/members/M001/borrow/JK-45")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Book borrowed successfully")

	books := decode[[]library.BookAvailability](t, do(t, h, http.MethodGet, "/books"))
	require.Len(t, books, 3)
	assert.Equal(t, library.BookAvailability{Code: "JK-45", Title: "Harry Potter", Author: "J.K Rowling", Available: 0}, books[0])
	assert.Equal(t, 1, books[1].Available)

	members := decode[[]library.MemberLoans](t, do(t, h, http.MethodGet, "/members"))
	require.Len(t, members, 2)
	assert.Equal(t, 1, members[0].OpenCount)
	assert.Equal(t, 0, members[1].OpenCount)

	history := decode[[]library.Borrowing](t, do(t, h, http.MethodGet, "/members/M001/borrowings"))
	require.Len(t, history, 1)
	assert.True(t, history[0].BorrowedAt.Equal(start))
}

func TestBorrowRejections(t *testing.T) {
	h, _ := newTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/members/M001/borrow/JK-45").Code)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/members/M001/borrow/SHR-1").Code)

	tests := []struct {
		path   string
		status int
		kind   string
		text   string
	}{
		{"/members/M001/borrow/TW-11", http.StatusBadRequest, "rejected", "loan limit"},
		{"/members/M002/borrow/JK-45", http.StatusBadRequest, "rejected", "not available"},
		{"/members/GHOST/borrow/JK-45", http.StatusNotFound, "not_found", "member"},
		{"/members/M002/borrow/GHOST", http.StatusNotFound, "not_found", "book"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tc.path)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			assert.Equal(t, tc.kind, body.Kind)
			assert.Contains(t, body.Error, tc.text)
		})
	}
}

func TestLateReturnPenalizes(t *testing.T) {
	h, clock := newTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/members/M002/borrow/TW-11").Code)

	clock.now = start.Add(9 * 24 * time.Hour)
	rec := do(t, h, http.MethodPost, "/members/M002/return/TW-11")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Message string                `json:"message"`
		Receipt library.ReturnReceipt `json:"receipt"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Book returned successfully", resp.Message)
	assert.Equal(t, 9, resp.Receipt.DaysBorrowed)
	require.NotNil(t, resp.Receipt.PenaltyUntil)
	assert.True(t, resp.Receipt.PenaltyUntil.Equal(start.Add(12*24*time.Hour)))

	rec = do(t, h, http.MethodPost, "/members/M002/borrow/JK-45")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decode[errorBody](t, rec).Kind)

	rec = do(t, h, http.MethodPost, "/members/M002/return/TW-11")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Error, "not borrowed")
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/members/M001/borrow/JK-45")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type failingService struct{ err error }

func (f failingService) ListBooks(context.Context) ([]library.BookAvailability, error) {
	return nil, f.err
}

func (f failingService) ListMembers(context.Context) ([]library.MemberLoans, error) {
	return nil, f.err
}

func (f failingService) MemberHistory(context.Context, string) ([]library.Borrowing, error) {
	return nil, f.err
}

func (f failingService) Borrow(context.Context, string, string) (*library.Borrowing, error) {
	return nil, f.err
}

func (f failingService) Return(context.Context, string, string) (*library.ReturnReceipt, error) {
	return nil, f.err
}

func TestStoreFailureIsHidden(t *testing.T) {
	storeErr := errors.Join(library.ErrStoreFailure, errors.New("dial tcp: connection refused"))
	h := New(failingService{err: storeErr}, nil).Handler()

	rec := do(t, h, http.MethodPost, "/members/M001/borrow/JK-45")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "store_failure", body.Kind)
	assert.False(t, strings.Contains(body.Error, "dial tcp"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{library.ErrMemberNotFound, http.StatusNotFound},
		{library.ErrBookNotFound, http.StatusNotFound},
		{library.ErrPenalized, http.StatusForbidden},
		{library.ErrLoanLimitReached, http.StatusBadRequest},
		{library.ErrUnavailable, http.StatusBadRequest},
		{library.ErrDuplicateLoan, http.StatusBadRequest},
		{library.ErrNotBorrowed, http.StatusBadRequest},
		{errors.Join(library.ErrStoreFailure, errors.New("x")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		status, _ := StatusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
