// Package httpapi exposes the lending operations as JSON over HTTP.
package httpapi

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"library-lending/library"
)

//go:embed openapi.json
var openAPISpec []byte

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const requestTimeout = 5 * time.Second

// Service is the part of library.LibraryManager the API needs.
type Service interface {
	ListBooks(ctx context.Context) ([]library.BookAvailability, error)
	ListMembers(ctx context.Context) ([]library.MemberLoans, error)
	MemberHistory(ctx context.Context, memberCode string) ([]library.Borrowing, error)
	Borrow(ctx context.Context, memberCode, bookCode string) (*library.Borrowing, error)
	Return(ctx context.Context, memberCode, bookCode string) (*library.ReturnReceipt, error)
}

// Server provides the HTTP wiring between clients and the lending service.
type Server struct {
	svc    Service
	logger *slog.Logger
}

// New builds the server. A nil logger discards request logs.
func New(svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{svc: svc, logger: logger}
}

// Handler returns the mux with all routes, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.hello)
	mux.HandleFunc("GET /api-docs", s.apiDocs)
	mux.HandleFunc("GET /books", s.listBooks)
	mux.HandleFunc("GET /members", s.listMembers)
	mux.HandleFunc("GET /members/{member}/borrowings", s.memberHistory)
	mux.HandleFunc("POST /members/{member}/borrow/{book}", s.borrow)
	mux.HandleFunc("POST /members/{member}/return/{book}", s.returnBook)
	return s.logging(mux)
}

func (s *Server) hello(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Hello World"})
}

func (s *Server) apiDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpec)
}

func (s *Server) listBooks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	books, err := s.svc.ListBooks(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	members, err := s.svc.ListMembers(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) memberHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	history, err := s.svc.MemberHistory(ctx, r.PathValue("member"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	loan, err := s.svc.Borrow(ctx, r.PathValue("member"), r.PathValue("book"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":   "Book borrowed successfully",
		"borrowing": loan,
	})
}

func (s *Server) returnBook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	receipt, err := s.svc.Return(ctx, r.PathValue("member"), r.PathValue("book"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Book returned successfully",
		"receipt": receipt,
	})
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusFor maps a lending error to its HTTP status and error kind.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, library.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, library.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, library.ErrRejected):
		return http.StatusBadRequest, "rejected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, library.ErrStoreFailure):
		return http.StatusServiceUnavailable, "store_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := StatusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err.Error())
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
