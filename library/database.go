package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // registers the "postgres" driver
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
)

const (
	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"

	defaultMaxOpenConnections = 20
	defaultMaxIdleConnections = 5
	defaultMaxConnLifetime    = time.Hour
	defaultMaxConnIdleTime    = time.Minute * 5

	logMsgSQLExecuted   = "executed sql"
	logMsgOperation     = "library operation: "
	logMsgRollbackError = "failed to roll back transaction"
	logAttrError        = "error"
	logAttrQuery        = "query"
	logAttrDurationMS   = "duration_ms"
	logAttrMember       = "member_code"
	logAttrBook         = "book_code"
	logAttrBorrowing    = "borrowing_id"
	logAttrDays         = "days_borrowed"
	logAttrPenaltyUntil = "penalty_until"
	logAttrDriver       = "driver"
	logAttrVersion      = "schema_version"
)

// ErrUnsupportedDriver is returned by OpenDatabase for unknown driver names.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Logger receives SQL traces at debug level and lending operations at info level.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Database provides high-level helpers around a SQL connection pool.
// It holds no lending state of its own; every operation re-reads the store.
type Database struct {
	db          *sqlx.DB
	driver      string
	dialectName string
	dialect     goqu.DialectWrapper
	logger      Logger
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger for the Database.
func WithLogger(logger Logger) Option {
	return func(d *Database) {
		d.logger = logger
	}
}

// NewDatabase opens (or creates) the SQLite database at dbPath and applies
// schema migrations.
func NewDatabase(dbPath string, opts ...Option) (*Database, error) {
	return OpenDatabase(context.Background(), DriverSQLite, dbPath, opts...)
}

// OpenDatabase connects with the given driver, applies schema migrations and
// returns the ready store. For DriverSQLite, dsn is a file path.
func OpenDatabase(ctx context.Context, driver, dsn string, opts ...Option) (*Database, error) {
	var dialect string
	switch driver {
	case DriverSQLite:
		// Ensure directory exists so first-run succeeds.
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		// immediate transactions take the write lock at BEGIN, so lending
		// transitions never interleave.
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dsn)
		dialect = dialectSQLite
	case DriverPostgres, DriverPGX:
		dialect = dialectPostgres
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConnections)
	db.SetMaxIdleConns(defaultMaxIdleConnections)
	db.SetConnMaxLifetime(defaultMaxConnLifetime)
	db.SetConnMaxIdleTime(defaultMaxConnIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	database := &Database{
		db:          db,
		driver:      driver,
		dialectName: dialect,
		dialect:     goqu.Dialect(dialect),
	}
	for _, opt := range opts {
		opt(database)
	}

	if err := database.applyMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// Close closes the connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// Driver returns the database/sql driver name the store was opened with.
func (d *Database) Driver() string { return d.driver }

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS members (
        code TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        penalty_expiry DATETIME
    );`,
	`CREATE TABLE IF NOT EXISTS books (
        code TEXT PRIMARY KEY,
        title TEXT NOT NULL,
        author TEXT NOT NULL,
        stock INTEGER NOT NULL DEFAULT 1 CHECK (stock >= 0)
    );`,
	`CREATE TABLE IF NOT EXISTS borrowings (
        id TEXT PRIMARY KEY,
        member_code TEXT NOT NULL REFERENCES members(code),
        book_code TEXT NOT NULL REFERENCES books(code),
        borrowed_at DATETIME NOT NULL,
        returned_at DATETIME
    );`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS members (
        code TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        penalty_expiry TIMESTAMPTZ
    );`,
	`CREATE TABLE IF NOT EXISTS books (
        code TEXT PRIMARY KEY,
        title TEXT NOT NULL,
        author TEXT NOT NULL,
        stock INTEGER NOT NULL DEFAULT 1 CHECK (stock >= 0)
    );`,
	`CREATE TABLE IF NOT EXISTS borrowings (
        id TEXT PRIMARY KEY,
        member_code TEXT NOT NULL REFERENCES members(code),
        book_code TEXT NOT NULL REFERENCES books(code),
        borrowed_at TIMESTAMPTZ NOT NULL,
        returned_at TIMESTAMPTZ
    );`,
}

// Partial indexes read the same in both dialects.
var commonIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_borrowings_member ON borrowings(member_code);`,
	`CREATE INDEX IF NOT EXISTS idx_borrowings_open_book ON borrowings(book_code) WHERE returned_at IS NULL;`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_borrowings_open_pair ON borrowings(member_code, book_code) WHERE returned_at IS NULL;`,
}

func (d *Database) applyMigrations(ctx context.Context) error {
	if d.driver == DriverSQLite {
		// WAL lets readers proceed while a lending transaction holds the write lock.
		if _, err := d.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}

	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	current, err := d.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := sqliteSchema
	if d.dialectName == dialectPostgres {
		stmts = postgresSchema
	}
	stmts = append(append([]string{}, stmts...), commonIndexes...)

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	version := d.dialect.Insert("meta").
		Rows(goqu.Record{"key": "schema_version", "value": strconv.Itoa(schemaVersion)}).
		OnConflict(goqu.DoUpdate("key", goqu.Record{"value": goqu.I("excluded.value")})).
		Prepared(true)
	if _, err := d.exec(ctx, tx, version); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	d.logOperation("migrated", logAttrDriver, d.driver, logAttrVersion, schemaVersion)
	return nil
}

// SchemaVersion reports the applied schema version, 0 for an empty database.
func (d *Database) SchemaVersion(ctx context.Context) (int, error) {
	var raw string
	ds := d.dialect.From("meta").Select("value").Where(goqu.Ex{"key": "schema_version"}).Prepared(true)
	err := d.get(ctx, d.db, &raw, ds)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Query plumbing
// ---------------------------------------------------------------------------

// sqlBuilder is satisfied by every goqu dataset.
type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

// locked adds FOR UPDATE where the dialect has row locks. SQLite needs none:
// the immediate transaction already holds the database write lock.
func (d *Database) locked(ds *goqu.SelectDataset) *goqu.SelectDataset {
	if d.dialectName == dialectPostgres {
		return ds.ForUpdate(exp.Wait)
	}
	return ds
}

func (d *Database) get(ctx context.Context, q sqlx.QueryerContext, dest any, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	start := time.Now()
	err = sqlx.GetContext(ctx, q, dest, query, args...)
	d.logQuery(query, time.Since(start))
	return err
}

func (d *Database) selectAll(ctx context.Context, q sqlx.QueryerContext, dest any, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	start := time.Now()
	err = sqlx.SelectContext(ctx, q, dest, query, args...)
	d.logQuery(query, time.Since(start))
	return err
}

func (d *Database) exec(ctx context.Context, e sqlx.ExecerContext, b sqlBuilder) (sql.Result, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	start := time.Now()
	res, err := e.ExecContext(ctx, query, args...)
	d.logQuery(query, time.Since(start))
	return res, err
}

// inTx runs fn in one transaction. Any error from fn rolls everything back;
// persistence errors come back tagged with ErrStoreFailure.
func (d *Database) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && d.logger != nil {
			d.logger.Warn(logMsgRollbackError, logAttrError, rbErr.Error())
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (d *Database) logQuery(query string, duration time.Duration) {
	if d.logger != nil {
		d.logger.Debug(logMsgSQLExecuted, logAttrDurationMS, durationToMilliseconds(duration), logAttrQuery, query)
	}
}

func (d *Database) logOperation(action string, args ...any) {
	if d.logger != nil {
		d.logger.Info(logMsgOperation+action, args...)
	}
}

func durationToMilliseconds(dur time.Duration) float64 {
	return math.Round(float64(dur.Nanoseconds())/1e6*1000) / 1000
}

// ---------------------------------------------------------------------------
// CRUD helpers
// ---------------------------------------------------------------------------

// AddMember registers a member without a penalty.
func (d *Database) AddMember(ctx context.Context, code, name string) error {
	ds := d.dialect.Insert("members").
		Rows(goqu.Record{"code": code, "name": name}).
		Prepared(true)
	if _, err := d.exec(ctx, d.db, ds); err != nil {
		return storeErr(err)
	}
	return nil
}

// AddBook inserts a book with its owned copy count.
func (d *Database) AddBook(ctx context.Context, b Book) error {
	if b.Stock < 0 {
		return fmt.Errorf("book %s: stock must not be negative", b.Code)
	}
	ds := d.dialect.Insert("books").
		Rows(goqu.Record{"code": b.Code, "title": b.Title, "author": b.Author, "stock": b.Stock}).
		Prepared(true)
	if _, err := d.exec(ctx, d.db, ds); err != nil {
		return storeErr(err)
	}
	return nil
}

// GetMember fetches a single member.
func (d *Database) GetMember(ctx context.Context, code string) (*Member, error) {
	return d.getMember(ctx, d.db, code, false)
}

func (d *Database) memberQuery(code string, lock bool) *goqu.SelectDataset {
	ds := d.dialect.From("members").
		Select("code", "name", "penalty_expiry").
		Where(goqu.Ex{"code": code})
	if lock {
		ds = d.locked(ds)
	}
	return ds.Prepared(true)
}

func (d *Database) getMember(ctx context.Context, q sqlx.QueryerContext, code string, lock bool) (*Member, error) {
	var m Member
	err := d.get(ctx, q, &m, d.memberQuery(code, lock))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &m, nil
}

// GetBook fetches a single book.
func (d *Database) GetBook(ctx context.Context, code string) (*Book, error) {
	return d.getBook(ctx, d.db, code, false)
}

func (d *Database) bookQuery(code string, lock bool) *goqu.SelectDataset {
	ds := d.dialect.From("books").
		Select("code", "title", "author", "stock").
		Where(goqu.Ex{"code": code})
	if lock {
		ds = d.locked(ds)
	}
	return ds.Prepared(true)
}

func (d *Database) getBook(ctx context.Context, q sqlx.QueryerContext, code string, lock bool) (*Book, error) {
	var b Book
	err := d.get(ctx, q, &b, d.bookQuery(code, lock))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &b, nil
}

// GetAllMembers returns every member with its open loan count, ordered by code.
func (d *Database) GetAllMembers(ctx context.Context) ([]MemberLoans, error) {
	openByMember := d.dialect.From("borrowings").
		Select(goqu.C("member_code"), goqu.COUNT(goqu.Star()).As("total")).
		Where(goqu.Ex{"returned_at": nil}).
		GroupBy("member_code")

	ds := d.dialect.From(goqu.T("members").As("m")).
		LeftJoin(openByMember.As("mb"), goqu.On(goqu.I("m.code").Eq(goqu.I("mb.member_code")))).
		Select(
			goqu.I("m.code"),
			goqu.I("m.name"),
			goqu.I("m.penalty_expiry"),
			goqu.COALESCE(goqu.I("mb.total"), goqu.L("0")).As("open_count"),
		).
		Order(goqu.I("m.code").Asc()).
		Prepared(true)

	members := []MemberLoans{}
	if err := d.selectAll(ctx, d.db, &members, ds); err != nil {
		return nil, storeErr(err)
	}
	return members, nil
}

// GetMemberBorrowings returns the member's full lending history, newest first.
func (d *Database) GetMemberBorrowings(ctx context.Context, memberCode string) ([]Borrowing, error) {
	if _, err := d.GetMember(ctx, memberCode); err != nil {
		return nil, err
	}

	ds := d.dialect.From("borrowings").
		Select("id", "member_code", "book_code", "borrowed_at", "returned_at").
		Where(goqu.Ex{"member_code": memberCode}).
		Order(goqu.C("borrowed_at").Desc(), goqu.C("id").Asc()).
		Prepared(true)

	borrowings := []Borrowing{}
	if err := d.selectAll(ctx, d.db, &borrowings, ds); err != nil {
		return nil, storeErr(err)
	}
	return borrowings, nil
}
