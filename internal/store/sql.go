package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	pq "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"visualgrid/internal/config"
	"visualgrid/internal/rgrid"
)

// SQLStore keeps resource content in a relational database. Both PostgreSQL
// and SQLite share one resources table keyed by hash.
type SQLStore struct {
	db          *sql.DB
	driver      string
	autoMigrate bool
	logger      *slog.Logger
}

// OpenSQL connects to the database named by cfg and prepares its schema.
func OpenSQL(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*SQLStore, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("store config missing driver or dsn")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg.DSN)
	case "postgres":
		db, err = openPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, driver: cfg.Driver, autoMigrate: cfg.AutoMigrate, logger: logger}
	if cfg.AutoMigrate || cfg.Driver == "sqlite" {
		if err := s.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func openSQLite(ctx context.Context, dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout=5000;")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous=NORMAL;")
	return db, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if !isMissingDatabaseErr(err) {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		if err := createDatabase(pingCtx, dsn); err != nil {
			return nil, err
		}
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	return db, nil
}

// Has reports whether content with hash is stored.
func (s *SQLStore) Has(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM resources WHERE hash = $1`), hash).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query resource: %w", err)
	}
	return true, nil
}

// Put inserts the resource content unless its hash is already present.
func (s *SQLStore) Put(ctx context.Context, res *rgrid.Resource) error {
	if res.Failed() {
		return ErrNoContent
	}
	if err := s.insert(ctx, res); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.insert(ctx, res); retryErr != nil {
				return fmt.Errorf("insert resource: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (s *SQLStore) insert(ctx context.Context, res *rgrid.Resource) error {
	query := s.rebind(`
        INSERT INTO resources (hash, content_type, content, created_at)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (hash) DO NOTHING
    `)
	content := res.Content
	if content == nil {
		content = []byte{}
	}
	var created any = time.Now().UTC()
	if s.driver == "sqlite" {
		created = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx, query, res.Hash(), res.ContentType, content, created)
	return err
}

// Close closes the underlying DB connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites $n placeholders for drivers that only take '?'.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "sqlite" {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	if s.driver == "sqlite" {
		return s.migrateSQLite(schemaCtx)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS resources (
		    hash TEXT PRIMARY KEY,
		    content_type TEXT NOT NULL,
		    content BYTEA NOT NULL,
		    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_resources_created_at ON resources (created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) migrateSQLite(ctx context.Context) error {
	var ver int
	_ = s.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&ver)
	if ver >= 1 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS resources (
  hash          TEXT PRIMARY KEY,
  content_type  TEXT NOT NULL,
  content       BLOB NOT NULL,
  created_at    INTEGER NOT NULL
);
`)
	if err == nil {
		_, err = tx.ExecContext(ctx, "PRAGMA user_version=1;")
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migrate v1: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("resource store migrated", "driver", s.driver, "version", 1)
	return nil
}

func isMissingDatabaseErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, dsn string) error {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open("postgres", parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "no such table") ||
		(strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist"))
}
