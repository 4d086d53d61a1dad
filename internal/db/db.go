package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so store functions can
// run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the database connection
type DB struct {
	conn *sql.DB
	path string
}

// Open opens an existing database and runs any pending migrations
func Open(path string) (*DB, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: run 'medsync init' first")
	}
	return open(path)
}

// Initialize creates the database if needed and runs migrations
func Initialize(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(path)
}

func open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db, err := OpenConn(conn)
	if err != nil {
		return nil, err
	}
	db.path = path
	return db, nil
}

// OpenConn prepares an already opened connection: pragmas, schema and
// migrations. Tests use it with an in-memory mattn/go-sqlite3 handle.
func OpenConn(conn *sql.DB) (*DB, error) {
	// A single connection serializes writers and keeps :memory: databases shared.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	db := &DB{conn: conn}
	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying connection for queries outside a transaction.
// Never use it while a WithTx callback is running: the pool holds one connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Path returns the database file path, empty for wrapped connections.
func (db *DB) Path() string {
	return db.path
}

// WithTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ServerInfo identifies this server to its peers.
type ServerInfo struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

// EnsureServerInfo returns the local identity, creating it on first use.
// nickname is only used when the identity does not exist yet.
func EnsureServerInfo(ctx context.Context, q Querier, nickname string) (ServerInfo, error) {
	info, err := GetServerInfo(ctx, q)
	if err == nil {
		return info, nil
	}
	if err != sql.ErrNoRows {
		return ServerInfo{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return ServerInfo{}, fmt.Errorf("generate server id: %w", err)
	}
	if nickname == "" {
		nickname = id.String()[:8]
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO server_info (key, value) VALUES ('server_id', ?), ('nickname', ?)`,
		id.String(), nickname); err != nil {
		return ServerInfo{}, fmt.Errorf("store server info: %w", err)
	}
	return ServerInfo{ID: id.String(), Nickname: nickname}, nil
}

// GetServerInfo returns sql.ErrNoRows before EnsureServerInfo has run.
func GetServerInfo(ctx context.Context, q Querier) (ServerInfo, error) {
	var info ServerInfo
	if err := q.QueryRowContext(ctx, `SELECT value FROM server_info WHERE key = 'server_id'`).Scan(&info.ID); err != nil {
		return ServerInfo{}, err
	}
	if err := q.QueryRowContext(ctx, `SELECT value FROM server_info WHERE key = 'nickname'`).Scan(&info.Nickname); err != nil {
		return ServerInfo{}, err
	}
	return info, nil
}

func toNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNS(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
