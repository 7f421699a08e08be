package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dbtasks/pkg/logx"
)

type sqliteDialect struct{}

func (sqliteDialect) name() string           { return "sqlite" }
func (sqliteDialect) rebind(q string) string { return q }
func (sqliteDialect) claimLock() string      { return "" }

// Transactions start with BEGIN IMMEDIATE (see sqliteDSN), so the write lock
// is already held.
func (sqliteDialect) lockBackend(context.Context, *sql.Tx, string) error { return nil }

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; claims serialize on this connection and,
	// across processes, on the file lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := newSQLStore(db, sqliteDialect{}, log)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// sqliteDSN builds a modernc DSN whose transactions begin IMMEDIATE, which
// takes the database write lock up front and makes the claim
// select-then-update atomic across connections.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}
