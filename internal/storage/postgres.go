package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"dbtasks/pkg/logx"
)

type postgresDialect struct{}

func (postgresDialect) name() string           { return "postgres" }
func (postgresDialect) rebind(q string) string { return rebindDollar(q) }

// Concurrent claimers skip each other's locked rows instead of queueing
// behind them.
func (postgresDialect) claimLock() string { return " FOR UPDATE SKIP LOCKED" }

func (postgresDialect) lockBackend(ctx context.Context, tx *sql.Tx, backend string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "dbtasks:"+backend)
	return err
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := newSQLStore(db, postgresDialect{}, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres store opened")
	return st, nil
}
