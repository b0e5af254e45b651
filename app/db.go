package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"example/mixreport-api/app/config"

	_ "github.com/lib/pq"
)

// OpenDB connects to Postgres. With no host configured it returns a nil
// handle and the caller falls back to in-memory stores.
func OpenDB(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, nil
	}

	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	d.SetMaxOpenConns(10)
	d.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.PingContext(pingCtx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}
	return d, nil
}
