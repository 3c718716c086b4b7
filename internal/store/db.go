package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/invoiceflow/invoiceflow/internal/common"
)

// Schema notes: the partial unique index is the dedup backstop. It only
// covers processed rows, so in-flight bookkeeping rows and review rows for
// the same invoice never collide with it. received_at is written on insert
// and never touched by updates.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS invoices (
		id              UUID PRIMARY KEY,
		invoice_number  TEXT,
		total_amount    NUMERIC(10,2),
		due_date        DATE,
		sender_whatsapp TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'processed',
		error_kind      TEXT,
		received_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS invoices_sender_number_processed
		ON invoices (sender_whatsapp, invoice_number)
		WHERE invoice_number IS NOT NULL AND status = 'processed'`,
	`CREATE INDEX IF NOT EXISTS invoices_status ON invoices (status)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS invoices (
		id              TEXT PRIMARY KEY,
		invoice_number  TEXT,
		total_amount    REAL,
		due_date        DATE,
		sender_whatsapp TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'processed',
		error_kind      TEXT,
		received_at     TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS invoices_sender_number_processed
		ON invoices (sender_whatsapp, invoice_number)
		WHERE invoice_number IS NOT NULL AND status = 'processed'`,
	`CREATE INDEX IF NOT EXISTS invoices_status ON invoices (status)`,
}

// Open connects per the configured driver, applies pool settings, verifies
// the connection, and ensures the schema exists.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var driver string
	var schema []string
	switch cfg.Driver {
	case "postgres", "pgx", "":
		driver, schema = "pgx", postgresSchema
	case "sqlite":
		driver, schema = "sqlite", sqliteSchema
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(int(cfg.MaxConns))
	db.SetMaxIdleConns(int(cfg.MinConns))
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	db.SetConnMaxIdleTime(cfg.MaxConnIdleTime)

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	logger.Info("store.open", "driver", driver, "max_conns", cfg.MaxConns)
	return db, nil
}
