package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements - таблицы супервизора; идемпотентны, применяются при старте
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(30) NOT NULL,
		side VARCHAR(10) NOT NULL,
		entry_price DECIMAL(30, 12) NOT NULL,
		stop_price DECIMAL(30, 12) NOT NULL DEFAULT 0,
		leverage INT NOT NULL,
		quantity DECIMAL(30, 8) NOT NULL DEFAULT 0,
		margin DECIMAL(20, 8) NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL DEFAULT 'OPEN',
		position_id VARCHAR(64) NOT NULL DEFAULT '',
		entry_order_id VARCHAR(64) NOT NULL DEFAULT '',
		stop_order_id VARCHAR(64) NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT NOW(),
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_match ON trades (symbol, side, status, id DESC)`,
	`CREATE TABLE IF NOT EXISTS trade_logs (
		id BIGSERIAL PRIMARY KEY,
		trade_id BIGINT NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
		symbol VARCHAR(30) NOT NULL,
		side VARCHAR(10) NOT NULL,
		position_side VARCHAR(10) NOT NULL,
		type VARCHAR(30) NOT NULL,
		price DECIMAL(30, 12),
		stop_price DECIMAL(30, 12),
		quantity DECIMAL(30, 8) NOT NULL,
		order_id VARCHAR(64) NOT NULL,
		client_order_id VARCHAR(64) NOT NULL DEFAULT '',
		response JSONB,
		created_at TIMESTAMP DEFAULT NOW(),
		UNIQUE (trade_id, order_id)
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id BIGSERIAL PRIMARY KEY,
		event_id UUID NOT NULL UNIQUE,
		timestamp TIMESTAMP DEFAULT NOW(),
		kind VARCHAR(30) NOT NULL,
		severity VARCHAR(10) DEFAULT 'info',
		symbol VARCHAR(30) NOT NULL DEFAULT '',
		position_side VARCHAR(10) NOT NULL DEFAULT '',
		order_id VARCHAR(64) NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		meta JSONB DEFAULT '{}'
	)`,
}

// Migrate создаёт недостающие таблицы и индексы
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}
