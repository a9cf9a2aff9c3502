package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"riskguard/internal/models"
)

// Ошибки репозитория сделок
var (
	ErrTradeNotFound = errors.New("trade not found")
)

// TradeRepository - работа с таблицей trades
//
// Назначение: Data Access Layer для сделок исполнителя
//
// Функции:
// - Create: записать новую сделку
// - GetByID: сделка по id
// - GetTradeByMatch: последняя открытая сделка по символу и стороне
// - UpdateLeverage / UpdatePositionID / UpdateOrderIDs / UpdateStopOrderID / UpdateStatus
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

const tradeColumns = `id, symbol, side, entry_price, stop_price, leverage, quantity, margin, status,
		position_id, entry_order_id, stop_order_id, created_at, updated_at`

func scanTrade(row interface{ Scan(...interface{}) error }) (*models.TradeRecord, error) {
	t := &models.TradeRecord{}
	err := row.Scan(
		&t.ID,
		&t.Symbol,
		&t.Side,
		&t.EntryPrice,
		&t.StopPrice,
		&t.Leverage,
		&t.Quantity,
		&t.Margin,
		&t.Status,
		&t.PositionID,
		&t.EntryOrderID,
		&t.StopOrderID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return t, nil
}

// Create записывает сделку и заполняет ID
func (r *TradeRepository) Create(ctx context.Context, trade *models.TradeRecord) error {
	query := `
		INSERT INTO trades (symbol, side, entry_price, stop_price, leverage, quantity, margin, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	now := time.Now()
	trade.CreatedAt = now
	trade.UpdatedAt = now
	if trade.Status == "" {
		trade.Status = models.TradeStatusOpen
	}

	return r.db.QueryRowContext(ctx, query,
		trade.Symbol,
		trade.Side,
		trade.EntryPrice,
		trade.StopPrice,
		trade.Leverage,
		trade.Quantity,
		trade.Margin,
		trade.Status,
		trade.CreatedAt,
		trade.UpdatedAt,
	).Scan(&trade.ID)
}

// GetByID возвращает сделку по ID
func (r *TradeRepository) GetByID(ctx context.Context, id int64) (*models.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`
	return scanTrade(r.db.QueryRowContext(ctx, query, id))
}

// GetTradeByMatch возвращает последнюю (по id) открытую сделку для символа и стороны
//
// Используется супервизором, чтобы взять исходный стоп и плечо для новой позиции.
func (r *TradeRepository) GetTradeByMatch(ctx context.Context, symbol, side string) (*models.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades
		WHERE symbol = $1 AND side = $2 AND status = $3
		ORDER BY id DESC
		LIMIT 1`
	return scanTrade(r.db.QueryRowContext(ctx, query, symbol, side, models.TradeStatusOpen))
}

// UpdateLeverage сохраняет фактическое плечо после понижения
func (r *TradeRepository) UpdateLeverage(ctx context.Context, id int64, leverage int) error {
	return r.exec(ctx, `UPDATE trades SET leverage = $1, updated_at = $2 WHERE id = $3`, leverage, time.Now(), id)
}

// UpdatePositionID сохраняет id позиции на бирже
func (r *TradeRepository) UpdatePositionID(ctx context.Context, id int64, positionID string) error {
	return r.exec(ctx, `UPDATE trades SET position_id = $1, updated_at = $2 WHERE id = $3`, positionID, time.Now(), id)
}

// UpdateOrderIDs сохраняет id входного ордера и стопа
func (r *TradeRepository) UpdateOrderIDs(ctx context.Context, id int64, entryOrderID, stopOrderID string) error {
	return r.exec(ctx, `UPDATE trades SET entry_order_id = $1, stop_order_id = $2, updated_at = $3 WHERE id = $4`,
		entryOrderID, stopOrderID, time.Now(), id)
}

// UpdateStopOrderID сохраняет id текущего защитного стопа (после переноса)
func (r *TradeRepository) UpdateStopOrderID(ctx context.Context, id int64, stopOrderID string) error {
	return r.exec(ctx, `UPDATE trades SET stop_order_id = $1, updated_at = $2 WHERE id = $3`, stopOrderID, time.Now(), id)
}

// UpdateStatus меняет статус сделки (OPEN, CLOSED, FAILED)
func (r *TradeRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.exec(ctx, `UPDATE trades SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
}

// exec выполняет UPDATE и проверяет, что сделка существует
func (r *TradeRepository) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrTradeNotFound
	}

	return nil
}
