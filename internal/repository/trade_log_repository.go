package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"riskguard/internal/models"
)

// Код нарушения уникальности в Postgres
const pgUniqueViolation = "23505"

// TradeLogRepository - журнал ордеров сделки (только добавление)
type TradeLogRepository struct {
	db *sql.DB
}

// NewTradeLogRepository создает новый экземпляр репозитория
func NewTradeLogRepository(db *sql.DB) *TradeLogRepository {
	return &TradeLogRepository{db: db}
}

// Append добавляет запись в журнал
//
// Повтор той же пары (trade_id, order_id) не считается ошибкой:
// запись уже есть, журнал не переписывается.
func (r *TradeLogRepository) Append(ctx context.Context, entry *models.TradeLog) error {
	query := `
		INSERT INTO trade_logs (trade_id, symbol, side, position_side, type, price, stop_price, quantity,
			order_id, client_order_id, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var response interface{}
	if entry.Response != "" {
		response = entry.Response
	}

	err := r.db.QueryRowContext(ctx, query,
		entry.TradeID,
		entry.Symbol,
		entry.Side,
		entry.PositionSide,
		entry.Type,
		entry.Price,
		entry.StopPrice,
		entry.Quantity,
		entry.OrderID,
		entry.ClientOrderID,
		response,
		entry.CreatedAt,
	).Scan(&entry.ID)

	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// GetByTradeID возвращает журнал сделки в порядке записи
func (r *TradeLogRepository) GetByTradeID(ctx context.Context, tradeID int64) ([]*models.TradeLog, error) {
	query := `
		SELECT id, trade_id, symbol, side, position_side, type, price, stop_price, quantity,
			order_id, client_order_id, COALESCE(response::text, ''), created_at
		FROM trade_logs
		WHERE trade_id = $1
		ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.TradeLog
	for rows.Next() {
		entry := &models.TradeLog{}
		var price, stop sql.NullFloat64
		err := rows.Scan(
			&entry.ID,
			&entry.TradeID,
			&entry.Symbol,
			&entry.Side,
			&entry.PositionSide,
			&entry.Type,
			&price,
			&stop,
			&entry.Quantity,
			&entry.OrderID,
			&entry.ClientOrderID,
			&entry.Response,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if price.Valid {
			entry.Price = &price.Float64
		}
		if stop.Valid {
			entry.StopPrice = &stop.Float64
		}
		logs = append(logs, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return logs, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	return false
}
