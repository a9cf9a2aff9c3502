package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"riskguard/internal/models"
)

// NotificationRepository - работа с таблицей notifications
//
// Назначение: журнал уведомлений супервизора
//
// Функции:
// - Create: сохранить уведомление
// - GetRecent: последние N уведомлений
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create сохраняет уведомление и заполняет ID
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (event_id, timestamp, kind, severity, symbol, position_side, order_id, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var meta []byte
	if len(n.Meta) > 0 {
		var err error
		meta, err = json.Marshal(n.Meta)
		if err != nil {
			return err
		}
	}

	return r.db.QueryRowContext(ctx, query,
		n.EventID,
		n.Timestamp,
		n.Kind,
		n.Severity,
		n.Symbol,
		n.PositionSide,
		n.OrderID,
		n.Message,
		meta,
	).Scan(&n.ID)
}

// GetRecent возвращает последние limit уведомлений, новые первыми
func (r *NotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, event_id, timestamp, kind, severity, symbol, position_side, order_id, message, meta
		FROM notifications
		ORDER BY timestamp DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var meta []byte
		err := rows.Scan(
			&n.ID,
			&n.EventID,
			&n.Timestamp,
			&n.Kind,
			&n.Severity,
			&n.Symbol,
			&n.PositionSide,
			&n.OrderID,
			&n.Message,
			&meta,
		)
		if err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Meta); err != nil {
				return nil, err
			}
		}
		result = append(result, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
