package bot

import (
	"context"
	"errors"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
)

// ============ Ошибки ============

var (
	ErrStopAlreadyExists   = errors.New("protective stop already exists")
	ErrMissingTradeContext = errors.New("missing trade context")
	ErrPositionExists      = errors.New("position already exists")
	ErrPositionNotOpened   = errors.New("position not found after entry")
	ErrInvalidStop         = errors.New("invalid stop price")
	ErrPassInProgress      = errors.New("supervision pass already running")
	ErrSupervisorStopped   = errors.New("supervisor stopped")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotOrphan           = errors.New("order has a live position")
)

// ============ Зависимости ============

// TradeStore - хранилище сделок (реализация: *repository.TradeRepository)
type TradeStore interface {
	Create(ctx context.Context, trade *models.TradeRecord) error
	GetTradeByMatch(ctx context.Context, symbol, side string) (*models.TradeRecord, error)
	UpdateLeverage(ctx context.Context, id int64, leverage int) error
	UpdatePositionID(ctx context.Context, id int64, positionID string) error
	UpdateOrderIDs(ctx context.Context, id int64, entryOrderID, stopOrderID string) error
	UpdateStopOrderID(ctx context.Context, id int64, stopOrderID string) error
	UpdateStatus(ctx context.Context, id int64, status string) error
}

// Notifier - доставка событий оператору (реализация: *service.NotificationService)
//
// Notify не блокирует; false - событие отброшено.
type Notifier interface {
	Notify(n *models.Notification) bool
}

// FeedSource создаёт поток цен для позиции (реализация: *exchange.FeedFactory)
type FeedSource interface {
	NewFeed(symbol string) exchange.PriceStream
}

// nopNotifier используется, когда уведомления не настроены
type nopNotifier struct{}

func (nopNotifier) Notify(*models.Notification) bool { return false }

func newEvent(kind, symbol, side, message string, meta map[string]interface{}) *models.Notification {
	return &models.Notification{
		Kind:         kind,
		Severity:     models.SeverityForKind(kind),
		Symbol:       symbol,
		PositionSide: side,
		Message:      message,
		Meta:         meta,
	}
}
