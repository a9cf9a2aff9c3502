package handlers

import (
	"context"
	"time"

	"riskguard/internal/bot"
	"riskguard/internal/exchange"
	"riskguard/internal/models"
)

// Supervisor - то, что API использует у *bot.PositionSupervisor
type Supervisor interface {
	Snapshot() []bot.PositionView
	LastPass() (time.Time, error)
	Supervise(ctx context.Context) error
}

// OrderRegistry - то, что API использует у *bot.OpenOrderRegistry
type OrderRegistry interface {
	Live() []*exchange.Order
	UpdatedAt() time.Time
}

// OrphanCanceller - явная отмена ордера-сироты (*bot.OrphanReconciler)
type OrphanCanceller interface {
	CancelOrphan(ctx context.Context, orderID string) error
}

// TradeExecutor - вход в сделку (*bot.TradeExecutor)
type TradeExecutor interface {
	Execute(ctx context.Context, req bot.TradeRequest) (*bot.ExecutionResult, error)
}

// NotificationReader - журнал уведомлений (*service.NotificationService)
type NotificationReader interface {
	Recent(ctx context.Context, limit int) ([]*models.Notification, error)
}
