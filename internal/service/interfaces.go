package service

import (
	"context"

	"riskguard/internal/models"
)

// NotificationStore - хранилище уведомлений
//
// Реализация: *repository.NotificationRepository. В тестах - mock.
type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	GetRecent(ctx context.Context, limit int) ([]*models.Notification, error)
}

// NotificationPublisher - живой поток событий для ops клиентов
//
// Реализация: *websocket.Hub. Вызывается после сохранения события,
// не должна блокировать worker.
type NotificationPublisher interface {
	PublishNotification(n *models.Notification)
}
