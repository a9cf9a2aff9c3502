package service

import (
	"context"
	"sync"

	"riskguard/internal/models"
)

// ============ Mock NotificationStore ============

type MockNotificationStore struct {
	mu        sync.Mutex
	saved     []*models.Notification
	createErr error
	getErr    error

	started chan struct{} // сигнал о входе в Create (может быть nil)
	release chan struct{} // Create ждёт закрытия (может быть nil)
}

func NewMockNotificationStore() *MockNotificationStore {
	return &MockNotificationStore{}
}

func (m *MockNotificationStore) Create(ctx context.Context, n *models.Notification) error {
	if m.started != nil {
		select {
		case m.started <- struct{}{}:
		default:
		}
	}
	if m.release != nil {
		<-m.release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	n.ID = int64(len(m.saved) + 1)
	m.saved = append(m.saved, n)
	return nil
}

func (m *MockNotificationStore) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	result := make([]*models.Notification, 0, limit)
	for i := len(m.saved) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, m.saved[i])
	}
	return result, nil
}

func (m *MockNotificationStore) Saved() []*models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Notification(nil), m.saved...)
}

// ============ Mock NotificationPublisher ============

type MockPublisher struct {
	mu        sync.Mutex
	published []*models.Notification
}

func (m *MockPublisher) PublishNotification(n *models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, n)
}

func (m *MockPublisher) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}
