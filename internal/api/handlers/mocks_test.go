package handlers

import (
	"context"
	"sync"
	"time"

	"riskguard/internal/bot"
	"riskguard/internal/exchange"
	"riskguard/internal/models"
)

// ============ Mock Supervisor ============

type MockSupervisor struct {
	mu        sync.Mutex
	views     []bot.PositionView
	lastPass  time.Time
	lastErr   error
	superErr  error
	passCalls int
}

func (m *MockSupervisor) Snapshot() []bot.PositionView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bot.PositionView(nil), m.views...)
}

func (m *MockSupervisor) LastPass() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPass, m.lastErr
}

func (m *MockSupervisor) Supervise(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passCalls++
	if m.superErr == nil {
		m.lastPass = time.Now()
	}
	return m.superErr
}

// ============ Mock Registry / Orphans ============

type MockRegistry struct {
	orders    []*exchange.Order
	updatedAt time.Time
}

func (m *MockRegistry) Live() []*exchange.Order { return m.orders }
func (m *MockRegistry) UpdatedAt() time.Time    { return m.updatedAt }

type MockOrphanCanceller struct {
	err       error
	cancelled []string
}

func (m *MockOrphanCanceller) CancelOrphan(ctx context.Context, orderID string) error {
	if m.err != nil {
		return m.err
	}
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

// ============ Mock Executor ============

type MockTradeExecutor struct {
	result *bot.ExecutionResult
	err    error
	calls  []bot.TradeRequest
}

func (m *MockTradeExecutor) Execute(ctx context.Context, req bot.TradeRequest) (*bot.ExecutionResult, error) {
	m.calls = append(m.calls, req)
	return m.result, m.err
}

// ============ Mock Notifications ============

type MockNotificationReader struct {
	notifications []*models.Notification
	err           error
	lastLimit     int
}

func (m *MockNotificationReader) Recent(ctx context.Context, limit int) ([]*models.Notification, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	if limit < len(m.notifications) {
		return m.notifications[:limit], nil
	}
	return m.notifications, nil
}

func (m *MockNotificationReader) Add(kind, message string) {
	m.notifications = append(m.notifications, &models.Notification{
		ID:        int64(len(m.notifications) + 1),
		EventID:   "evt",
		Timestamp: time.Now(),
		Kind:      kind,
		Severity:  models.SeverityForKind(kind),
		Message:   message,
	})
}
