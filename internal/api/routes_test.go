package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"riskguard/internal/bot"
	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/internal/websocket"
	"riskguard/pkg/crypto"
)

type stubSupervisor struct{}

func (stubSupervisor) Snapshot() []bot.PositionView        { return nil }
func (stubSupervisor) LastPass() (time.Time, error)        { return time.Time{}, nil }
func (stubSupervisor) Supervise(ctx context.Context) error { return nil }

type stubRegistry struct{}

func (stubRegistry) Live() []*exchange.Order { return nil }
func (stubRegistry) UpdatedAt() time.Time    { return time.Time{} }

type stubOrphans struct{}

func (stubOrphans) CancelOrphan(ctx context.Context, orderID string) error { return nil }

type stubNotifications struct{}

func (stubNotifications) Recent(ctx context.Context, limit int) ([]*models.Notification, error) {
	return nil, nil
}

func TestSetupRoutes(t *testing.T) {
	hash, err := crypto.HashToken("ops-secret", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}

	router := SetupRoutes(&Dependencies{
		Supervisor:    stubSupervisor{},
		Registry:      stubRegistry{},
		Orphans:       stubOrphans{},
		Notifications: stubNotifications{},
		Hub:           websocket.NewHub(websocket.HubConfig{}, nil),
		TokenHash:     hash,
	})

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"health is public", http.MethodGet, "/health", "", http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", "", http.StatusOK},
		{"positions requires token", http.MethodGet, "/api/v1/positions", "", http.StatusUnauthorized},
		{"positions with token", http.MethodGet, "/api/v1/positions", "ops-secret", http.StatusOK},
		{"supervise with token", http.MethodPost, "/api/v1/supervise", "ops-secret", http.StatusOK},
		{"orders with token", http.MethodGet, "/api/v1/orders", "ops-secret", http.StatusOK},
		{"cancel with token", http.MethodPost, "/api/v1/orders/s-1/cancel", "ops-secret", http.StatusOK},
		{"notifications with token", http.MethodGet, "/api/v1/notifications", "ops-secret", http.StatusOK},
		{"stream requires token", http.MethodGet, "/api/v1/stream", "", http.StatusUnauthorized},
		{"stream without upgrade headers", http.MethodGet, "/api/v1/stream", "ops-secret", http.StatusBadRequest},
		{"trades disabled without executor", http.MethodPost, "/api/v1/trades", "ops-secret", http.StatusNotFound},
		{"wrong method", http.MethodDelete, "/health", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("%s %s: expected status %d, got %d", tt.method, tt.path, tt.wantStatus, w.Code)
			}
		})
	}
}

func TestSetupRoutes_NilDependencies(t *testing.T) {
	router := SetupRoutes(nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}
