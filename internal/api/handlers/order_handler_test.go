package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"riskguard/internal/bot"
	"riskguard/internal/exchange"
)

func TestOrderHandler_GetOrders(t *testing.T) {
	registry := &MockRegistry{
		orders: []*exchange.Order{
			{ID: "s-1", Symbol: "BTC-USDT", PositionSide: "LONG", Type: exchange.OrderTypeStop, StopPrice: 90, Status: exchange.OrderStatusNew},
			{ID: "l-1", Symbol: "BTC-USDT", PositionSide: "LONG", Type: exchange.OrderTypeLimit, Price: 120, Status: exchange.OrderStatusNew},
		},
		updatedAt: time.Now(),
	}
	handler := NewOrderHandler(registry, &MockOrphanCanceller{})

	tests := []struct {
		name      string
		url       string
		wantTotal int
	}{
		{"all live orders", "/api/v1/orders", 2},
		{"only protective", "/api/v1/orders?protective=true", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()
			handler.GetOrders(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
			}
			var response OrdersResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Total != tt.wantTotal || len(response.Orders) != tt.wantTotal {
				t.Errorf("expected %d orders, got %d", tt.wantTotal, response.Total)
			}
			if response.UpdatedAt == nil {
				t.Error("updated_at missing")
			}
		})
	}
}

func TestOrderHandler_CancelOrder(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"cancelled", nil, http.StatusOK},
		{"unknown order", fmt.Errorf("cancel x: %w", bot.ErrOrderNotFound), http.StatusNotFound},
		{"position still open", fmt.Errorf("cancel x: %w", bot.ErrNotOrphan), http.StatusConflict},
		{"exchange error", errors.New("order already filled"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orphans := &MockOrphanCanceller{err: tt.err}
			handler := NewOrderHandler(&MockRegistry{}, orphans)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/s-1/cancel", nil)
			req = mux.SetURLVars(req, map[string]string{"id": "s-1"})
			w := httptest.NewRecorder()
			handler.CancelOrder(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.err == nil && (len(orphans.cancelled) != 1 || orphans.cancelled[0] != "s-1") {
				t.Errorf("expected cancel of s-1, got %v", orphans.cancelled)
			}
		})
	}
}
