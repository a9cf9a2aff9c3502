package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"riskguard/internal/bot"
	"riskguard/internal/exchange"
)

// OrderHandler - открытые ордера и отмена сирот
//
// Endpoints:
// - GET /api/v1/orders - последний снимок реестра (?protective=true - только стопы)
// - POST /api/v1/orders/{id}/cancel - отменить ордер без позиции
type OrderHandler struct {
	registry OrderRegistry
	orphans  OrphanCanceller
}

// NewOrderHandler создает OrderHandler
func NewOrderHandler(registry OrderRegistry, orphans OrphanCanceller) *OrderHandler {
	return &OrderHandler{registry: registry, orphans: orphans}
}

// OrdersResponse - ответ GET /orders
type OrdersResponse struct {
	Orders    []*exchange.Order `json:"orders"`
	Total     int               `json:"total"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`
}

// GetOrders возвращает живые ордера из реестра (без запроса к бирже)
func (h *OrderHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	onlyProtective := r.URL.Query().Get("protective") == "true"

	orders := make([]*exchange.Order, 0)
	for _, o := range h.registry.Live() {
		if onlyProtective && !o.IsProtective() {
			continue
		}
		orders = append(orders, o)
	}

	resp := OrdersResponse{Orders: orders, Total: len(orders)}
	if updated := h.registry.UpdatedAt(); !updated.IsZero() {
		resp.UpdatedAt = &updated
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// CancelOrder отменяет ордер-сироту
//
// HTTP коды:
// - 200 OK: ордер отменён
// - 404 Not Found: ордера нет в реестре
// - 409 Conflict: у ордера есть живая позиция
// - 502 Bad Gateway: ошибка биржи
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "order id is required")
		return
	}

	err := h.orphans.CancelOrphan(r.Context(), id)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "Order cancelled", Data: map[string]string{"order_id": id}})
	case errors.Is(err, bot.ErrOrderNotFound):
		respondWithError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, bot.ErrNotOrphan):
		respondWithError(w, http.StatusConflict, CodeConflict, err.Error())
	default:
		respondWithError(w, http.StatusBadGateway, CodeExchangeFail, "Failed to cancel order: "+err.Error())
	}
}
