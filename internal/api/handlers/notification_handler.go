package handlers

import (
	"net/http"
	"strings"
	"time"

	"riskguard/internal/models"
)

// NotificationHandler отвечает за журнал уведомлений
//
// Endpoints:
// - GET /api/v1/notifications - последние уведомления
// - GET /api/v1/notifications?kinds=STOP_MOVED,ORPHAN_ORDER - с фильтрацией по типам
// - GET /api/v1/notifications?limit=50 - с ограничением количества
type NotificationHandler struct {
	notifications NotificationReader
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(notifications NotificationReader) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []NotificationDTO `json:"notifications"`
	Total         int               `json:"total"`
}

// NotificationDTO представляет уведомление в API
type NotificationDTO struct {
	ID           int64                  `json:"id"`
	EventID      string                 `json:"event_id"`
	Timestamp    string                 `json:"timestamp"`
	Kind         string                 `json:"kind"`
	Severity     string                 `json:"severity"`
	Symbol       string                 `json:"symbol,omitempty"`
	PositionSide string                 `json:"position_side,omitempty"`
	OrderID      string                 `json:"order_id,omitempty"`
	Message      string                 `json:"message"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
}

// GetNotifications возвращает уведомления, новые первыми
//
// Query параметры:
// - kinds (string): фильтр по типам через запятую
// - limit (int): количество записей (по умолчанию 100, максимум 500)
//
// HTTP коды:
// - 200 OK
// - 500 Internal Server Error: ошибка чтения журнала
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	kinds := parseKinds(r.URL.Query().Get("kinds"))
	limit := parseLimit(r, 100, 500)

	notifications, err := h.notifications.Recent(r.Context(), limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to get notifications: "+err.Error())
		return
	}

	dtos := make([]NotificationDTO, 0, len(notifications))
	for _, n := range notifications {
		if len(kinds) > 0 && !kinds[n.Kind] {
			continue
		}
		dtos = append(dtos, toNotificationDTO(n))
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: dtos,
		Total:         len(dtos),
	})
}

func parseKinds(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	kinds := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			kinds[strings.ToUpper(trimmed)] = true
		}
	}
	return kinds
}

func toNotificationDTO(n *models.Notification) NotificationDTO {
	return NotificationDTO{
		ID:           n.ID,
		EventID:      n.EventID,
		Timestamp:    n.Timestamp.Format(time.RFC3339),
		Kind:         n.Kind,
		Severity:     n.Severity,
		Symbol:       n.Symbol,
		PositionSide: n.PositionSide,
		OrderID:      n.OrderID,
		Message:      n.Message,
		Meta:         n.Meta,
	}
}
