package websocket

import (
	"time"

	"riskguard/internal/bot"
	"riskguard/internal/models"
)

// MessageType определяет тип сообщения потока
type MessageType string

// Типы сообщений потока
const (
	// MessageTypeNotification - событие супервизора (стоп перенесён, сирота, ошибка ленты)
	// Отправляется сразу после сохранения уведомления
	MessageTypeNotification MessageType = "notification"

	// MessageTypePositions - снимок позиций под наблюдением
	// Отправляется раз в OPS_STREAM_INTERVAL, пока есть подписчики
	MessageTypePositions MessageType = "positions"
)

// BaseMessage - общие поля всех сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// NotificationMessage - одно событие
type NotificationMessage struct {
	BaseMessage
	Data *NotificationData `json:"data"`
}

// NotificationData - данные события для клиента
type NotificationData struct {
	ID           int64                  `json:"id,omitempty"`
	EventID      string                 `json:"event_id"`
	Kind         string                 `json:"kind"`
	Severity     string                 `json:"severity"`
	Symbol       string                 `json:"symbol,omitempty"`
	PositionSide string                 `json:"position_side,omitempty"`
	OrderID      string                 `json:"order_id,omitempty"`
	Message      string                 `json:"message"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// PositionsMessage - снимок позиций
type PositionsMessage struct {
	BaseMessage
	Total     int            `json:"total"`
	Positions []PositionData `json:"positions"`
}

// PositionData - позиция глазами оператора
//
// Protected: есть стоп, и он уже не хуже цены входа (безубыток достигнут).
type PositionData struct {
	Key              string    `json:"key"`
	Symbol           string    `json:"symbol"`
	Side             string    `json:"position_side"`
	Amount           float64   `json:"amount"`
	EntryPrice       float64   `json:"entry_price"`
	LastPrice        float64   `json:"last_price"`
	StopPrice        float64   `json:"stop_price"`
	OriginalStop     float64   `json:"original_stop"`
	LiquidationPrice float64   `json:"liquidation_price"`
	UnrealizedPnl    float64   `json:"unrealized_pnl"`
	Leverage         int       `json:"leverage"`
	FeedState        string    `json:"feed_state"`
	HasStop          bool      `json:"has_stop"`
	Protected        bool      `json:"protected"`
	LastTickAt       time.Time `json:"last_tick_at,omitempty"`
}

// NewNotificationMessage создает сообщение из уведомления
func NewNotificationMessage(n *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeNotification,
			Timestamp: time.Now(),
		},
		Data: &NotificationData{
			ID:           n.ID,
			EventID:      n.EventID,
			Kind:         n.Kind,
			Severity:     n.Severity,
			Symbol:       n.Symbol,
			PositionSide: n.PositionSide,
			OrderID:      n.OrderID,
			Message:      n.Message,
			Meta:         n.Meta,
			OccurredAt:   n.Timestamp,
		},
	}
}

// NewPositionsMessage создает снимок из представлений супервизора
func NewPositionsMessage(views []bot.PositionView) *PositionsMessage {
	positions := make([]PositionData, 0, len(views))
	for _, v := range views {
		positions = append(positions, PositionData{
			Key:              v.Key,
			Symbol:           v.Symbol,
			Side:             v.Side,
			Amount:           v.Amount,
			EntryPrice:       v.EntryPrice,
			LastPrice:        v.LastPrice,
			StopPrice:        v.StopPrice,
			OriginalStop:     v.OriginalStop,
			LiquidationPrice: v.LiquidationPrice,
			UnrealizedPnl:    v.UnrealizedPnl,
			Leverage:         v.Leverage,
			FeedState:        v.FeedState,
			HasStop:          v.StopPrice > 0,
			Protected:        isProtected(v),
			LastTickAt:       v.LastTickAt,
		})
	}

	return &PositionsMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypePositions,
			Timestamp: time.Now(),
		},
		Total:     len(positions),
		Positions: positions,
	}
}

func isProtected(v bot.PositionView) bool {
	if v.StopPrice <= 0 || v.EntryPrice <= 0 {
		return false
	}
	if v.Side == "SHORT" {
		return v.StopPrice <= v.EntryPrice
	}
	return v.StopPrice >= v.EntryPrice
}
