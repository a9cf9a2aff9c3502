package models

import "time"

// Notification представляет уведомление о событии супервизора
type Notification struct {
	ID           int64                  `json:"id" db:"id"`
	EventID      string                 `json:"event_id" db:"event_id"` // uuid, для дедупликации на стороне получателя
	Timestamp    time.Time              `json:"timestamp" db:"timestamp"`
	Kind         string                 `json:"kind" db:"kind"`
	Severity     string                 `json:"severity" db:"severity"` // info, warn, error
	Symbol       string                 `json:"symbol,omitempty" db:"symbol"`
	PositionSide string                 `json:"position_side,omitempty" db:"position_side"`
	OrderID      string                 `json:"order_id,omitempty" db:"order_id"`
	Message      string                 `json:"message" db:"message"`
	Meta         map[string]interface{} `json:"meta,omitempty" db:"meta"` // цены, id сделки (JSON в БД)
}

// Типы уведомлений
const (
	NotificationStopCreated     = "STOP_CREATED"     // выставлен защитный стоп
	NotificationStopMoved       = "STOP_MOVED"       // стоп перенесён в безубыток
	NotificationStopError       = "STOP_ERROR"       // не удалось выставить/перенести стоп
	NotificationLiquidationRisk = "LIQUIDATION_RISK" // стоп за ценой ликвидации
	NotificationOrphanOrder     = "ORPHAN_ORDER"     // ордер без позиции
	NotificationFeedFailed      = "FEED_FAILED"      // поток цен исчерпал переподключения
	NotificationTradeOpened     = "TRADE_OPENED"     // сделка открыта исполнителем
	NotificationError           = "ERROR"            // прочие ошибки
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// SeverityForKind возвращает уровень важности по умолчанию для типа события
func SeverityForKind(kind string) string {
	switch kind {
	case NotificationStopCreated, NotificationStopMoved, NotificationTradeOpened:
		return SeverityInfo
	case NotificationOrphanOrder, NotificationFeedFailed:
		return SeverityWarn
	default:
		return SeverityError
	}
}
