package models

import "time"

// TradeRecord представляет сделку, открытую исполнителем
//
// StopPrice - исходный стоп из торгового сигнала. Он задаёт базовый риск
// для переноса стопа в безубыток и не меняется после открытия.
type TradeRecord struct {
	ID           int64     `json:"id" db:"id"`
	Symbol       string    `json:"symbol" db:"symbol"`           // BTC-USDT
	Side         string    `json:"side" db:"side"`               // LONG / SHORT
	EntryPrice   float64   `json:"entry_price" db:"entry_price"` // цена на момент входа
	StopPrice    float64   `json:"stop_price" db:"stop_price"`   // исходный стоп
	Leverage     int       `json:"leverage" db:"leverage"`       // фактическое плечо (после понижений)
	Quantity     float64   `json:"quantity" db:"quantity"`
	Margin       float64   `json:"margin" db:"margin"` // USDT на сделку
	Status       string    `json:"status" db:"status"` // OPEN, CLOSED, FAILED
	PositionID   string    `json:"position_id,omitempty" db:"position_id"`
	EntryOrderID string    `json:"entry_order_id,omitempty" db:"entry_order_id"`
	StopOrderID  string    `json:"stop_order_id,omitempty" db:"stop_order_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Статусы сделки
const (
	TradeStatusOpen   = "OPEN"
	TradeStatusClosed = "CLOSED"
	TradeStatusFailed = "FAILED" // вход не состоялся
)

// HasStop - у сделки есть исходный стоп, от которого считается риск
func (t *TradeRecord) HasStop() bool {
	return t != nil && t.StopPrice > 0
}
