package models

import "time"

// TradeLog - запись журнала ордеров сделки (только добавление)
//
// Price и StopPrice - значения, отправленные на биржу; nil если параметр
// не передавался. Response хранит сырой ответ биржи.
type TradeLog struct {
	ID            int64     `json:"id" db:"id"`
	TradeID       int64     `json:"trade_id" db:"trade_id"`
	Symbol        string    `json:"symbol" db:"symbol"`
	Side          string    `json:"side" db:"side"`                   // BUY / SELL
	PositionSide  string    `json:"position_side" db:"position_side"` // LONG / SHORT
	Type          string    `json:"type" db:"type"`
	Price         *float64  `json:"price,omitempty" db:"price"`
	StopPrice     *float64  `json:"stop_price,omitempty" db:"stop_price"`
	Quantity      float64   `json:"quantity" db:"quantity"`
	OrderID       string    `json:"order_id" db:"order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty" db:"client_order_id"`
	Response      string    `json:"response" db:"response"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// OptionalPrice возвращает nil для нулевой цены
func OptionalPrice(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}
