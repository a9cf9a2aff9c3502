package exchange

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"
)

// Gateway - операции биржи, которые нужны супервизору позиций
//
// Реализация: *BingX. В тестах bot подставляется mock.
type Gateway interface {
	// GetPositions возвращает все ненулевые позиции аккаунта
	GetPositions(ctx context.Context) ([]*Position, error)

	// GetOpenOrders возвращает открытые ордера (все статусы, что вернула биржа)
	GetOpenOrders(ctx context.Context) ([]*Order, error)

	// PlaceOrder размещает ордер; для STOP/TRIGGER_LIMIT/LIMIT применяет смещение активации
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)

	// CancelOrder отменяет ордер по id
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// CancelReplace атомарно (на стороне биржи) заменяет ордер cancelOrderID новым
	CancelReplace(ctx context.Context, cancelOrderID string, req OrderRequest) (*OrderAck, error)

	// SetLeverage устанавливает плечо для символа и стороны
	SetLeverage(ctx context.Context, symbol, side string, leverage int) error

	// GetPrice возвращает последнюю цену символа
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Position - открытая позиция в том виде, как её вернула биржа
//
// Супервизор никогда не меняет Position локально, только заменяет целиком.
type Position struct {
	Symbol           string    `json:"symbol"`        // BTC-USDT
	Side             string    `json:"position_side"` // LONG / SHORT
	Amount           float64   `json:"amount"`        // со знаком, как отдаёт биржа
	EntryPrice       float64   `json:"entry_price"`
	MarkPrice        float64   `json:"mark_price"`
	Margin           float64   `json:"margin"`
	UnrealizedPnl    float64   `json:"unrealized_pnl"`
	LiquidationPrice float64   `json:"liquidation_price"`
	Leverage         int       `json:"leverage"`
	PositionID       string    `json:"position_id"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Size возвращает абсолютный размер позиции
func (p *Position) Size() float64 {
	if p.Amount < 0 {
		return -p.Amount
	}
	return p.Amount
}

// Key возвращает ключ позиции SYMBOL_SIDE
func (p *Position) Key() string {
	return PositionKey(p.Symbol, p.Side)
}

// Order - ордер биржи
type Order struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`          // BUY / SELL
	PositionSide  string    `json:"position_side"` // LONG / SHORT
	Type          string    `json:"type"`
	Price         float64   `json:"price"`
	StopPrice     float64   `json:"stop_price"`
	Quantity      float64   `json:"quantity"`
	Status        string    `json:"status"`
	ClientOrderID string    `json:"client_order_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsLive - ордер ещё может исполниться (NEW или PARTIALLY_FILLED)
func (o *Order) IsLive() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

// IsProtective - стоп-ордер, защищающий позицию
func (o *Order) IsProtective() bool {
	return o.Type == OrderTypeStop || o.Type == OrderTypeStopMarket
}

// Key возвращает ключ позиции, к которой относится ордер
func (o *Order) Key() string {
	return PositionKey(o.Symbol, o.PositionSide)
}

// OrderRequest - параметры размещения ордера
type OrderRequest struct {
	Symbol       string
	Side         string // BUY / SELL
	PositionSide string // LONG / SHORT
	Type         string
	Price        float64 // 0 для MARKET
	StopPrice    float64 // 0 если не используется
	Quantity     float64
	TradeID      int64  // 0 = ордер не привязан к сделке
	PositionID   string // опционально
	ReduceOnly   bool
}

// OrderAck - подтверждение биржи о принятом ордере
type OrderAck struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Raw           []byte `json:"-"` // тело ответа биржи для журнала
}

// PositionKey собирает ключ позиции SYMBOL_SIDE
func PositionKey(symbol, side string) string {
	return symbol + "_" + side
}

// CloseSide возвращает сторону ордера, закрывающего позицию
func CloseSide(positionSide string) string {
	if positionSide == SideShort {
		return SideBuy
	}
	return SideSell
}

// OpenSide возвращает сторону ордера, открывающего позицию
func OpenSide(positionSide string) string {
	if positionSide == SideShort {
		return SideSell
	}
	return SideBuy
}

// ============ Ошибки ============

var (
	ErrFeedClosed        = errors.New("price feed closed")
	ErrFeedExhausted     = errors.New("price feed reconnect attempts exhausted")
	ErrMalformedResponse = errors.New("malformed exchange response")
)

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return e.Exchange + ": [" + e.Code + "] " + e.Message
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

var maxPositionValuePattern = regexp.MustCompile(`The maximum position value for this leverage is ([\d.]+) USDT`)

// MaxPositionValue распознаёт отказ "стоимость позиции превышает лимит для плеча"
// и возвращает лимит в USDT
func MaxPositionValue(err error) (float64, bool) {
	if err == nil {
		return 0, false
	}
	m := maxPositionValuePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	limit, parseErr := strconv.ParseFloat(m[1], 64)
	if parseErr != nil {
		return 0, true
	}
	return limit, true
}

// ============ Константы ============

// Стороны ордера
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Стороны позиции
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Типы ордеров
const (
	OrderTypeMarket             = "MARKET"
	OrderTypeLimit              = "LIMIT"
	OrderTypeStop               = "STOP"
	OrderTypeStopMarket         = "STOP_MARKET"
	OrderTypeTriggerLimit       = "TRIGGER_LIMIT"
	OrderTypeTrailingStopMarket = "TRAILING_STOP_MARKET"
)

// Статусы ордеров
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)
