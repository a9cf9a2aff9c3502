package bot

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// ============ Решение о переносе стопа ============

// Reason - почему принято решение
type Reason string

const (
	ReasonAlreadySafe  Reason = "already_safe"  // стоп уже в безубытке или лучше
	ReasonNoBaseline   Reason = "no_baseline"   // нет входа, стопа, плеча или риск нулевой
	ReasonNotTriggered Reason = "not_triggered" // прибыль меньше риска
	ReasonMove         Reason = "move"          // переносим стоп
	ReasonInFlight     Reason = "in_flight"     // перенос уже выполняется
)

// Input - всё, что нужно для решения на одном тике
type Input struct {
	Side         string  // LONG / SHORT
	Entry        float64 // средняя цена входа
	CurrentStop  float64 // цена текущего защитного стопа (0 = стопа нет)
	OriginalStop float64 // исходный стоп сделки
	Price        float64 // цена тика
	Leverage     int
	MarketFee    float64 // % (0.05 = 0.05%)
	LimitFee     float64 // %
}

// Decision - результат Decide
type Decision struct {
	Reason  Reason
	NewStop float64 // только для ReasonMove
	Risk    float64
	Reward  float64
}

// Move - нужно ли переносить стоп
func (d Decision) Move() bool {
	return d.Reason == ReasonMove
}

// Decide решает, переносить ли стоп в безубыток.
//
// Правило:
//  1. стоп уже в безубытке (LONG: stop >= entry, SHORT: stop <= entry) - ничего
//  2. risk = |entry - stop|, reward - движение цены в сторону прибыли
//  3. reward >= risk - новый стоп = BreakevenPrice с учётом комиссий
//
// Новый стоп должен оставаться позади рынка (LONG: ниже цены),
// иначе биржа исполнит его сразу; такой тик считается NotTriggered.
func Decide(in Input) Decision {
	if in.Entry <= 0 || in.OriginalStop <= 0 || in.CurrentStop <= 0 || in.Leverage <= 0 || in.Price <= 0 {
		return Decision{Reason: ReasonNoBaseline}
	}

	long := in.Side == exchange.SideLong
	if (long && in.CurrentStop >= in.Entry) || (!long && in.CurrentStop <= in.Entry) {
		return Decision{Reason: ReasonAlreadySafe}
	}

	risk := math.Abs(in.Entry - in.CurrentStop)
	if risk == 0 {
		return Decision{Reason: ReasonNoBaseline}
	}

	reward := in.Price - in.Entry
	if !long {
		reward = in.Entry - in.Price
	}

	d := Decision{Reason: ReasonNotTriggered, Risk: risk, Reward: reward}
	if reward < risk {
		return d
	}

	target := BreakevenPrice(in.Entry, in.Side, in.MarketFee, in.LimitFee)
	if (long && target >= in.Price) || (!long && target <= in.Price) {
		return d
	}

	d.Reason = ReasonMove
	d.NewStop = target
	return d
}

// BreakevenPrice - цена выхода, при которой сделка после комиссий в нуле
//
//	LONG:  B = E(1+fe)/(1−fx)
//	SHORT: B = E(1−fe)/(1+fx)
//
// entryFeePct и exitFeePct в процентах; результат округлён до 8 знаков.
func BreakevenPrice(entry float64, side string, entryFeePct, exitFeePct float64) float64 {
	e := decimal.NewFromFloat(entry)
	hundred := decimal.NewFromInt(100)
	fe := decimal.NewFromFloat(entryFeePct).Div(hundred)
	fx := decimal.NewFromFloat(exitFeePct).Div(hundred)
	one := decimal.NewFromInt(1)

	var b decimal.Decimal
	if side == exchange.SideShort {
		b = e.Mul(one.Sub(fe)).Div(one.Add(fx))
	} else {
		b = e.Mul(one.Add(fe)).Div(one.Sub(fx))
	}

	f, _ := b.Round(utils.PriceDecimals).Float64()
	return f
}

// CheckLiquidation - стоп находится за ценой ликвидации
//
// LONG: stop < liq, SHORT: stop > liq. Без стопа или цены ликвидации - false.
func CheckLiquidation(side string, stop, liq float64) bool {
	if stop <= 0 || liq <= 0 {
		return false
	}
	if side == exchange.SideShort {
		return stop > liq
	}
	return stop < liq
}

// StopPriceOf - цена защитного ордера, по которой считается риск
//
// У STOP, TRIGGER_LIMIT и LIMIT биржа получает stopPrice со смещением
// активации, а запрошенная цель остаётся в Price. Для них берётся Price,
// иначе StopPrice.
func StopPriceOf(o *exchange.Order) float64 {
	if o == nil {
		return 0
	}
	switch o.Type {
	case exchange.OrderTypeStop, exchange.OrderTypeTriggerLimit, exchange.OrderTypeLimit:
		if o.Price > 0 {
			return o.Price
		}
	}
	if o.StopPrice > 0 {
		return o.StopPrice
	}
	return o.Price
}

// ============ Контроллер ============

// StopGateway - операции биржи, которые нужны контроллеру
type StopGateway interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error)
	CancelReplace(ctx context.Context, cancelOrderID string, req exchange.OrderRequest) (*exchange.OrderAck, error)
}

// Fees - комиссии биржи в процентах
type Fees struct {
	Market float64 // вход рыночным ордером
	Limit  float64 // выход по стопу
}

// BreakevenStopController переносит защитный стоп в безубыток
//
// Функции:
// - Adjust: решение по тику и cancel-replace стопа
// - PlaceInitialStop: стоп по исходной цене сделки, если на бирже его нет
// - TryAcquire / Release: не более одного изменения стопа на позицию
type BreakevenStopController struct {
	gw       StopGateway
	registry *OpenOrderRegistry
	trades   TradeStore
	notifier Notifier
	fees     Fees
	log      *utils.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewBreakevenStopController создает контроллер
func NewBreakevenStopController(
	gw StopGateway,
	registry *OpenOrderRegistry,
	trades TradeStore,
	notifier Notifier,
	fees Fees,
	log *utils.Logger,
) *BreakevenStopController {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = utils.L()
	}
	return &BreakevenStopController{
		gw:       gw,
		registry: registry,
		trades:   trades,
		notifier: notifier,
		fees:     fees,
		log:      log.WithComponent("breakeven"),
		inflight: make(map[string]struct{}),
	}
}

// TryAcquire отмечает изменение стопа key как выполняемое; false - уже выполняется
func (c *BreakevenStopController) TryAcquire(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[key]; busy {
		return false
	}
	c.inflight[key] = struct{}{}
	return true
}

// Release снимает отметку TryAcquire
func (c *BreakevenStopController) Release(key string) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// Adjust обрабатывает тик позиции.
//
// Стоп в mp меняется только после подтверждения биржи.
// Ошибка биржи уходит в уведомление STOP_ERROR и возвращается.
func (c *BreakevenStopController) Adjust(ctx context.Context, mp *MonitoredPosition, price float64) (Decision, error) {
	if !c.TryAcquire(mp.Key()) {
		return Decision{Reason: ReasonInFlight}, nil
	}
	defer c.Release(mp.Key())

	mp.stopMu.Lock()
	defer mp.stopMu.Unlock()

	view := mp.Snapshot()
	d := Decide(Input{
		Side:         view.Side,
		Entry:        view.EntryPrice,
		CurrentStop:  view.StopPrice,
		OriginalStop: view.OriginalStop,
		Price:        price,
		Leverage:     view.Leverage,
		MarketFee:    c.fees.Market,
		LimitFee:     c.fees.Limit,
	})
	if !d.Move() {
		return d, nil
	}

	log := c.log.WithPosition(view.Symbol, view.Side)
	log.Info("moving stop to breakeven",
		utils.Price(price),
		utils.StopPrice(d.NewStop),
		zap.Float64("risk", d.Risk),
		zap.Float64("reward", d.Reward),
	)

	req := stopRequest(view, d.NewStop)
	start := time.Now()
	ack, err := c.gw.CancelReplace(ctx, view.StopOrderID, req)
	RecordStopMove(view.Symbol, err)
	if err != nil {
		log.Error("failed to move stop", utils.OrderID(view.StopOrderID), utils.Err(err))
		c.notifier.Notify(newEvent(models.NotificationStopError, view.Symbol, view.Side,
			fmt.Sprintf("Failed to move stop to breakeven %s: %v", utils.FormatDecimal(d.NewStop), err),
			map[string]interface{}{"entry": view.EntryPrice, "stop": view.StopPrice, "target": d.NewStop, "price": price}))
		return d, fmt.Errorf("move stop %s: %w", mp.Key(), err)
	}

	mp.setStop(ackedStop(req, ack))
	c.saveStopOrderID(ctx, view.TradeID, ack.OrderID)

	log.Info("stop moved", utils.OrderID(ack.OrderID), utils.Latency(time.Since(start)))
	c.notifier.Notify(newEvent(models.NotificationStopMoved, view.Symbol, view.Side,
		fmt.Sprintf("Stop moved to breakeven %s (entry %s, price %s)",
			utils.FormatDecimal(d.NewStop), utils.FormatDecimal(view.EntryPrice), utils.FormatDecimal(price)),
		map[string]interface{}{"order_id": ack.OrderID, "previous_stop": view.StopPrice, "stop": d.NewStop}))

	return d, nil
}

// PlaceInitialStop выставляет стоп по исходной цене сделки.
//
// Возвращает ErrStopAlreadyExists, если стоп уже есть в реестре или в mp.
func (c *BreakevenStopController) PlaceInitialStop(ctx context.Context, mp *MonitoredPosition, stopPrice float64) (*exchange.Order, error) {
	if stopPrice <= 0 {
		return nil, ErrMissingTradeContext
	}
	if !c.TryAcquire(mp.Key()) {
		return nil, ErrStopAlreadyExists
	}
	defer c.Release(mp.Key())

	mp.stopMu.Lock()
	defer mp.stopMu.Unlock()

	view := mp.Snapshot()
	if view.StopOrderID != "" || c.registry.FindProtectiveStop(view.Symbol, view.Side) != nil {
		return nil, ErrStopAlreadyExists
	}

	req := stopRequest(view, stopPrice)
	ack, err := c.gw.PlaceOrder(ctx, req)
	if err != nil {
		RecordOrderPlacement(exchange.OrderTypeStop, "failed")
		c.notifier.Notify(newEvent(models.NotificationStopError, view.Symbol, view.Side,
			fmt.Sprintf("Failed to create stop at %s: %v", utils.FormatDecimal(stopPrice), err),
			map[string]interface{}{"entry": view.EntryPrice, "stop": stopPrice}))
		return nil, fmt.Errorf("place stop %s: %w", mp.Key(), err)
	}
	RecordOrderPlacement(exchange.OrderTypeStop, "success")

	order := ackedStop(req, ack)
	mp.setStop(order)
	c.saveStopOrderID(ctx, view.TradeID, ack.OrderID)

	c.notifier.Notify(newEvent(models.NotificationStopCreated, view.Symbol, view.Side,
		fmt.Sprintf("Stop created at %s (entry %s)", utils.FormatDecimal(stopPrice), utils.FormatDecimal(view.EntryPrice)),
		map[string]interface{}{"order_id": ack.OrderID, "stop": stopPrice}))

	cp := *order
	return &cp, nil
}

func (c *BreakevenStopController) saveStopOrderID(ctx context.Context, tradeID int64, orderID string) {
	if c.trades == nil || tradeID == 0 || orderID == "" {
		return
	}
	if err := c.trades.UpdateStopOrderID(ctx, tradeID, orderID); err != nil {
		c.log.Warn("failed to save stop order id", utils.TradeID(tradeID), utils.Err(err))
	}
}

func stopRequest(view PositionView, stopPrice float64) exchange.OrderRequest {
	return exchange.OrderRequest{
		Symbol:       view.Symbol,
		Side:         exchange.CloseSide(view.Side),
		PositionSide: view.Side,
		Type:         exchange.OrderTypeStop,
		Price:        stopPrice,
		StopPrice:    stopPrice,
		Quantity:     math.Abs(view.Amount),
		TradeID:      view.TradeID,
		PositionID:   view.PositionID,
	}
}

func ackedStop(req exchange.OrderRequest, ack *exchange.OrderAck) *exchange.Order {
	now := time.Now()
	return &exchange.Order{
		ID:            ack.OrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Type:          req.Type,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		Status:        exchange.OrderStatusNew,
		ClientOrderID: ack.ClientOrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
