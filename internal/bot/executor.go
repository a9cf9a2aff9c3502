package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/pkg/retry"
	"riskguard/pkg/utils"
)

// ExecutorConfig - настройки исполнителя сделок
type ExecutorConfig struct {
	Margin       float64       // USDT на сделку
	LeverageStep int           // на сколько понижать плечо при отказе
	RetryDelay   time.Duration // пауза между попытками входа
	SettleDelay  time.Duration // пауза перед проверкой позиции после входа
	MaxLeverage  int           // 0 = без ограничения
}

// DefaultExecutorConfig возвращает настройки по умолчанию
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Margin:       500,
		LeverageStep: 2,
		RetryDelay:   100 * time.Millisecond,
		SettleDelay:  500 * time.Millisecond,
		MaxLeverage:  125,
	}
}

// TradeRequest - сигнал на вход: символ, сторона, стоп и плечо
type TradeRequest struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"` // LONG / SHORT
	StopPrice float64 `json:"stop_price"`
	Leverage  int     `json:"leverage"`
	Margin    float64 `json:"margin,omitempty"` // 0 = ExecutorConfig.Margin
}

// ExecutionResult - итог исполнения сделки
type ExecutionResult struct {
	Trade        *models.TradeRecord `json:"trade"`
	EntryOrderID string              `json:"entry_order_id"`
	StopOrderID  string              `json:"stop_order_id"`
	Leverage     int                 `json:"leverage"`
	Quantity     float64             `json:"quantity"`
	Attempts     int                 `json:"attempts"`
}

// ExecutorGateway - операции биржи для входа в сделку
type ExecutorGateway interface {
	GetPositions(ctx context.Context) ([]*exchange.Position, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol, side string, leverage int) error
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error)
}

// entryState - параметры попытки входа, меняются между попытками
type entryState struct {
	Leverage int
	Quantity float64
}

// TradeExecutor открывает сделку и ставит защитный стоп
//
// Порядок:
// 1. позиции symbol+side ещё нет
// 2. стоп по правильную сторону от цены
// 3. плечо
// 4. количество = floor(margin×leverage/price, 4)
// 5. запись сделки
// 6. MARKET вход; при отказе "max position value" плечо понижается на шаг (не ниже 1)
// 7. подтверждение позиции после паузы
// 8. STOP по исходной цене, если стопа ещё нет
// 9. id ордеров в сделку
type TradeExecutor struct {
	gw       ExecutorGateway
	trades   TradeStore
	registry *OpenOrderRegistry
	notifier Notifier
	cfg      ExecutorConfig
	log      *utils.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewTradeExecutor создает исполнитель
func NewTradeExecutor(gw ExecutorGateway, trades TradeStore, registry *OpenOrderRegistry, notifier Notifier, cfg ExecutorConfig, log *utils.Logger) *TradeExecutor {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = utils.L()
	}
	if cfg.LeverageStep < 1 {
		cfg.LeverageStep = 1
	}
	return &TradeExecutor{
		gw:       gw,
		trades:   trades,
		registry: registry,
		notifier: notifier,
		cfg:      cfg,
		log:      log.WithComponent("executor"),
		sleep:    sleepCtx,
	}
}

// Execute открывает сделку по запросу
func (e *TradeExecutor) Execute(ctx context.Context, req TradeRequest) (*ExecutionResult, error) {
	symbol := utils.ToBingXSymbol(req.Symbol)
	if err := e.validate(symbol, req); err != nil {
		return nil, err
	}
	margin := req.Margin
	if margin <= 0 {
		margin = e.cfg.Margin
	}
	log := e.log.WithPosition(symbol, req.Side)

	// 1. позиции ещё нет
	if pos, err := e.findPosition(ctx, symbol, req.Side); err != nil {
		return nil, err
	} else if pos != nil {
		return nil, fmt.Errorf("%s %s: %w", symbol, req.Side, ErrPositionExists)
	}

	// 2. стоп по правильную сторону от цены
	price, err := e.gw.GetPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("get price: %w", err)
	}
	if err := validateStop(req.Side, req.StopPrice, price); err != nil {
		return nil, err
	}

	// 3. плечо
	if err := e.gw.SetLeverage(ctx, symbol, req.Side, req.Leverage); err != nil {
		return nil, fmt.Errorf("set leverage: %w", err)
	}

	// 4. количество
	qty := utils.QuantityForMargin(margin, req.Leverage, price)
	if qty <= 0 {
		return nil, fmt.Errorf("quantity for margin %.2f at price %s is zero", margin, utils.FormatDecimal(price))
	}

	// 5. запись сделки
	trade := &models.TradeRecord{
		Symbol:     symbol,
		Side:       req.Side,
		EntryPrice: price,
		StopPrice:  req.StopPrice,
		Leverage:   req.Leverage,
		Quantity:   qty,
		Margin:     margin,
	}
	if err := e.trades.Create(ctx, trade); err != nil {
		return nil, fmt.Errorf("save trade: %w", err)
	}
	log = log.With(utils.TradeID(trade.ID))

	// 6. вход с понижением плеча
	result := &ExecutionResult{Trade: trade}
	final, ack, err := e.placeEntry(ctx, trade, price, entryState{Leverage: req.Leverage, Quantity: qty}, &result.Attempts)
	result.Leverage = final.Leverage
	result.Quantity = final.Quantity
	trade.Leverage = final.Leverage
	trade.Quantity = final.Quantity
	if err != nil {
		e.markFailed(ctx, trade)
		e.notifier.Notify(newEvent(models.NotificationError, symbol, req.Side,
			fmt.Sprintf("Entry failed at leverage %dx: %v", final.Leverage, err), nil))
		return result, fmt.Errorf("place entry: %w", err)
	}
	result.EntryOrderID = ack.OrderID
	trade.EntryOrderID = ack.OrderID

	// 7. подтверждение позиции
	if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
		return result, err
	}
	pos, err := e.findPosition(ctx, symbol, req.Side)
	if err != nil {
		return result, err
	}
	if pos == nil {
		e.markFailed(ctx, trade)
		return result, fmt.Errorf("%s %s: %w", symbol, req.Side, ErrPositionNotOpened)
	}
	if pos.PositionID != "" {
		trade.PositionID = pos.PositionID
		if err := e.trades.UpdatePositionID(ctx, trade.ID, pos.PositionID); err != nil {
			log.Warn("failed to save position id", utils.Err(err))
		}
	}

	// 8. защитный стоп
	stopID, err := e.placeStop(ctx, trade, pos)
	if err != nil {
		e.notifier.Notify(newEvent(models.NotificationStopError, symbol, req.Side,
			fmt.Sprintf("Position opened but stop at %s failed: %v", utils.FormatDecimal(req.StopPrice), err),
			map[string]interface{}{"trade_id": trade.ID, "stop": req.StopPrice}))
		return result, err
	}
	result.StopOrderID = stopID
	trade.StopOrderID = stopID

	// 9. id ордеров
	if err := e.trades.UpdateOrderIDs(ctx, trade.ID, ack.OrderID, stopID); err != nil {
		log.Warn("failed to save order ids", utils.Err(err))
	}

	log.Info("trade opened",
		utils.Leverage(final.Leverage),
		utils.Quantity(final.Quantity),
		utils.StopPrice(req.StopPrice),
		zap.Int("attempts", result.Attempts),
	)
	e.notifier.Notify(newEvent(models.NotificationTradeOpened, symbol, req.Side,
		fmt.Sprintf("Trade opened: %s @ ~%s, %dx, stop %s",
			utils.FormatDecimal(final.Quantity), utils.FormatDecimal(price), final.Leverage, utils.FormatDecimal(req.StopPrice)),
		map[string]interface{}{"trade_id": trade.ID, "entry_order_id": ack.OrderID, "stop_order_id": stopID}))

	return result, nil
}

func (e *TradeExecutor) validate(symbol string, req TradeRequest) error {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return err
	}
	if err := utils.ValidatePositionSide(req.Side); err != nil {
		return err
	}
	if err := utils.ValidateLeverage(req.Leverage, e.cfg.MaxLeverage); err != nil {
		return err
	}
	if req.StopPrice <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidStop, req.StopPrice)
	}
	return nil
}

// validateStop - стоп LONG ниже цены, стоп SHORT выше
func validateStop(side string, stop, price float64) error {
	if side == exchange.SideLong && stop >= price {
		return fmt.Errorf("%w: LONG stop %s must be below price %s", ErrInvalidStop, utils.FormatDecimal(stop), utils.FormatDecimal(price))
	}
	if side == exchange.SideShort && stop <= price {
		return fmt.Errorf("%w: SHORT stop %s must be above price %s", ErrInvalidStop, utils.FormatDecimal(stop), utils.FormatDecimal(price))
	}
	return nil
}

// LeveragePolicy - понижение плеча при отказе "max position value".
//
// Шаг: плечо - step (не ниже 1), SetLeverage, запись в сделку, новое количество.
// Отказ на плече 1 не повторяется.
func (e *TradeExecutor) leveragePolicy(trade *models.TradeRecord, price float64) retry.Policy[entryState] {
	return retry.Policy[entryState]{
		ShouldRetry: func(err error, s entryState) bool {
			_, limited := exchange.MaxPositionValue(err)
			return limited && s.Leverage > 1
		},
		Step: func(ctx context.Context, _ error, s entryState) (entryState, error) {
			next := s.Leverage - e.cfg.LeverageStep
			if next < 1 {
				next = 1
			}
			if err := e.gw.SetLeverage(ctx, trade.Symbol, trade.Side, next); err != nil {
				return s, err
			}
			if err := e.trades.UpdateLeverage(ctx, trade.ID, next); err != nil {
				e.log.Warn("failed to save leverage", utils.TradeID(trade.ID), utils.Err(err))
			}
			return entryState{
				Leverage: next,
				Quantity: utils.QuantityForMargin(trade.Margin, next, price),
			}, nil
		},
		Delay: e.cfg.RetryDelay,
		OnRetry: func(attempt int, err error, next entryState) {
			limit, _ := exchange.MaxPositionValue(err)
			RecordOrderPlacement(exchange.OrderTypeMarket, "retried")
			e.log.Warn("max position value exceeded, lowering leverage",
				utils.Symbol(trade.Symbol),
				utils.Attempt(attempt),
				utils.Leverage(next.Leverage),
				utils.Quantity(next.Quantity),
				zap.Float64("max_position_value", limit),
			)
		},
	}
}

func (e *TradeExecutor) placeEntry(ctx context.Context, trade *models.TradeRecord, price float64, initial entryState, attempts *int) (entryState, *exchange.OrderAck, error) {
	var ack *exchange.OrderAck
	final, err := e.leveragePolicy(trade, price).Run(ctx, initial, func(ctx context.Context, s entryState) error {
		*attempts++
		if s.Quantity <= 0 {
			return retry.Permanent(fmt.Errorf("quantity is zero at leverage %dx", s.Leverage))
		}
		a, err := e.gw.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:       trade.Symbol,
			Side:         exchange.OpenSide(trade.Side),
			PositionSide: trade.Side,
			Type:         exchange.OrderTypeMarket,
			Quantity:     s.Quantity,
			TradeID:      trade.ID,
		})
		if err != nil {
			return err
		}
		ack = a
		return nil
	})
	if err != nil {
		RecordOrderPlacement(exchange.OrderTypeMarket, "failed")
		return final, nil, err
	}
	RecordOrderPlacement(exchange.OrderTypeMarket, "success")
	return final, ack, nil
}

// placeStop ставит стоп по исходной цене сделки; существующий стоп - ошибка
func (e *TradeExecutor) placeStop(ctx context.Context, trade *models.TradeRecord, pos *exchange.Position) (string, error) {
	if e.registry != nil {
		if err := e.registry.Refresh(ctx); err != nil {
			return "", err
		}
		if existing := e.registry.FindProtectiveStop(trade.Symbol, trade.Side); existing != nil {
			return existing.ID, fmt.Errorf("%s %s order %s: %w", trade.Symbol, trade.Side, existing.ID, ErrStopAlreadyExists)
		}
	}

	ack, err := e.gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:       trade.Symbol,
		Side:         exchange.CloseSide(trade.Side),
		PositionSide: trade.Side,
		Type:         exchange.OrderTypeStop,
		Price:        trade.StopPrice,
		StopPrice:    trade.StopPrice,
		Quantity:     math.Abs(pos.Amount),
		TradeID:      trade.ID,
		PositionID:   pos.PositionID,
	})
	if err != nil {
		RecordOrderPlacement(exchange.OrderTypeStop, "failed")
		return "", fmt.Errorf("place stop: %w", err)
	}
	RecordOrderPlacement(exchange.OrderTypeStop, "success")
	return ack.OrderID, nil
}

func (e *TradeExecutor) findPosition(ctx context.Context, symbol, side string) (*exchange.Position, error) {
	positions, err := e.gw.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	key := exchange.PositionKey(symbol, side)
	for _, p := range positions {
		if p != nil && p.Amount != 0 && p.Key() == key {
			return p, nil
		}
	}
	return nil, nil
}

func (e *TradeExecutor) markFailed(ctx context.Context, trade *models.TradeRecord) {
	trade.Status = models.TradeStatusFailed
	if err := e.trades.UpdateStatus(ctx, trade.ID, models.TradeStatusFailed); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn("failed to mark trade failed", utils.TradeID(trade.ID), utils.Err(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
