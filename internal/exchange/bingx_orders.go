package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// Префикс clientOrderId, по нему ордера бота отличаются от ручных
const clientOrderPrefix = "NBMEMBERS"

// preparedOrder - параметры ордера в том виде, в каком они уйдут на биржу
type preparedOrder struct {
	params    url.Values
	price     float64
	stopPrice float64
}

// prepareOrder собирает параметры ордера
//
// withOffset включает смещение цены активации для условных ордеров:
//   - STOP: LONG срабатывает чуть выше цели (ABOVE), SHORT чуть ниже (BELOW)
//   - TRIGGER_LIMIT/LIMIT: LONG активируется чуть ниже (BELOW), SHORT чуть выше (ABOVE)
//
// Без смещения отправляются запрошенные цены как есть.
func (b *BingX) prepareOrder(req OrderRequest, withOffset bool) preparedOrder {
	p := url.Values{}
	p.Set("symbol", utils.ToBingXSymbol(req.Symbol))
	p.Set("side", req.Side)
	p.Set("positionSide", req.PositionSide)
	p.Set("type", req.Type)
	p.Set("quantity", utils.FormatDecimal(req.Quantity))
	p.Set("clientOrderId", fmt.Sprintf("%s_%d_%d", clientOrderPrefix, req.TradeID, time.Now().UnixMilli()))
	if req.PositionID != "" {
		p.Set("positionId", req.PositionID)
	}
	if req.ReduceOnly {
		p.Set("reduceOnly", "true")
	}

	stop := req.StopPrice
	var activation float64

	if withOffset && req.Price > 0 {
		switch req.Type {
		case OrderTypeStop:
			if req.PositionSide == SideShort {
				stop = req.Price * b.cfg.ActivationFactorBelow
			} else {
				stop = req.Price * b.cfg.ActivationFactorAbove
			}
		case OrderTypeTriggerLimit, OrderTypeLimit:
			if req.PositionSide == SideShort {
				activation = req.Price * b.cfg.ActivationFactorAbove
			} else {
				activation = req.Price * b.cfg.ActivationFactorBelow
			}
			stop = activation
		}
	} else if req.Type == OrderTypeTriggerLimit || req.Type == OrderTypeLimit {
		activation = req.Price
	}

	stop = utils.RoundPrice(stop, utils.PriceDecimals)
	if req.Price > 0 {
		p.Set("price", utils.FormatDecimal(req.Price))
	}
	if stop > 0 {
		p.Set("stopPrice", utils.FormatDecimal(stop))
	}
	if activation > 0 {
		p.Set("activationPrice", utils.FormatDecimal(utils.RoundPrice(activation, utils.PriceDecimals)))
	}

	return preparedOrder{params: p, price: req.Price, stopPrice: stop}
}

// hasActivationOffset - тип ордера, к которому применяется смещение активации
func hasActivationOffset(req OrderRequest) bool {
	if req.Price <= 0 {
		return false
	}
	switch req.Type {
	case OrderTypeStop, OrderTypeTriggerLimit, OrderTypeLimit:
		return true
	}
	return false
}

// retryWithRawPrices - стоит ли повторить отказ с исходными ценами
//
// Отказ по лимиту стоимости позиции лечится понижением плеча у вызывающего,
// повтор с теми же объёмами его не исправит.
func retryWithRawPrices(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := MaxPositionValue(err); ok {
		return false
	}
	return true
}

func validateOrderRequest(req OrderRequest) error {
	if req.Symbol == "" {
		return errors.New("order: symbol is required")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("order: invalid side %q", req.Side)
	}
	if req.PositionSide != SideLong && req.PositionSide != SideShort {
		return fmt.Errorf("order: invalid position side %q", req.PositionSide)
	}
	if req.Type == "" {
		return errors.New("order: type is required")
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("order: quantity must be positive, got %v", req.Quantity)
	}
	return nil
}

// PlaceOrder размещает ордер
//
// Условные ордера сначала уходят со смещённой ценой активации; если биржа
// отказала, делается одна попытка с исходными ценами. Успешный ордер,
// привязанный к сделке, пишется в журнал.
func (b *BingX) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := validateOrderRequest(req); err != nil {
		return nil, err
	}

	prepared := b.prepareOrder(req, true)
	ack, err := b.submitOrder(ctx, endpointOrder, prepared.params)
	if err != nil && hasActivationOffset(req) && retryWithRawPrices(err) {
		b.log.Warn("order rejected with activation offset, retrying with raw prices",
			utils.Symbol(req.Symbol),
			utils.PositionSide(req.PositionSide),
			utils.String("type", req.Type),
			utils.Err(err),
		)
		prepared = b.prepareOrder(req, false)
		ack, err = b.submitOrder(ctx, endpointOrder, prepared.params)
	}
	if err != nil {
		return nil, fmt.Errorf("place %s %s %s: %w", req.Type, req.Symbol, req.PositionSide, err)
	}

	b.log.Info("order placed",
		utils.Symbol(req.Symbol),
		utils.PositionSide(req.PositionSide),
		utils.String("type", req.Type),
		utils.OrderID(ack.OrderID),
		utils.StopPrice(prepared.stopPrice),
		utils.Quantity(req.Quantity),
	)

	b.appendTradeLog(ctx, req, prepared, ack)
	return ack, nil
}

// CancelOrder отменяет ордер по id
func (b *BingX) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if orderID == "" {
		return errors.New("cancel order: order id is required")
	}

	params := url.Values{}
	params.Set("symbol", utils.ToBingXSymbol(symbol))
	params.Set("orderId", orderID)

	if _, err := b.doRequest(ctx, http.MethodDelete, endpointOrder, params, true, limitTrade); err != nil {
		return fmt.Errorf("cancel order %s %s: %w", symbol, orderID, err)
	}

	b.log.Info("order canceled", utils.Symbol(symbol), utils.OrderID(orderID))
	return nil
}

// CancelReplace заменяет ордер cancelOrderID новым одним запросом
//
// Режим STOP_ON_FAILURE: если отмена не прошла, новый ордер не ставится.
// Цепочка при отказе:
//  1. повтор с исходными ценами (если старый ордер ещё не снят)
//  2. отдельная отмена + PlaceOrder
//
// На шаге 2 новый ордер ставится только если старый точно снят,
// иначе на позиции окажется два стопа.
func (b *BingX) CancelReplace(ctx context.Context, cancelOrderID string, req OrderRequest) (*OrderAck, error) {
	if cancelOrderID == "" {
		return b.PlaceOrder(ctx, req)
	}
	if err := validateOrderRequest(req); err != nil {
		return nil, err
	}

	prepared := b.prepareOrder(req, true)
	ack, cancelled, err := b.submitCancelReplace(ctx, cancelOrderID, prepared.params)
	if err != nil && !cancelled && retryWithRawPrices(err) {
		b.log.Warn("cancel-replace rejected, retrying with raw prices",
			utils.Symbol(req.Symbol),
			utils.PositionSide(req.PositionSide),
			utils.OrderID(cancelOrderID),
			utils.Err(err),
		)
		prepared = b.prepareOrder(req, false)
		ack, cancelled, err = b.submitCancelReplace(ctx, cancelOrderID, prepared.params)
	}
	if err == nil {
		b.log.Info("order replaced",
			utils.Symbol(req.Symbol),
			utils.PositionSide(req.PositionSide),
			utils.String("canceled_order_id", cancelOrderID),
			utils.OrderID(ack.OrderID),
			utils.StopPrice(prepared.stopPrice),
		)
		b.appendTradeLog(ctx, req, prepared, ack)
		return ack, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	b.log.Warn("cancel-replace failed, falling back to cancel and place",
		utils.Symbol(req.Symbol),
		utils.PositionSide(req.PositionSide),
		utils.OrderID(cancelOrderID),
		utils.Bool("already_canceled", cancelled),
		utils.Err(err),
	)

	if !cancelled {
		if cancelErr := b.CancelOrder(ctx, req.Symbol, cancelOrderID); cancelErr != nil {
			return nil, fmt.Errorf("replace %s: %w (cancel fallback: %v)", cancelOrderID, err, cancelErr)
		}
	}

	return b.PlaceOrder(ctx, req)
}

// submitOrder отправляет ордер и разбирает подтверждение
func (b *BingX) submitOrder(ctx context.Context, endpoint string, params url.Values) (*OrderAck, error) {
	body, err := b.doRequest(ctx, http.MethodPost, endpoint, params, true, limitTrade)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Order bingxOrderAck `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: order: %v", ErrMalformedResponse, err)
	}

	return resp.Data.Order.toAck(body)
}

// submitCancelReplace отправляет cancelReplace
// cancelled сообщает, снят ли старый ордер, даже если замена не удалась
func (b *BingX) submitCancelReplace(ctx context.Context, cancelOrderID string, params url.Values) (*OrderAck, bool, error) {
	p := url.Values{}
	for k, v := range params {
		p[k] = v
	}
	p.Set("cancelReplaceMode", "STOP_ON_FAILURE")
	p.Set("cancelOrderId", cancelOrderID)

	body, err := b.doRequest(ctx, http.MethodPost, endpointCancelReplace, p, true, limitTrade)
	if err != nil {
		return nil, false, err
	}

	var resp struct {
		Data struct {
			CancelResult     flexString    `json:"cancelResult"`
			CancelMsg        string        `json:"cancelMsg"`
			ReplaceResult    flexString    `json:"replaceResult"`
			ReplaceMsg       string        `json:"replaceMsg"`
			NewOrderResponse bingxOrderAck `json:"newOrderResponse"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, fmt.Errorf("%w: cancel-replace: %v", ErrMalformedResponse, err)
	}

	cancelled := resp.Data.CancelResult == "true"
	if !cancelled {
		return nil, false, &ExchangeError{Exchange: bingxName, Code: "cancel", Message: resp.Data.CancelMsg}
	}
	if resp.Data.ReplaceResult != "true" {
		return nil, true, &ExchangeError{Exchange: bingxName, Code: "replace", Message: resp.Data.ReplaceMsg}
	}

	ack, err := resp.Data.NewOrderResponse.toAck(body)
	return ack, true, err
}

type bingxOrderAck struct {
	OrderID       flexString `json:"orderId"`
	ClientOrderID string     `json:"clientOrderId"`
	ClientIDAlt   string     `json:"clientOrderID"` // так в ответе на размещение
}

func (a bingxOrderAck) toAck(raw []byte) (*OrderAck, error) {
	if a.OrderID == "" {
		return nil, fmt.Errorf("%w: order ack without orderId", ErrMalformedResponse)
	}
	clientID := a.ClientOrderID
	if clientID == "" {
		clientID = a.ClientIDAlt
	}
	return &OrderAck{
		OrderID:       string(a.OrderID),
		ClientOrderID: clientID,
		Raw:           raw,
	}, nil
}

// appendTradeLog пишет ордер в журнал сделки
// Ошибка журнала только логируется: ордер на бирже уже стоит.
func (b *BingX) appendTradeLog(ctx context.Context, req OrderRequest, prepared preparedOrder, ack *OrderAck) {
	if b.tradeLog == nil || req.TradeID == 0 {
		return
	}

	entry := &models.TradeLog{
		TradeID:       req.TradeID,
		Symbol:        utils.ToBingXSymbol(req.Symbol),
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Type:          req.Type,
		Price:         models.OptionalPrice(prepared.price),
		StopPrice:     models.OptionalPrice(prepared.stopPrice),
		Quantity:      req.Quantity,
		OrderID:       ack.OrderID,
		ClientOrderID: ack.ClientOrderID,
		Response:      string(ack.Raw),
		CreatedAt:     time.Now(),
	}

	if err := b.tradeLog.Append(ctx, entry); err != nil {
		b.log.Error("failed to append trade log",
			utils.TradeID(req.TradeID),
			utils.OrderID(ack.OrderID),
			utils.Err(err),
		)
	}
}
