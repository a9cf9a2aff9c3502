package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"riskguard/internal/models"
	"riskguard/pkg/ratelimit"
	"riskguard/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bingxBaseURL = "https://open-api.bingx.com"
	bingxWSURL   = "wss://open-api-swap.bingx.com/swap-market"

	bingxName = "bingx"
)

// REST эндпоинты perpetual futures
const (
	endpointOrder         = "/openApi/swap/v2/trade/order"
	endpointCancelReplace = "/openApi/swap/v1/trade/cancelReplace"
	endpointLeverage      = "/openApi/swap/v2/trade/leverage"
	endpointPositions     = "/openApi/swap/v2/user/positions"
	endpointOpenOrders    = "/openApi/swap/v2/trade/openOrders"
	endpointPrice         = "/openApi/swap/v2/quote/price"
)

// Категории лимитера: торговые запросы и чтение состояния считаются раздельно
const (
	limitTrade = "trade"
	limitQuery = "query"
)

// BingXConfig - параметры клиента BingX
type BingXConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string // пусто = боевой API

	// Множители цены активации условных ордеров (1 = без смещения)
	ActivationFactorAbove float64
	ActivationFactorBelow float64

	RequestsPerSecond float64
}

// TradeLogSink принимает записи журнала ордеров сделки
//
// Реализация: *repository.TradeLogRepository.
type TradeLogSink interface {
	Append(ctx context.Context, entry *models.TradeLog) error
}

// BingX - REST клиент BingX perpetual futures, реализует Gateway
type BingX struct {
	cfg BingXConfig

	httpClient *http.Client
	limiter    *ratelimit.MultiLimiter
	tradeLog   TradeLogSink

	log *utils.Logger
}

// NewBingX создаёт клиент BingX
// Использует глобальный HTTP клиент с connection pooling
func NewBingX(cfg BingXConfig, log *utils.Logger) *BingX {
	if cfg.BaseURL == "" {
		cfg.BaseURL = bingxBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ActivationFactorAbove <= 0 {
		cfg.ActivationFactorAbove = 1
	}
	if cfg.ActivationFactorBelow <= 0 {
		cfg.ActivationFactorBelow = 1
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if log == nil {
		log = utils.L()
	}

	limiter := ratelimit.NewMultiLimiter()
	limiter.Add(limitTrade, cfg.RequestsPerSecond, cfg.RequestsPerSecond)
	limiter.Add(limitQuery, cfg.RequestsPerSecond, cfg.RequestsPerSecond*2)

	return &BingX{
		cfg:        cfg,
		httpClient: GetGlobalHTTPClient(),
		limiter:    limiter,
		log:        log.WithExchange(bingxName),
	}
}

// SetTradeLogSink подключает журнал ордеров (nil = не писать)
func (b *BingX) SetTradeLogSink(sink TradeLogSink) {
	b.tradeLog = sink
}

// SetHTTPClient заменяет HTTP клиент (тесты, свой транспорт)
func (b *BingX) SetHTTPClient(client *http.Client) {
	if client != nil {
		b.httpClient = client
	}
}

// sign создает подпись для BingX API
func (b *BingX) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(b.cfg.SecretKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет запрос к REST API
//
// GET и DELETE передают параметры в query, POST - в теле формы.
// Ответ с code != 0 превращается в *ExchangeError.
func (b *BingX) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool, category string) ([]byte, error) {
	if err := b.limiter.Wait(ctx, category); err != nil {
		return nil, err
	}

	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}

	if signed {
		query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		// Encode сортирует ключи, подпись считается по той же строке
		query.Set("signature", b.sign(query.Encode()))
	}

	reqURL := b.cfg.BaseURL + endpoint
	var reqBody string
	if method == http.MethodPost {
		reqBody = query.Encode()
	} else if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-BX-APIKEY", b.cfg.APIKey)

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, endpoint, err)
	}

	b.log.Debug("bingx request",
		utils.String("method", method),
		utils.String("endpoint", endpoint),
		utils.Int("status", resp.StatusCode),
		utils.Latency(time.Since(start)),
	)

	var baseResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &ExchangeError{
				Exchange: bingxName,
				Code:     strconv.Itoa(resp.StatusCode),
				Message:  strings.TrimSpace(string(body)),
			}
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, endpoint, err)
	}

	if baseResp.Code != 0 {
		return nil, &ExchangeError{
			Exchange: bingxName,
			Code:     strconv.Itoa(baseResp.Code),
			Message:  baseResp.Msg,
		}
	}

	return body, nil
}

// ============ Чтение состояния ============

type bingxPosition struct {
	Symbol           string     `json:"symbol"`
	PositionID       flexString `json:"positionId"`
	PositionSide     string     `json:"positionSide"`
	PositionAmt      flexFloat  `json:"positionAmt"`
	AvgPrice         flexFloat  `json:"avgPrice"`
	MarkPrice        flexFloat  `json:"markPrice"`
	InitialMargin    flexFloat  `json:"initialMargin"`
	UnrealizedProfit flexFloat  `json:"unrealizedProfit"`
	LiquidationPrice flexFloat  `json:"liquidationPrice"`
	Leverage         flexFloat  `json:"leverage"`
	UpdateTime       int64      `json:"updateTime"`
}

// GetPositions возвращает все ненулевые позиции аккаунта
func (b *BingX) GetPositions(ctx context.Context) ([]*Position, error) {
	body, err := b.doRequest(ctx, http.MethodGet, endpointPositions, nil, true, limitQuery)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []bingxPosition `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: positions: %v", ErrMalformedResponse, err)
	}

	positions := make([]*Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		amount := float64(p.PositionAmt)
		if amount == 0 {
			continue
		}

		side := p.PositionSide
		// one-way режим отдаёт BOTH, сторона определяется знаком
		if side != SideLong && side != SideShort {
			side = SideLong
			if amount < 0 {
				side = SideShort
			}
		}

		updated := time.Now()
		if p.UpdateTime > 0 {
			updated = time.UnixMilli(p.UpdateTime)
		}

		positions = append(positions, &Position{
			Symbol:           p.Symbol,
			Side:             side,
			Amount:           amount,
			EntryPrice:       float64(p.AvgPrice),
			MarkPrice:        float64(p.MarkPrice),
			Margin:           float64(p.InitialMargin),
			UnrealizedPnl:    float64(p.UnrealizedProfit),
			LiquidationPrice: float64(p.LiquidationPrice),
			Leverage:         int(p.Leverage),
			PositionID:       string(p.PositionID),
			UpdatedAt:        updated,
		})
	}

	return positions, nil
}

type bingxOrder struct {
	OrderID       flexString `json:"orderId"`
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"`
	PositionSide  string     `json:"positionSide"`
	Type          string     `json:"type"`
	Price         flexFloat  `json:"price"`
	StopPrice     flexFloat  `json:"stopPrice"`
	OrigQty       flexFloat  `json:"origQty"`
	Status        string     `json:"status"`
	ClientOrderID string     `json:"clientOrderId"`
	Time          int64      `json:"time"`
	UpdateTime    int64      `json:"updateTime"`
}

// GetOpenOrders возвращает открытые ордера аккаунта
//
// Ответ без data.orders считается повреждённым: вызывающий должен
// продолжить работать с предыдущим снимком, а не с пустым списком.
func (b *BingX) GetOpenOrders(ctx context.Context) ([]*Order, error) {
	body, err := b.doRequest(ctx, http.MethodGet, endpointOpenOrders, nil, true, limitQuery)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data *struct {
			Orders *[]bingxOrder `json:"orders"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: open orders: %v", ErrMalformedResponse, err)
	}
	if resp.Data == nil || resp.Data.Orders == nil {
		return nil, fmt.Errorf("%w: open orders: missing data.orders", ErrMalformedResponse)
	}

	raw := *resp.Data.Orders
	orders := make([]*Order, 0, len(raw))
	for _, o := range raw {
		if o.OrderID == "" {
			return nil, fmt.Errorf("%w: open orders: order without id", ErrMalformedResponse)
		}
		orders = append(orders, &Order{
			ID:            string(o.OrderID),
			Symbol:        o.Symbol,
			Side:          o.Side,
			PositionSide:  o.PositionSide,
			Type:          o.Type,
			Price:         float64(o.Price),
			StopPrice:     float64(o.StopPrice),
			Quantity:      float64(o.OrigQty),
			Status:        o.Status,
			ClientOrderID: o.ClientOrderID,
			CreatedAt:     msTime(o.Time),
			UpdatedAt:     msTime(o.UpdateTime),
		})
	}

	return orders, nil
}

// GetPrice возвращает последнюю цену символа
func (b *BingX) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", utils.ToBingXSymbol(symbol))

	body, err := b.doRequest(ctx, http.MethodGet, endpointPrice, params, false, limitQuery)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Data struct {
			Symbol string    `json:"symbol"`
			Price  flexFloat `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("%w: price: %v", ErrMalformedResponse, err)
	}
	if resp.Data.Price <= 0 {
		return 0, fmt.Errorf("%w: price for %s is not positive", ErrMalformedResponse, symbol)
	}

	return float64(resp.Data.Price), nil
}

// SetLeverage устанавливает плечо для символа и стороны позиции
func (b *BingX) SetLeverage(ctx context.Context, symbol, side string, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("set leverage %s %s: leverage must be >= 1, got %d", symbol, side, leverage)
	}

	params := url.Values{}
	params.Set("symbol", utils.ToBingXSymbol(symbol))
	params.Set("side", side)
	params.Set("leverage", strconv.Itoa(leverage))

	if _, err := b.doRequest(ctx, http.MethodPost, endpointLeverage, params, true, limitTrade); err != nil {
		return fmt.Errorf("set leverage %s %s x%d: %w", symbol, side, leverage, err)
	}
	return nil
}

// ============ Разбор чисел ============

// flexFloat принимает число и как JSON number, и как строку
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// flexString принимает id и как строку, и как JSON number (orderId BingX не влезает в float64)
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	v := strings.Trim(string(data), `"`)
	if v == "null" {
		v = ""
	}
	*s = flexString(v)
	return nil
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
