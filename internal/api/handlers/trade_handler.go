package handlers

import (
	"errors"
	"net/http"

	"riskguard/internal/bot"
	"riskguard/pkg/utils"
)

// TradeHandler - вход в сделку по сигналу
//
// Endpoints:
// - POST /api/v1/trades - открыть позицию со стопом
type TradeHandler struct {
	executor TradeExecutor
}

// NewTradeHandler создает TradeHandler
func NewTradeHandler(executor TradeExecutor) *TradeHandler {
	return &TradeHandler{executor: executor}
}

// TradeResponse - ответ POST /trades
//
// Result заполнен и при ошибке, если вход уже был выполнен.
type TradeResponse struct {
	Result *bot.ExecutionResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
	Code   string               `json:"code,omitempty"`
}

// Execute открывает сделку
//
// Тело запроса:
//
//	{"symbol": "BTC-USDT", "side": "LONG", "stop_price": 61000, "leverage": 20, "margin": 500}
//
// HTTP коды:
// - 201 Created: позиция открыта и защищена стопом
// - 400 Bad Request: некорректный запрос или стоп не с той стороны цены
// - 409 Conflict: позиция или стоп уже существуют
// - 502 Bad Gateway: ошибка биржи
func (h *TradeHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req bot.TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	req.Symbol = utils.ToBingXSymbol(req.Symbol)
	if err := validateTradeRequest(req); err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	result, err := h.executor.Execute(r.Context(), req)
	if err == nil {
		respondWithJSON(w, http.StatusCreated, TradeResponse{Result: result})
		return
	}

	status, code := http.StatusBadGateway, CodeExchangeFail
	switch {
	case errors.Is(err, bot.ErrInvalidStop):
		status, code = http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, bot.ErrPositionExists), errors.Is(err, bot.ErrStopAlreadyExists):
		status, code = http.StatusConflict, CodeConflict
	}
	respondWithJSON(w, status, TradeResponse{Result: result, Error: err.Error(), Code: code})
}

func validateTradeRequest(req bot.TradeRequest) error {
	if err := utils.ValidateSymbol(req.Symbol); err != nil {
		return err
	}
	if err := utils.ValidatePositionSide(req.Side); err != nil {
		return err
	}
	if err := utils.ValidateLeverage(req.Leverage, 0); err != nil {
		return err
	}
	if req.StopPrice <= 0 {
		return errors.New("stop_price must be positive")
	}
	if req.Margin < 0 {
		return errors.New("margin cannot be negative")
	}
	return nil
}
