package handlers

import (
	"errors"
	"net/http"
	"time"

	"riskguard/internal/bot"
)

// PositionHandler - позиции под наблюдением и ручной запуск прохода
//
// Endpoints:
// - GET /api/v1/positions - снимок супервизора
// - POST /api/v1/supervise - выполнить проход сейчас
type PositionHandler struct {
	supervisor Supervisor
}

// NewPositionHandler создает PositionHandler
func NewPositionHandler(supervisor Supervisor) *PositionHandler {
	return &PositionHandler{supervisor: supervisor}
}

// PositionsResponse - ответ GET /positions
type PositionsResponse struct {
	Positions []bot.PositionView `json:"positions"`
	Total     int                `json:"total"`
	LastPass  *time.Time         `json:"last_pass,omitempty"`
	LastError string             `json:"last_error,omitempty"`
}

// GetPositions возвращает позиции, отсортированные по ключу SYMBOL_SIDE
//
// HTTP коды:
// - 200 OK
func (h *PositionHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.positionsResponse())
}

// TriggerSupervise выполняет один проход и возвращает новый снимок
//
// HTTP коды:
// - 200 OK: проход выполнен
// - 409 Conflict: проход уже выполняется
// - 502 Bad Gateway: биржа не вернула позиции
// - 503 Service Unavailable: супервизор остановлен
func (h *PositionHandler) TriggerSupervise(w http.ResponseWriter, r *http.Request) {
	err := h.supervisor.Supervise(r.Context())
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, h.positionsResponse())
	case errors.Is(err, bot.ErrPassInProgress):
		respondWithError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, bot.ErrSupervisorStopped):
		respondWithError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		respondWithError(w, http.StatusBadGateway, CodeExchangeFail, "Supervision pass failed: "+err.Error())
	}
}

func (h *PositionHandler) positionsResponse() PositionsResponse {
	views := h.supervisor.Snapshot()
	resp := PositionsResponse{Positions: views, Total: len(views)}

	last, err := h.supervisor.LastPass()
	if !last.IsZero() {
		resp.LastPass = &last
	}
	if err != nil {
		resp.LastError = err.Error()
	}
	return resp
}
