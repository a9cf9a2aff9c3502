package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"riskguard/internal/api/handlers"
	"riskguard/internal/api/middleware"
	"riskguard/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
//
// nil-зависимость отключает соответствующие маршруты.
type Dependencies struct {
	Supervisor    handlers.Supervisor
	Registry      handlers.OrderRegistry
	Orphans       handlers.OrphanCanceller
	Executor      handlers.TradeExecutor
	Notifications handlers.NotificationReader
	Hub           *websocket.Hub

	// bcrypt хеш bearer токена; пусто - /api/v1 без авторизации
	TokenHash string
}

// SetupRoutes настраивает все HTTP маршруты ops API
//
// Структура маршрутов:
//
//	/health                          - GET, публичный
//	/metrics                         - GET, Prometheus, публичный
//	/api/v1/
//	├── GET  /positions              - позиции под наблюдением
//	├── POST /supervise              - выполнить проход (409 если уже идёт)
//	├── GET  /orders                 - снимок открытых ордеров
//	├── POST /orders/{id}/cancel     - отменить ордер-сироту
//	├── POST /trades                 - открыть сделку со стопом
//	├── GET  /notifications          - журнал уведомлений
//	└── GET  /stream                 - WebSocket: уведомления и снимки позиций
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. Auth (только /api/v1)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if deps == nil {
		return router
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(deps.TokenHash))

	if deps.Supervisor != nil {
		positionHandler := handlers.NewPositionHandler(deps.Supervisor)
		api.HandleFunc("/positions", positionHandler.GetPositions).Methods(http.MethodGet)
		api.HandleFunc("/supervise", positionHandler.TriggerSupervise).Methods(http.MethodPost)
	}

	if deps.Registry != nil && deps.Orphans != nil {
		orderHandler := handlers.NewOrderHandler(deps.Registry, deps.Orphans)
		api.HandleFunc("/orders", orderHandler.GetOrders).Methods(http.MethodGet)
		api.HandleFunc("/orders/{id}/cancel", orderHandler.CancelOrder).Methods(http.MethodPost)
	}

	if deps.Executor != nil {
		tradeHandler := handlers.NewTradeHandler(deps.Executor)
		api.HandleFunc("/trades", tradeHandler.Execute).Methods(http.MethodPost)
	}

	if deps.Notifications != nil {
		notificationHandler := handlers.NewNotificationHandler(deps.Notifications)
		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods(http.MethodGet)
	}

	if deps.Hub != nil {
		api.HandleFunc("/stream", deps.Hub.ServeWS).Methods(http.MethodGet)
	}

	return router
}
