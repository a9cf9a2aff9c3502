package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"riskguard/internal/exchange"
)

// ============================================================
// Prometheus метрики супервизора позиций
// ============================================================
//
// Использование:
// - /metrics ops API (promhttp)
// - алерты на FeedFailures и OrphanOrders

// ============ Проходы супервизора ============

// SupervisionPasses - проходы супервизора по результату
var SupervisionPasses = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "supervisor",
		Name:      "passes_total",
		Help:      "Total number of supervision passes",
	},
	[]string{"result"}, // ok, error, skipped
)

// PassDuration - длительность прохода
var PassDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "riskguard",
		Subsystem: "supervisor",
		Name:      "pass_duration_seconds",
		Help:      "Duration of one supervision pass",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	},
)

// MonitoredPositions - позиции под наблюдением
var MonitoredPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "supervisor",
		Name:      "monitored_positions",
		Help:      "Current number of monitored positions",
	},
)

// ============ Потоки цен ============

// FeedReconnects - попытки переподключения потоков
var FeedReconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Price feed reconnect attempts",
	},
	[]string{"symbol"},
)

// FeedFailures - потоки, исчерпавшие переподключения
var FeedFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "feed",
		Name:      "failures_total",
		Help:      "Price feeds that exhausted reconnect attempts",
	},
	[]string{"symbol"},
)

// FeedConnections - состояние потока (1=connected, 0=нет)
var FeedConnections = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "feed",
		Name:      "connection_status",
		Help:      "Price feed connection status (1=connected, 0=disconnected)",
	},
	[]string{"symbol"},
)

// TicksDropped - тики, отброшенные из-за полного буфера
var TicksDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "feed",
		Name:      "ticks_dropped_total",
		Help:      "Ticks dropped because the consumer buffer was full",
	},
	[]string{"symbol"},
)

// ============ Ордера и риск ============

// StopMoves - переносы стопа в безубыток
var StopMoves = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "stop_moves_total",
		Help:      "Breakeven stop adjustments",
	},
	[]string{"symbol", "result"}, // result: moved, failed
)

// LiquidationRisks - стопы за ценой ликвидации
var LiquidationRisks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "liquidation_risks_total",
		Help:      "Protective stops found beyond the liquidation price",
	},
	[]string{"symbol"},
)

// OrphanOrders - подтверждённые ордера без позиции
var OrphanOrders = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "orphan_orders_total",
		Help:      "Orders confirmed to have no matching position",
	},
)

// OrderPlacements - размещение ордеров по типу и результату
var OrderPlacements = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "orders",
		Name:      "placements_total",
		Help:      "Order placements by type and result",
	},
	[]string{"type", "result"}, // result: success, failed, retried
)

// BufferOverflows - переполнения очередей (события отброшены)
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "runtime",
		Name:      "buffer_overflows_total",
		Help:      "Number of queue overflows (events dropped)",
	},
	[]string{"buffer"}, // notification
)

// ============ Вспомогательные функции ============

// RecordPass записывает результат и длительность прохода
func RecordPass(result string, d time.Duration) {
	SupervisionPasses.WithLabelValues(result).Inc()
	if result != "skipped" {
		PassDuration.Observe(d.Seconds())
	}
}

// RecordStopMove записывает перенос стопа
func RecordStopMove(symbol string, err error) {
	if err != nil {
		StopMoves.WithLabelValues(symbol, "failed").Inc()
		return
	}
	StopMoves.WithLabelValues(symbol, "moved").Inc()
}

// RecordOrderPlacement записывает результат размещения ордера
func RecordOrderPlacement(orderType, result string) {
	OrderPlacements.WithLabelValues(orderType, result).Inc()
}

// RecordBufferOverflow записывает переполнение очереди
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// FeedMetricsHooks возвращает hooks потока цен, пишущие в метрики
func FeedMetricsHooks() exchange.FeedHooks {
	return exchange.FeedHooks{
		OnStateChange: func(symbol string, from, to exchange.FeedState) {
			if to == exchange.FeedConnected {
				FeedConnections.WithLabelValues(symbol).Set(1)
			} else if from == exchange.FeedConnected {
				FeedConnections.WithLabelValues(symbol).Set(0)
			}
		},
		OnReconnect: func(symbol string, attempt int) {
			FeedReconnects.WithLabelValues(symbol).Inc()
		},
		OnDrop: func(symbol string) {
			TicksDropped.WithLabelValues(symbol).Inc()
		},
	}
}
