package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"riskguard/internal/bot"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultBroadcastBuffer = 256
	defaultClientBuffer    = 64
)

// HubConfig - параметры потока событий
type HubConfig struct {
	AllowedOrigins  []string // пусто - любой Origin
	BroadcastBuffer int
	ClientBuffer    int
}

// PositionSource - источник снимков позиций (PositionSupervisor)
type PositionSource interface {
	Snapshot() []bot.PositionView
}

// Hub управляет подписчиками живого потока ops API
//
// Назначение:
// Оператор видит события супервизора без опроса /notifications:
// уведомления и периодические снимки позиций рассылаются всем
// подключенным клиентам.
//
// Функции:
// - Регистрация и отмена регистрации клиентов
// - Неблокирующий Broadcast (при переполнении сообщение отбрасывается)
// - Отключение клиентов, не успевающих читать
// - PublishNotification: реализация service.NotificationPublisher
// - StreamPositions: периодические снимки, пока есть подписчики
//
// Использование:
//
//	hub := NewHub(HubConfig{AllowedOrigins: cfg.Ops.AllowedOrigins}, log)
//	go hub.Run()
//	defer hub.Stop()
//	router.HandleFunc("/api/v1/stream", hub.ServeWS)
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	stop     chan struct{}
	stopOnce sync.Once

	dropped      atomic.Int64
	clientBuffer int
	origins      *OriginChecker
	log          *utils.Logger
}

// NewHub создает Hub (Run запускается отдельно)
func NewHub(cfg HubConfig, log *utils.Logger) *Hub {
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = defaultBroadcastBuffer
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = defaultClientBuffer
	}
	if log == nil {
		log = utils.L()
	}

	return &Hub{
		clients:      make(map[*Client]struct{}),
		broadcast:    make(chan []byte, cfg.BroadcastBuffer),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		stop:         make(chan struct{}),
		clientBuffer: cfg.ClientBuffer,
		origins:      NewOriginChecker(cfg.AllowedOrigins),
		log:          log.WithComponent("stream"),
	}
}

// Run - главный цикл Hub, работает до Stop
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("stream client connected", zap.String("remote_addr", client.remoteAddr), zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("stream client disconnected", zap.String("remote_addr", client.remoteAddr), zap.Int("clients", total))

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// fanOut отправляет сообщение всем клиентам; медленные отключаются
func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}

	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Warn("removed slow stream clients", zap.Int("removed", len(slow)), zap.Int("clients", total))
}

// Stop останавливает Run и закрывает всех клиентов. Повторный вызов безопасен.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast сериализует сообщение и ставит в очередь рассылки
//
// Не блокируется: при полной очереди сообщение отбрасывается.
func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("failed to marshal stream message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.stop:
	default:
		h.dropped.Add(1)
		bot.RecordBufferOverflow("stream")
	}
}

// PublishNotification рассылает уведомление подписчикам
func (h *Hub) PublishNotification(n *models.Notification) {
	if n == nil || h.ClientCount() == 0 {
		return
	}
	h.Broadcast(NewNotificationMessage(n))
}

// PublishPositions рассылает снимок позиций
func (h *Hub) PublishPositions(views []bot.PositionView) {
	h.Broadcast(NewPositionsMessage(views))
}

// StreamPositions периодически рассылает снимки позиций
//
// Пока подписчиков нет, снимок не строится. Блокируется до отмены ctx или Stop.
func (h *Hub) StreamPositions(ctx context.Context, source PositionSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			h.PublishPositions(source.Snapshot())
		}
	}
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages возвращает число сообщений, отброшенных при полной очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
