package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"riskguard/internal/models"
	"riskguard/pkg/retry"
	"riskguard/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultQueueSize       = 256
	defaultSendTimeout     = 10 * time.Second
	defaultTelegramBaseURL = "https://api.telegram.org"
	defaultRecentLimit     = 100
	maxRecentLimit         = 500
)

// ErrNotifierClosed - сервис уже остановлен
var ErrNotifierClosed = errors.New("notification service closed")

// NotificationConfig - настройки доставки уведомлений
type NotificationConfig struct {
	WebhookURL      string // пусто = webhook выключен
	TelegramToken   string // пусто = Telegram выключен
	TelegramChatID  string
	TelegramBaseURL string        // для тестов; по умолчанию api.telegram.org
	QueueSize       int           // ёмкость очереди
	SendTimeout     time.Duration // таймаут доставки одного события во все каналы

	// повторы POST на 5xx, 429 и сетевых ошибках; MaxRetries 0 = retry.ConservativeConfig
	Retry retry.Config
}

func (c *NotificationConfig) normalize() {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.TelegramBaseURL == "" {
		c.TelegramBaseURL = defaultTelegramBaseURL
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry = retry.ConservativeConfig()
	}
	c.TelegramBaseURL = strings.TrimRight(c.TelegramBaseURL, "/")
}

// NotificationService доставляет события супервизора оператору.
//
// Назначение:
// Супервизор и исполнитель не должны ждать сеть ради уведомления,
// поэтому Notify только ставит событие в очередь.
//
// Функции:
// - Notify: неблокирующая постановка события в очередь
// - Recent: последние сохранённые события (для ops API)
// - Close: остановка с доставкой всего, что уже в очереди
//
// Один worker по очереди:
// - сохраняет событие в БД
// - публикует в живой поток (если подключен)
// - POST JSON на webhook
// - отправляет текст в Telegram (если настроен)
//
// POST повторяется с backoff на 5xx, 429 и сетевых ошибках, остальные
// ответы не повторяются. Ошибки каналов только логируются. При переполнении очереди событие
// отбрасывается и учитывается в Dropped (и в hook OnDrop).
type NotificationService struct {
	store  NotificationStore
	cfg    NotificationConfig
	client *http.Client
	log    *utils.Logger

	queue  chan *models.Notification
	done   chan struct{}
	mu     sync.RWMutex // защищает queue от отправки после close
	closed bool

	dropped   atomic.Int64
	onDrop    func(kind string)
	publisher NotificationPublisher
}

// NewNotificationService создает сервис и запускает worker
func NewNotificationService(store NotificationStore, cfg NotificationConfig, log *utils.Logger) *NotificationService {
	cfg.normalize()
	if log == nil {
		log = utils.L()
	}

	s := &NotificationService{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.SendTimeout},
		log:    log.WithComponent("notifier"),
		queue:  make(chan *models.Notification, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	if s.cfg.Retry.OnRetry == nil {
		s.cfg.Retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			s.log.Debug("retrying notification delivery",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}
	}

	go s.worker()

	return s
}

// SetDropHook задаёт callback на отброшенное событие (метрика)
func (s *NotificationService) SetDropHook(fn func(kind string)) {
	s.onDrop = fn
}

// SetPublisher подключает живой поток событий (вызывать до первого Notify)
func (s *NotificationService) SetPublisher(p NotificationPublisher) {
	s.publisher = p
}

// SetHTTPClient подменяет HTTP клиент (тесты)
func (s *NotificationService) SetHTTPClient(c *http.Client) {
	s.client = c
}

// NewEvent собирает уведомление с уровнем важности по умолчанию для типа
func NewEvent(kind, symbol, positionSide, message string) *models.Notification {
	return &models.Notification{
		Kind:         kind,
		Severity:     models.SeverityForKind(kind),
		Symbol:       symbol,
		PositionSide: positionSide,
		Message:      message,
	}
}

// Notify ставит событие в очередь и сразу возвращается.
//
// Возвращает false, если событие отброшено (очередь полна или сервис закрыт).
func (s *NotificationService) Notify(n *models.Notification) bool {
	if n == nil {
		return false
	}
	if n.EventID == "" {
		n.EventID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if n.Severity == "" {
		n.Severity = models.SeverityForKind(n.Kind)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop(n, "closed")
		return false
	}

	select {
	case s.queue <- n:
		return true
	default:
		s.drop(n, "queue full")
		return false
	}
}

func (s *NotificationService) drop(n *models.Notification, reason string) {
	s.dropped.Add(1)
	s.log.Warn("notification dropped",
		zap.String("reason", reason),
		zap.String("kind", n.Kind),
		utils.Symbol(n.Symbol),
	)
	if s.onDrop != nil {
		s.onDrop(n.Kind)
	}
}

// Dropped возвращает число отброшенных событий
func (s *NotificationService) Dropped() int64 {
	return s.dropped.Load()
}

// Recent возвращает последние сохранённые уведомления, новые первыми
func (s *NotificationService) Recent(ctx context.Context, limit int) ([]*models.Notification, error) {
	if s.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	return s.store.GetRecent(ctx, limit)
}

// Close прекращает приём событий и ждёт доставки очереди
//
// Повторный вызов безопасен. ctx ограничивает ожидание.
func (s *NotificationService) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============ Доставка ============

func (s *NotificationService) worker() {
	defer close(s.done)
	for n := range s.queue {
		s.deliver(n)
	}
}

func (s *NotificationService) deliver(n *models.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()

	if s.store != nil {
		if err := s.store.Create(ctx, n); err != nil {
			s.log.Error("failed to save notification", zap.String("kind", n.Kind), zap.Error(err))
		}
	}

	if s.publisher != nil {
		s.publisher.PublishNotification(n)
	}

	if s.cfg.WebhookURL != "" {
		if err := s.postWebhook(ctx, n); err != nil {
			s.log.Warn("webhook delivery failed", zap.String("kind", n.Kind), zap.Error(err))
		}
	}

	if s.cfg.TelegramToken != "" && s.cfg.TelegramChatID != "" {
		if err := s.sendTelegram(ctx, n); err != nil {
			s.log.Warn("telegram delivery failed", zap.String("kind", n.Kind), zap.Error(err))
		}
	}
}

func (s *NotificationService) postWebhook(ctx context.Context, n *models.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.postJSON(ctx, s.cfg.WebhookURL, body)
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (s *NotificationService) sendTelegram(ctx context.Context, n *models.Notification) error {
	body, err := json.Marshal(telegramMessage{ChatID: s.cfg.TelegramChatID, Text: RenderText(n)})
	if err != nil {
		return err
	}
	url := s.cfg.TelegramBaseURL + "/bot" + s.cfg.TelegramToken + "/sendMessage"
	return s.postJSON(ctx, url, body)
}

// postJSON отправляет body с повторами в пределах ctx
func (s *NotificationService) postJSON(ctx context.Context, url string, body []byte) error {
	return retry.Do(ctx, func() error {
		return s.postOnce(ctx, url, body)
	}, s.cfg.Retry)
}

func (s *NotificationService) postOnce(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return retry.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

// RenderText - текст уведомления для чата
//
//	[WARN] ORPHAN_ORDER BTC-USDT LONG
//	Order 123 has no matching position
func RenderText(n *models.Notification) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(n.Severity))
	b.WriteString("] ")
	b.WriteString(n.Kind)
	if n.Symbol != "" {
		b.WriteString(" ")
		b.WriteString(n.Symbol)
	}
	if n.PositionSide != "" {
		b.WriteString(" ")
		b.WriteString(n.PositionSide)
	}
	if n.Message != "" {
		b.WriteString("\n")
		b.WriteString(n.Message)
	}
	return b.String()
}
