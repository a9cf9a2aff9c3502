package exchange

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"riskguard/pkg/utils"
)

// FeedConfig конфигурация потока цен
type FeedConfig struct {
	URL string
	// Интервал текстового "Ping"; без ответа за 2 интервала соединение считается мёртвым
	PingInterval time.Duration
	// Фиксированная пауза перед переподключением
	ReconnectDelay time.Duration
	// Максимум неудачных переподключений подряд, дальше поток сдаётся
	MaxReconnects int
	// Таймаут установки соединения
	ConnectTimeout time.Duration
	// Размер буфера тиков; при переполнении тик отбрасывается
	TickBuffer int
}

// DefaultFeedConfig возвращает конфигурацию по умолчанию
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		URL:            bingxWSURL,
		PingInterval:   30 * time.Second,
		ReconnectDelay: 60 * time.Second,
		MaxReconnects:  5,
		ConnectTimeout: 10 * time.Second,
		TickBuffer:     64,
	}
}

func (c *FeedConfig) normalize() {
	d := DefaultFeedConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = d.MaxReconnects
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.TickBuffer <= 0 {
		c.TickBuffer = d.TickBuffer
	}
}

// FeedHooks - необязательные callbacks для метрик
type FeedHooks struct {
	OnStateChange func(symbol string, from, to FeedState)
	OnReconnect   func(symbol string, attempt int)
	OnDrop        func(symbol string)
}

// ============ Состояния ============

// FeedState состояние потока цен
type FeedState int32

const (
	FeedDisconnected FeedState = iota
	FeedConnecting
	FeedConnected
	FeedClosed
)

func (s FeedState) String() string {
	switch s {
	case FeedDisconnected:
		return "disconnected"
	case FeedConnecting:
		return "connecting"
	case FeedConnected:
		return "connected"
	case FeedClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// feedTransitions - допустимые переходы; Closed конечное
var feedTransitions = map[FeedState][]FeedState{
	FeedDisconnected: {FeedConnecting, FeedClosed},
	FeedConnecting:   {FeedConnected, FeedDisconnected, FeedClosed},
	FeedConnected:    {FeedDisconnected, FeedClosed},
	FeedClosed:       {},
}

// CanFeedTransition проверяет допустимость перехода
func CanFeedTransition(from, to FeedState) bool {
	for _, s := range feedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tick - последняя цена символа
type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// PriceStream - поток цен одной позиции
//
// Реализация: *PriceFeed. В тестах bot подставляется fake.
type PriceStream interface {
	Connect(ctx context.Context) error
	Ticks() <-chan Tick
	Failed() <-chan error
	Disconnect()
	State() FeedState
}

// PriceFeed - поток последней цены одного символа через WebSocket BingX
//
// Назначение:
// Доставляет тики владельцу (супервизору) и сам восстанавливает соединение.
//
// Функции:
// - текстовый heartbeat "Ping"/"Pong", принудительный reconnect при тишине 2×PingInterval
// - переподключение через фиксированную паузу, не более MaxReconnects попыток подряд
// - gzip и plain payload; ping/pong (текстовые и control frames) не доходят до тиков
// - после исчерпания попыток закрывает Failed() с ErrFeedExhausted
//
// Использование:
// 1. feed := NewPriceFeed("BTC-USDT", cfg, log)
// 2. feed.Connect(ctx)
// 3. for tick := range feed.Ticks() { ... }
// 4. feed.Disconnect()
type PriceFeed struct {
	symbol string
	cfg    FeedConfig
	hooks  FeedHooks
	log    *utils.Logger
	dialer *websocket.Dialer

	state    int32 // atomic FeedState
	attempts int32 // atomic, неудачные переподключения подряд
	lastAck  int64 // atomic, unix nano последнего heartbeat

	ticks     chan Tick
	failed    chan error
	ticksOnce sync.Once
	failOnce  sync.Once

	// ctx живёт до Disconnect, а не до ctx вызывающего Connect
	ctx    context.Context
	cancel context.CancelFunc

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex

	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewPriceFeed создаёт поток для символа (BTC-USDT)
func NewPriceFeed(symbol string, cfg FeedConfig, log *utils.Logger) *PriceFeed {
	cfg.normalize()
	if log == nil {
		log = utils.L()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &PriceFeed{
		symbol: utils.ToBingXSymbol(symbol),
		cfg:    cfg,
		log:    log.WithComponent("price_feed").WithSymbol(symbol),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		state:  int32(FeedDisconnected),
		ticks:  make(chan Tick, cfg.TickBuffer),
		failed: make(chan error, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// SetHooks устанавливает callbacks; вызывать до Connect
func (f *PriceFeed) SetHooks(h FeedHooks) {
	f.hooks = h
}

// Symbol возвращает символ потока
func (f *PriceFeed) Symbol() string { return f.symbol }

// State возвращает текущее состояние
func (f *PriceFeed) State() FeedState {
	return FeedState(atomic.LoadInt32(&f.state))
}

// Attempts возвращает число неудачных переподключений подряд
func (f *PriceFeed) Attempts() int {
	return int(atomic.LoadInt32(&f.attempts))
}

// Ticks возвращает канал тиков; закрывается после Disconnect или отказа
func (f *PriceFeed) Ticks() <-chan Tick { return f.ticks }

// Failed получает ErrFeedExhausted, когда попытки переподключения исчерпаны
func (f *PriceFeed) Failed() <-chan error { return f.failed }

// transition меняет состояние, если переход допустим
func (f *PriceFeed) transition(to FeedState) bool {
	for {
		from := f.State()
		if !CanFeedTransition(from, to) {
			return false
		}
		if atomic.CompareAndSwapInt32(&f.state, int32(from), int32(to)) {
			if f.hooks.OnStateChange != nil {
				f.hooks.OnStateChange(f.symbol, from, to)
			}
			return true
		}
	}
}

// Connect устанавливает первое соединение и запускает цикл чтения
//
// Ошибка первого подключения возвращается вызывающему без переподключений:
// владелец сам решает, когда пробовать снова. Поток подключается один раз,
// после отказа или Disconnect нужен новый PriceFeed.
func (f *PriceFeed) Connect(ctx context.Context) error {
	if f.started.Load() || !f.transition(FeedConnecting) {
		return fmt.Errorf("connect %s: %w (state %s)", f.symbol, ErrFeedClosed, f.State())
	}

	conn, err := f.dial(ctx)
	if err != nil {
		f.transition(FeedDisconnected)
		return err
	}
	if !f.transition(FeedConnected) {
		conn.Close()
		return fmt.Errorf("connect %s: %w", f.symbol, ErrFeedClosed)
	}

	f.started.Store(true)
	go f.run(conn)
	return nil
}

// dial подключается и подписывается на последнюю цену
func (f *PriceFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}

	sub, err := json.Marshal(map[string]string{
		"id":       uuid.NewString(),
		"reqType":  "sub",
		"dataType": f.symbol + "@lastPrice",
	})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(f.cfg.ConnectTimeout))
		err = conn.WriteMessage(websocket.TextMessage, sub)
		conn.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", f.symbol, err)
	}

	conn.SetPingHandler(func(data string) error {
		f.markAck()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		f.markAck()
		return nil
	})

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	return conn, nil
}

// run обслуживает соединение и переподключается до Disconnect или исчерпания попыток
func (f *PriceFeed) run(conn *websocket.Conn) {
	defer close(f.done)
	defer f.closeTicks()

	f.log.Info("price feed connected")

	for {
		err := f.serve(conn)
		if f.ctx.Err() != nil {
			return
		}

		f.transition(FeedDisconnected)
		f.log.Warn("price feed disconnected", utils.Err(err))

		conn = f.reconnect()
		if conn == nil {
			return
		}
	}
}

// reconnect ждёт ReconnectDelay и подключается; nil - закрыт или попытки исчерпаны
func (f *PriceFeed) reconnect() *websocket.Conn {
	for {
		attempt := int(atomic.AddInt32(&f.attempts, 1))
		if attempt > f.cfg.MaxReconnects {
			f.log.Error("price feed reconnect attempts exhausted", utils.Attempt(attempt-1))
			f.fail(ErrFeedExhausted)
			return nil
		}

		timer := time.NewTimer(f.cfg.ReconnectDelay)
		select {
		case <-f.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if !f.transition(FeedConnecting) {
			return nil
		}
		if f.hooks.OnReconnect != nil {
			f.hooks.OnReconnect(f.symbol, attempt)
		}

		conn, err := f.dial(f.ctx)
		if err != nil {
			f.transition(FeedDisconnected)
			f.log.Warn("price feed reconnect failed",
				utils.Attempt(attempt),
				utils.Int("max_attempts", f.cfg.MaxReconnects),
				utils.Err(err),
			)
			continue
		}
		if !f.transition(FeedConnected) {
			conn.Close()
			return nil
		}

		atomic.StoreInt32(&f.attempts, 0)
		f.log.Info("price feed reconnected", utils.Attempt(attempt))
		return conn
	}
}

// serve читает соединение до ошибки; heartbeat закрывает его при тишине
func (f *PriceFeed) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	defer conn.Close()

	f.markAck()
	go f.heartbeat(conn, stop)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(conn, msg)
	}
}

// heartbeat шлёт "Ping" каждые PingInterval и рвёт соединение без ответа за 2 интервала
func (f *PriceFeed) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			silence := time.Since(time.Unix(0, atomic.LoadInt64(&f.lastAck)))
			if silence > 2*f.cfg.PingInterval {
				f.log.Warn("price feed heartbeat timeout, forcing reconnect", utils.Duration("silence", silence))
				conn.Close()
				return
			}
			if err := f.write(conn, "Ping"); err != nil {
				f.log.Warn("price feed ping failed", utils.Err(err))
				conn.Close()
				return
			}
		}
	}
}

func (f *PriceFeed) write(conn *websocket.Conn, text string) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(f.cfg.ConnectTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (f *PriceFeed) markAck() {
	atomic.StoreInt64(&f.lastAck, time.Now().UnixNano())
}

// handleMessage разбирает одно сообщение; heartbeat не доходит до тиков
func (f *PriceFeed) handleMessage(conn *websocket.Conn, msg []byte) {
	payload, err := decodePayload(msg)
	if err != nil {
		f.log.Debug("price feed: undecodable payload", utils.Err(err))
		return
	}

	switch strings.TrimSpace(string(payload)) {
	case "Ping":
		f.markAck()
		if err := f.write(conn, "Pong"); err != nil {
			f.log.Warn("price feed pong failed", utils.Err(err))
		}
		return
	case "Pong":
		f.markAck()
		return
	}

	tick, ok := f.parseTick(payload)
	if !ok {
		return
	}
	atomic.StoreInt32(&f.attempts, 0)

	select {
	case f.ticks <- tick:
	default:
		if f.hooks.OnDrop != nil {
			f.hooks.OnDrop(f.symbol)
		}
	}
}

// parseTick разбирает push последней цены:
// {"dataType":"BTC-USDT@lastPrice","data":{"e":"lastPriceUpdate","E":1700000000000,"s":"BTC-USDT","c":"64250.5"}}
func (f *PriceFeed) parseTick(payload []byte) (Tick, bool) {
	var msg struct {
		DataType string `json:"dataType"`
		Data     *struct {
			// "e" объявлен явно: иначе совпадёт с "E" без учёта регистра
			Event     string    `json:"e"`
			Symbol    string    `json:"s"`
			Price     flexFloat `json:"c"`
			EventTime int64     `json:"E"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Data == nil {
		return Tick{}, false
	}
	if msg.Data.Symbol != "" && msg.Data.Symbol != f.symbol {
		return Tick{}, false
	}
	if msg.Data.Price <= 0 {
		return Tick{}, false
	}

	ts := time.Now()
	if msg.Data.EventTime > 0 {
		ts = time.UnixMilli(msg.Data.EventTime)
	}
	return Tick{Symbol: f.symbol, Price: float64(msg.Data.Price), Time: ts}, true
}

// decodePayload распаковывает gzip, остальное возвращает как есть
func decodePayload(msg []byte) ([]byte, error) {
	if len(msg) < 2 || msg[0] != 0x1f || msg[1] != 0x8b {
		return msg, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(msg))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func (f *PriceFeed) fail(err error) {
	f.failOnce.Do(func() {
		f.failed <- err
		close(f.failed)
	})
}

func (f *PriceFeed) closeTicks() {
	f.ticksOnce.Do(func() { close(f.ticks) })
}

// Disconnect закрывает поток; повторный вызов ничего не делает
//
// Ждёт завершения цикла чтения: после возврата ни один таймер
// переподключения или heartbeat уже не сработает.
func (f *PriceFeed) Disconnect() {
	f.closeOnce.Do(func() {
		f.transition(FeedClosed)
		f.cancel()

		f.connMu.Lock()
		if f.conn != nil {
			f.writeMu.Lock()
			err := f.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			f.writeMu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				f.log.Debug("price feed close frame failed", utils.Err(err))
			}
			f.conn.Close()
			f.conn = nil
		}
		f.connMu.Unlock()

		if f.started.Load() {
			<-f.done
		} else {
			f.closeTicks()
		}
		f.log.Info("price feed disconnected by owner")
	})
}
