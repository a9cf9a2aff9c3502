package bot

import (
	"context"
	"sync"
	"time"

	"riskguard/internal/exchange"
)

// MonitoredPosition - позиция под наблюдением супервизора (ключ SYMBOL_SIDE)
//
// Поля меняют только супервизор (проход) и обработчик тиков.
// mu защищает поля, stopMu сериализует чтение-изменение-запись стопа
// между проходом и тиком.
type MonitoredPosition struct {
	key    string
	symbol string
	side   string

	mu           sync.RWMutex
	position     exchange.Position
	stop         *exchange.Order
	stopSetAt    time.Time // когда стоп выставлен этим процессом
	originalStop float64
	entryPrice   float64
	leverage     int
	tradeID      int64
	lastPrice    float64
	lastTickAt   time.Time
	feedFailed   bool
	liqReported  string // id стопа, о котором уже сообщили

	stopMu sync.Mutex

	// пишет только проход супервизора (feed - под mu)
	feed   exchange.PriceStream
	cancel context.CancelFunc
	done   chan struct{}
}

// PositionView - копия состояния позиции для чтения (ops API, решения)
type PositionView struct {
	Key              string    `json:"key"`
	Symbol           string    `json:"symbol"`
	Side             string    `json:"position_side"`
	Amount           float64   `json:"amount"`
	EntryPrice       float64   `json:"entry_price"`
	MarkPrice        float64   `json:"mark_price"`
	LiquidationPrice float64   `json:"liquidation_price"`
	UnrealizedPnl    float64   `json:"unrealized_pnl"`
	Leverage         int       `json:"leverage"`
	PositionID       string    `json:"position_id,omitempty"`
	TradeID          int64     `json:"trade_id,omitempty"`
	OriginalStop     float64   `json:"original_stop"`
	StopPrice        float64   `json:"stop_price"`
	StopOrderID      string    `json:"stop_order_id,omitempty"`
	LastPrice        float64   `json:"last_price"`
	LastTickAt       time.Time `json:"last_tick_at"`
	FeedState        string    `json:"feed_state"`
	FeedFailed       bool      `json:"feed_failed"`
}

func newMonitoredPosition(pos *exchange.Position) *MonitoredPosition {
	return &MonitoredPosition{
		key:        pos.Key(),
		symbol:     pos.Symbol,
		side:       pos.Side,
		position:   *pos,
		entryPrice: pos.EntryPrice,
		leverage:   pos.Leverage,
	}
}

// Key возвращает SYMBOL_SIDE
func (mp *MonitoredPosition) Key() string { return mp.key }

// Snapshot возвращает копию состояния
func (mp *MonitoredPosition) Snapshot() PositionView {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	v := PositionView{
		Key:              mp.key,
		Symbol:           mp.symbol,
		Side:             mp.side,
		Amount:           mp.position.Amount,
		EntryPrice:       mp.entryPrice,
		MarkPrice:        mp.position.MarkPrice,
		LiquidationPrice: mp.position.LiquidationPrice,
		UnrealizedPnl:    mp.position.UnrealizedPnl,
		Leverage:         mp.leverage,
		PositionID:       mp.position.PositionID,
		TradeID:          mp.tradeID,
		OriginalStop:     mp.originalStop,
		LastPrice:        mp.lastPrice,
		LastTickAt:       mp.lastTickAt,
		FeedFailed:       mp.feedFailed,
	}
	if mp.stop != nil {
		v.StopPrice = StopPriceOf(mp.stop)
		v.StopOrderID = mp.stop.ID
	}
	if mp.feed != nil {
		v.FeedState = mp.feed.State().String()
	} else {
		v.FeedState = exchange.FeedDisconnected.String()
	}
	return v
}

// refresh применяет данные прохода.
//
// stop из реестра игнорируется, если этот процесс выставил стоп
// после снимка реестра (snapshotAt): снимок мог не увидеть замену.
func (mp *MonitoredPosition) refresh(pos *exchange.Position, stop *exchange.Order, originalStop float64, tradeID int64, snapshotAt time.Time) {
	mp.stopMu.Lock()
	defer mp.stopMu.Unlock()

	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.position = *pos
	mp.entryPrice = pos.EntryPrice
	if pos.Leverage > 0 {
		mp.leverage = pos.Leverage
	}
	if tradeID != 0 {
		mp.tradeID = tradeID
	}

	if mp.stopSetAt.IsZero() || !mp.stopSetAt.After(snapshotAt) {
		if stop != nil {
			cp := *stop
			mp.stop = &cp
		} else {
			mp.stop = nil
		}
		mp.stopSetAt = time.Time{}
	}

	switch {
	case originalStop > 0:
		mp.originalStop = originalStop
	case mp.originalStop == 0 && mp.stop != nil:
		mp.originalStop = StopPriceOf(mp.stop)
	}
}

// setStop сохраняет подтверждённый биржей стоп; вызывать под stopMu
func (mp *MonitoredPosition) setStop(o *exchange.Order) {
	mp.mu.Lock()
	mp.stop = o
	mp.stopSetAt = time.Now()
	mp.mu.Unlock()
}

func (mp *MonitoredPosition) recordTick(t exchange.Tick) {
	mp.mu.Lock()
	mp.lastPrice = t.Price
	mp.lastTickAt = t.Time
	mp.mu.Unlock()
}

func (mp *MonitoredPosition) setFeedFailed(failed bool) {
	mp.mu.Lock()
	mp.feedFailed = failed
	mp.mu.Unlock()
}

func (mp *MonitoredPosition) needsFeed() bool {
	if mp.feed == nil {
		return true
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.feedFailed
}

// markLiquidationReported - true, если о стопе stopID ещё не сообщали
func (mp *MonitoredPosition) markLiquidationReported(stopID string) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.liqReported == stopID {
		return false
	}
	mp.liqReported = stopID
	return true
}

// startWorker подключает поток и запускает обработку тиков по порядку
//
// onTick вызывается последовательно; onFail - один раз при исчерпании переподключений.
func (mp *MonitoredPosition) startWorker(parent context.Context, feed exchange.PriceStream, onTick func(ctx context.Context, t exchange.Tick), onFail func(err error)) {
	ctx, cancel := context.WithCancel(parent)
	mp.mu.Lock()
	mp.feed = feed
	mp.feedFailed = false
	mp.mu.Unlock()
	mp.cancel = cancel
	mp.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticks := feed.Ticks()
		for {
			select {
			case t, ok := <-ticks:
				if !ok {
					select {
					case err := <-feed.Failed():
						if err != nil && ctx.Err() == nil {
							onFail(err)
						}
					default:
					}
					return
				}
				mp.recordTick(t)
				onTick(ctx, t)
			case <-ctx.Done():
				return
			}
		}
	}(mp.done)
}

// stopWorker отключает поток и ждёт завершения обработчика; повторный вызов безопасен
func (mp *MonitoredPosition) stopWorker() {
	if mp.cancel != nil {
		mp.cancel()
	}
	if mp.feed != nil {
		mp.feed.Disconnect()
	}
	if mp.done != nil {
		<-mp.done
	}
	mp.mu.Lock()
	mp.feed = nil
	mp.mu.Unlock()
	mp.cancel = nil
	mp.done = nil
}
