package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/internal/repository"
	"riskguard/pkg/utils"
)

// PositionSource - откуда супервизор берёт позиции
type PositionSource interface {
	GetPositions(ctx context.Context) ([]*exchange.Position, error)
}

// SupervisorConfig - настройки супервизора
type SupervisorConfig struct {
	TickTimeout time.Duration // лимит на обработку одного тика (перенос стопа)
}

// DefaultSupervisorConfig возвращает настройки по умолчанию
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{TickTimeout: 30 * time.Second}
}

// PositionSupervisor - владелец карты позиций под наблюдением
//
// Назначение:
// Один проход (Supervise) приводит карту к набору ненулевых позиций биржи,
// подключает к каждой позиции поток цен и защищает её стопом.
//
// Проход:
// 1. позиции с биржи
// 2. обновление реестра ордеров (ошибка - работаем со старым снимком)
// 3. удаление исчезнувших позиций (сначала отключаем поток)
// 4. обновление / создание остальных, стоп по сделке, если его нет
// 5. поиск ордеров-сирот
//
// Проходы не пересекаются: второй одновременный вызов получает ErrPassInProgress.
// Тики каждой позиции обрабатываются своим worker по порядку поступления.
type PositionSupervisor struct {
	positionsSrc PositionSource
	registry     *OpenOrderRegistry
	controller   *BreakevenStopController
	reconciler   *OrphanReconciler
	trades       TradeStore
	feeds        FeedSource
	notifier     Notifier
	cfg          SupervisorConfig
	log          *utils.Logger

	passMu sync.Mutex

	mu        sync.RWMutex
	positions map[string]*MonitoredPosition

	// контекст worker'ов живёт до DisconnectAll, а не до ctx прохода
	ctx    context.Context
	cancel context.CancelFunc

	statsMu  sync.RWMutex
	lastPass time.Time
	lastErr  error
}

// NewPositionSupervisor создает супервизор
func NewPositionSupervisor(
	positionsSrc PositionSource,
	registry *OpenOrderRegistry,
	controller *BreakevenStopController,
	reconciler *OrphanReconciler,
	trades TradeStore,
	feeds FeedSource,
	notifier Notifier,
	cfg SupervisorConfig,
	log *utils.Logger,
) *PositionSupervisor {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = utils.L()
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultSupervisorConfig().TickTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &PositionSupervisor{
		positionsSrc: positionsSrc,
		registry:     registry,
		controller:   controller,
		reconciler:   reconciler,
		trades:       trades,
		feeds:        feeds,
		notifier:     notifier,
		cfg:          cfg,
		log:          log.WithComponent("supervisor"),
		positions:    make(map[string]*MonitoredPosition),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Run выполняет проход сразу и затем каждые interval до отмены ctx
func (s *PositionSupervisor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

func (s *PositionSupervisor) runPass(ctx context.Context) {
	if err := s.Supervise(ctx); err != nil {
		if errors.Is(err, ErrPassInProgress) {
			s.log.Debug("supervision pass skipped, previous still running")
			return
		}
		s.log.Error("supervision pass failed", utils.Err(err))
	}
}

// Supervise выполняет один проход
//
// Ошибка обработки одной позиции не прерывает проход по остальным.
func (s *PositionSupervisor) Supervise(ctx context.Context) error {
	if !s.passMu.TryLock() {
		RecordPass("skipped", 0)
		return ErrPassInProgress
	}
	defer s.passMu.Unlock()

	if s.ctx.Err() != nil {
		return ErrSupervisorStopped
	}

	start := time.Now()
	err := s.supervise(ctx)

	result := "ok"
	if err != nil {
		result = "error"
	}
	RecordPass(result, time.Since(start))

	s.statsMu.Lock()
	s.lastPass = start
	s.lastErr = err
	s.statsMu.Unlock()

	return err
}

func (s *PositionSupervisor) supervise(ctx context.Context) error {
	positions, err := s.positionsSrc.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}

	ordersFresh := true
	if err := s.registry.Refresh(ctx); err != nil {
		ordersFresh = false
		s.log.Warn("using previous open orders snapshot", utils.Err(err))
	}
	snapshotAt := s.registry.UpdatedAt()

	live := make(map[string]*exchange.Position, len(positions))
	for _, p := range positions {
		if p == nil || p.Amount == 0 {
			continue
		}
		live[p.Key()] = p
	}

	// удаление строго до создания, чтобы не было двух подписок на ключ
	s.removeClosed(ctx, live)

	keys := make([]string, 0, len(live))
	for k := range live {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.syncPosition(ctx, live[key], snapshotAt, ordersFresh); err != nil {
			s.log.Error("failed to supervise position", utils.PositionKey(key), utils.Err(err))
		}
	}

	MonitoredPositions.Set(float64(s.count()))

	if s.reconciler != nil {
		if _, err := s.reconciler.Reconcile(ctx, s); err != nil {
			s.log.Warn("orphan reconciliation failed", utils.Err(err))
		}
	}

	return nil
}

// removeClosed удаляет позиции, которых нет среди live
func (s *PositionSupervisor) removeClosed(ctx context.Context, live map[string]*exchange.Position) {
	s.mu.Lock()
	var removed []*MonitoredPosition
	for key, mp := range s.positions {
		if _, ok := live[key]; !ok {
			removed = append(removed, mp)
			delete(s.positions, key)
		}
	}
	s.mu.Unlock()

	for _, mp := range removed {
		mp.stopWorker()
		view := mp.Snapshot()
		s.log.Info("position closed, monitoring stopped", utils.PositionKey(view.Key))

		if s.trades != nil && view.TradeID != 0 {
			if err := s.trades.UpdateStatus(ctx, view.TradeID, models.TradeStatusClosed); err != nil {
				s.log.Warn("failed to close trade", utils.TradeID(view.TradeID), utils.Err(err))
			}
		}
	}
}

// syncPosition обновляет или создаёт позицию под наблюдением
//
// Без свежего снимка ордеров стоп не создаётся: старый снимок
// может не знать о стопе, и получится второй.
func (s *PositionSupervisor) syncPosition(ctx context.Context, pos *exchange.Position, snapshotAt time.Time, ordersFresh bool) error {
	log := s.log.WithPosition(pos.Symbol, pos.Side)

	trade, err := s.matchTrade(ctx, pos)
	if err != nil {
		log.Warn("trade lookup failed", utils.Err(err))
	}

	var originalStop float64
	var tradeID int64
	if trade != nil {
		tradeID = trade.ID
		if trade.HasStop() {
			originalStop = trade.StopPrice
		}
		// биржа иногда отдаёт позицию без плеча; без него Decide не двигает стоп
		if pos.Leverage <= 0 && trade.Leverage > 0 {
			cp := *pos
			cp.Leverage = trade.Leverage
			pos = &cp
		}
	}

	s.mu.Lock()
	mp, exists := s.positions[pos.Key()]
	if !exists {
		mp = newMonitoredPosition(pos)
		s.positions[pos.Key()] = mp
	}
	s.mu.Unlock()

	if !exists {
		log.Info("new position under supervision",
			utils.Price(pos.EntryPrice),
			utils.Quantity(pos.Size()),
			utils.Leverage(pos.Leverage),
		)
	}

	stop := s.registry.FindProtectiveStop(pos.Symbol, pos.Side)
	mp.refresh(pos, stop, originalStop, tradeID, snapshotAt)

	var stepErr error
	if ordersFresh && mp.Snapshot().StopOrderID == "" && originalStop > 0 {
		if _, err := s.controller.PlaceInitialStop(ctx, mp, originalStop); err != nil && !errors.Is(err, ErrStopAlreadyExists) {
			log.Error("failed to create stop", utils.StopPrice(originalStop), utils.Err(err))
			stepErr = err
		}
	}

	s.checkLiquidation(mp, pos)

	if mp.needsFeed() {
		if err := s.startFeed(ctx, mp); err != nil {
			log.Warn("price feed not started, will retry next pass", utils.Err(err))
			if stepErr == nil {
				stepErr = err
			}
		}
	}

	return stepErr
}

func (s *PositionSupervisor) matchTrade(ctx context.Context, pos *exchange.Position) (*models.TradeRecord, error) {
	if s.trades == nil {
		return nil, nil
	}
	trade, err := s.trades.GetTradeByMatch(ctx, pos.Symbol, pos.Side)
	if errors.Is(err, repository.ErrTradeNotFound) {
		return nil, nil
	}
	return trade, err
}

// checkLiquidation сообщает (один раз на стоп) о стопе за ценой ликвидации
func (s *PositionSupervisor) checkLiquidation(mp *MonitoredPosition, pos *exchange.Position) {
	view := mp.Snapshot()
	if !CheckLiquidation(view.Side, view.StopPrice, pos.LiquidationPrice) {
		return
	}
	if !mp.markLiquidationReported(view.StopOrderID) {
		return
	}

	LiquidationRisks.WithLabelValues(view.Symbol).Inc()
	s.log.Error("protective stop beyond liquidation price",
		utils.PositionKey(view.Key),
		utils.StopPrice(view.StopPrice),
		zap.Float64("liquidation_price", pos.LiquidationPrice),
	)
	s.notifier.Notify(newEvent(models.NotificationLiquidationRisk, view.Symbol, view.Side,
		fmt.Sprintf("Stop %s is beyond liquidation price %s",
			utils.FormatDecimal(view.StopPrice), utils.FormatDecimal(pos.LiquidationPrice)),
		map[string]interface{}{
			"order_id":    view.StopOrderID,
			"stop":        view.StopPrice,
			"liquidation": pos.LiquidationPrice,
			"entry":       view.EntryPrice,
			"mark":        pos.MarkPrice,
		}))
}

// startFeed (пере)подключает поток цен позиции
func (s *PositionSupervisor) startFeed(ctx context.Context, mp *MonitoredPosition) error {
	mp.stopWorker()

	feed := s.feeds.NewFeed(mp.symbol)
	if err := feed.Connect(ctx); err != nil {
		feed.Disconnect()
		return fmt.Errorf("connect feed %s: %w", mp.Key(), err)
	}

	mp.startWorker(s.ctx, feed,
		func(ctx context.Context, t exchange.Tick) { s.handleTick(ctx, mp, t) },
		func(err error) { s.handleFeedFailure(mp, err) },
	)
	return nil
}

func (s *PositionSupervisor) handleTick(ctx context.Context, mp *MonitoredPosition, t exchange.Tick) {
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	if _, err := s.controller.Adjust(tickCtx, mp, t.Price); err != nil {
		s.log.Warn("breakeven adjustment failed", utils.PositionKey(mp.Key()), utils.Err(err))
	}
}

func (s *PositionSupervisor) handleFeedFailure(mp *MonitoredPosition, err error) {
	mp.setFeedFailed(true)
	FeedFailures.WithLabelValues(mp.symbol).Inc()

	s.log.Error("price feed failed permanently", utils.PositionKey(mp.Key()), utils.Err(err))
	s.notifier.Notify(newEvent(models.NotificationFeedFailed, mp.symbol, mp.side,
		fmt.Sprintf("Price feed stopped: %v. It will be recreated on the next pass", err), nil))
}

// HasPosition - есть ли позиция key под наблюдением
func (s *PositionSupervisor) HasPosition(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[key]
	return ok
}

// Keys возвращает отсортированные ключи позиций
func (s *PositionSupervisor) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.positions))
	for k := range s.positions {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Snapshot возвращает копии всех позиций, отсортированные по ключу
func (s *PositionSupervisor) Snapshot() []PositionView {
	s.mu.RLock()
	list := make([]*MonitoredPosition, 0, len(s.positions))
	for _, mp := range s.positions {
		list = append(list, mp)
	}
	s.mu.RUnlock()

	views := make([]PositionView, 0, len(list))
	for _, mp := range list {
		views = append(views, mp.Snapshot())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Key < views[j].Key })
	return views
}

// LastPass возвращает время и результат последнего прохода
func (s *PositionSupervisor) LastPass() (time.Time, error) {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.lastPass, s.lastErr
}

func (s *PositionSupervisor) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// DisconnectAll отключает все потоки и очищает карту (graceful shutdown)
//
// Ждёт окончания текущего прохода.
func (s *PositionSupervisor) DisconnectAll() {
	s.cancel()

	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.mu.Lock()
	list := make([]*MonitoredPosition, 0, len(s.positions))
	for _, mp := range s.positions {
		list = append(list, mp)
	}
	s.positions = make(map[string]*MonitoredPosition)
	s.mu.Unlock()

	for _, mp := range list {
		mp.stopWorker()
	}
	MonitoredPositions.Set(0)

	s.log.Info("all price feeds disconnected", zap.Int("positions", len(list)))
}
