package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/internal/repository"
)

// ============ Mock Gateway ============

type MockGateway struct {
	mu sync.Mutex

	positions []*exchange.Position
	orders    []*exchange.Order
	price     float64

	positionsErr     error
	ordersErr        error
	priceErr         error
	setLeverageErr   error
	cancelErr        error
	cancelReplaceErr error

	// placeOrderFunc переопределяет PlaceOrder (nil = успех)
	placeOrderFunc func(req exchange.OrderRequest) error
	// fillMarket: успешный MARKET ордер открывает позицию
	fillMarket bool

	placed         []exchange.OrderRequest
	replaced       []string // cancelOrderID каждого CancelReplace
	cancelled      []string
	leverageCalls  []int
	positionsCalls int
	nextID         int
}

func NewMockGateway() *MockGateway {
	return &MockGateway{price: 100, nextID: 1000}
}

func (m *MockGateway) SetPositions(positions ...*exchange.Position) {
	m.mu.Lock()
	m.positions = positions
	m.mu.Unlock()
}

func (m *MockGateway) SetOrders(orders ...*exchange.Order) {
	m.mu.Lock()
	m.orders = orders
	m.mu.Unlock()
}

func (m *MockGateway) GetPositions(ctx context.Context) ([]*exchange.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsCalls++
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	result := make([]*exchange.Position, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MockGateway) GetOpenOrders(ctx context.Context) ([]*exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ordersErr != nil {
		return nil, m.ordersErr
	}
	result := make([]*exchange.Order, 0, len(m.orders))
	for _, o := range m.orders {
		cp := *o
		result = append(result, &cp)
	}
	return result, nil
}

// PlaceOrder имитирует биржу: успешный не-MARKET ордер появляется среди открытых
func (m *MockGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, req)
	if m.placeOrderFunc != nil {
		if err := m.placeOrderFunc(req); err != nil {
			return nil, err
		}
	}
	return m.ackLocked(req), nil
}

func (m *MockGateway) ackLocked(req exchange.OrderRequest) *exchange.OrderAck {
	m.nextID++
	id := fmt.Sprintf("%d", m.nextID)
	if req.Type == exchange.OrderTypeMarket && m.fillMarket {
		leverage := 0
		if n := len(m.leverageCalls); n > 0 {
			leverage = m.leverageCalls[n-1]
		}
		m.positions = append(m.positions, &exchange.Position{
			Symbol:     req.Symbol,
			Side:       req.PositionSide,
			Amount:     req.Quantity,
			EntryPrice: m.price,
			MarkPrice:  m.price,
			Leverage:   leverage,
			PositionID: "pos-" + id,
		})
	}
	if req.Type != exchange.OrderTypeMarket {
		m.orders = append(m.orders, &exchange.Order{
			ID:           id,
			Symbol:       req.Symbol,
			Side:         req.Side,
			PositionSide: req.PositionSide,
			Type:         req.Type,
			Price:        req.Price,
			StopPrice:    req.StopPrice,
			Quantity:     req.Quantity,
			Status:       exchange.OrderStatusNew,
		})
	}
	return &exchange.OrderAck{OrderID: id}
}

func (m *MockGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.removeLocked(orderID)
	return nil
}

func (m *MockGateway) CancelReplace(ctx context.Context, cancelOrderID string, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced = append(m.replaced, cancelOrderID)
	if m.cancelReplaceErr != nil {
		return nil, m.cancelReplaceErr
	}
	m.removeLocked(cancelOrderID)
	return m.ackLocked(req), nil
}

func (m *MockGateway) removeLocked(orderID string) {
	kept := m.orders[:0]
	for _, o := range m.orders {
		if o.ID != orderID {
			kept = append(kept, o)
		}
	}
	m.orders = kept
}

func (m *MockGateway) SetLeverage(ctx context.Context, symbol, side string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverageCalls = append(m.leverageCalls, leverage)
	return m.setLeverageErr
}

func (m *MockGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.priceErr != nil {
		return 0, m.priceErr
	}
	return m.price, nil
}

func (m *MockGateway) Placed() []exchange.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exchange.OrderRequest(nil), m.placed...)
}

func (m *MockGateway) Replaced() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.replaced...)
}

func (m *MockGateway) LeverageCalls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.leverageCalls...)
}

// ============ Mock TradeStore ============

type MockTradeStore struct {
	mu     sync.Mutex
	trades map[int64]*models.TradeRecord
	nextID int64

	createErr error
	matchErr  error

	leverageUpdates []int
	stopOrderIDs    []string
	statusUpdates   map[int64]string
}

func NewMockTradeStore() *MockTradeStore {
	return &MockTradeStore{
		trades:        make(map[int64]*models.TradeRecord),
		nextID:        1,
		statusUpdates: make(map[int64]string),
	}
}

func (m *MockTradeStore) Add(t *models.TradeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		t.ID = m.nextID
		m.nextID++
	}
	if t.Status == "" {
		t.Status = models.TradeStatusOpen
	}
	m.trades[t.ID] = t
}

func (m *MockTradeStore) Create(ctx context.Context, trade *models.TradeRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.Add(trade)
	return nil
}

func (m *MockTradeStore) GetTradeByMatch(ctx context.Context, symbol, side string) (*models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.matchErr != nil {
		return nil, m.matchErr
	}
	var best *models.TradeRecord
	for _, t := range m.trades {
		if t.Symbol == symbol && t.Side == side && t.Status == models.TradeStatusOpen {
			if best == nil || t.ID > best.ID {
				best = t
			}
		}
	}
	if best == nil {
		return nil, repository.ErrTradeNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MockTradeStore) update(id int64, fn func(t *models.TradeRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return repository.ErrTradeNotFound
	}
	fn(t)
	return nil
}

func (m *MockTradeStore) UpdateLeverage(ctx context.Context, id int64, leverage int) error {
	m.mu.Lock()
	m.leverageUpdates = append(m.leverageUpdates, leverage)
	m.mu.Unlock()
	return m.update(id, func(t *models.TradeRecord) { t.Leverage = leverage })
}

func (m *MockTradeStore) UpdatePositionID(ctx context.Context, id int64, positionID string) error {
	return m.update(id, func(t *models.TradeRecord) { t.PositionID = positionID })
}

func (m *MockTradeStore) UpdateOrderIDs(ctx context.Context, id int64, entryOrderID, stopOrderID string) error {
	return m.update(id, func(t *models.TradeRecord) {
		t.EntryOrderID = entryOrderID
		t.StopOrderID = stopOrderID
	})
}

func (m *MockTradeStore) UpdateStopOrderID(ctx context.Context, id int64, stopOrderID string) error {
	m.mu.Lock()
	m.stopOrderIDs = append(m.stopOrderIDs, stopOrderID)
	m.mu.Unlock()
	return m.update(id, func(t *models.TradeRecord) { t.StopOrderID = stopOrderID })
}

func (m *MockTradeStore) UpdateStatus(ctx context.Context, id int64, status string) error {
	m.mu.Lock()
	m.statusUpdates[id] = status
	m.mu.Unlock()
	return m.update(id, func(t *models.TradeRecord) { t.Status = status })
}

func (m *MockTradeStore) Get(id int64) *models.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// ============ Mock Notifier ============

type MockNotifier struct {
	mu     sync.Mutex
	events []*models.Notification
}

func (m *MockNotifier) Notify(n *models.Notification) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, n)
	return true
}

func (m *MockNotifier) Kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.events))
	for _, e := range m.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (m *MockNotifier) Count(kind string) int {
	n := 0
	for _, k := range m.Kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// ============ Fake price feed ============

type FakeFeed struct {
	symbol     string
	ticks      chan exchange.Tick
	failed     chan error
	connectErr error

	mu           sync.Mutex
	state        exchange.FeedState
	disconnected int
	closeOnce    sync.Once
}

func NewFakeFeed(symbol string) *FakeFeed {
	return &FakeFeed{
		symbol: symbol,
		ticks:  make(chan exchange.Tick, 16),
		failed: make(chan error, 1),
		state:  exchange.FeedDisconnected,
	}
}

func (f *FakeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = exchange.FeedConnected
	return nil
}

func (f *FakeFeed) Ticks() <-chan exchange.Tick { return f.ticks }
func (f *FakeFeed) Failed() <-chan error        { return f.failed }

func (f *FakeFeed) Disconnect() {
	f.mu.Lock()
	f.disconnected++
	f.state = exchange.FeedClosed
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.ticks) })
}

func (f *FakeFeed) State() exchange.FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeFeed) Push(price float64) {
	f.ticks <- exchange.Tick{Symbol: f.symbol, Price: price, Time: time.Now()}
}

// Fail имитирует исчерпание переподключений
func (f *FakeFeed) Fail() {
	f.mu.Lock()
	f.state = exchange.FeedClosed
	f.mu.Unlock()
	f.failed <- exchange.ErrFeedExhausted
	close(f.failed)
	f.closeOnce.Do(func() { close(f.ticks) })
}

func (f *FakeFeed) Disconnected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

type MockFeedSource struct {
	mu         sync.Mutex
	feeds      []*FakeFeed
	connectErr error
}

func (m *MockFeedSource) NewFeed(symbol string) exchange.PriceStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := NewFakeFeed(symbol)
	f.connectErr = m.connectErr
	m.feeds = append(m.feeds, f)
	return f
}

func (m *MockFeedSource) Feeds() []*FakeFeed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*FakeFeed(nil), m.feeds...)
}

// ============ Helpers ============

func longPosition(symbol string, entry, amount float64) *exchange.Position {
	return &exchange.Position{
		Symbol:     symbol,
		Side:       exchange.SideLong,
		Amount:     amount,
		EntryPrice: entry,
		MarkPrice:  entry,
		Leverage:   10,
		PositionID: "pos-" + symbol,
	}
}

func stopOrder(id, symbol, side string, stop float64) *exchange.Order {
	return &exchange.Order{
		ID:           id,
		Symbol:       symbol,
		Side:         exchange.CloseSide(side),
		PositionSide: side,
		Type:         exchange.OrderTypeStop,
		Price:        stop,
		StopPrice:    stop,
		Quantity:     1,
		Status:       exchange.OrderStatusNew,
	}
}

// waitFor ждёт выполнения условия (для асинхронных worker'ов)
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
