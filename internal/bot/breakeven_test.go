package bot

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ============================================================
// BreakevenPrice / Decide
// ============================================================

func TestBreakevenPrice(t *testing.T) {
	tests := []struct {
		name     string
		entry    float64
		side     string
		entryFee float64
		exitFee  float64
		want     float64
	}{
		{"long 0.2/0.2", 100, exchange.SideLong, 0.2, 0.2, 100.4008016},
		{"short 0.2/0.2", 100, exchange.SideShort, 0.2, 0.2, 99.6007984},
		{"long 0.05/0.02", 100, exchange.SideLong, 0.05, 0.02, 100.070014},
		{"short 0.05/0.02", 100, exchange.SideShort, 0.05, 0.02, 99.930014},
		{"long large entry", 2500, exchange.SideLong, 0.05, 0.02, 2501.75035007},
		{"zero fees", 100, exchange.SideLong, 0, 0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BreakevenPrice(tt.entry, tt.side, tt.entryFee, tt.exitFee)
			if !approxEqual(got, tt.want) {
				t.Errorf("BreakevenPrice() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecide(t *testing.T) {
	long := Input{Side: exchange.SideLong, Entry: 100, CurrentStop: 90, OriginalStop: 90, Leverage: 10, MarketFee: 0.2, LimitFee: 0.2}
	short := Input{Side: exchange.SideShort, Entry: 100, CurrentStop: 110, OriginalStop: 110, Leverage: 10, MarketFee: 0.2, LimitFee: 0.2}

	with := func(in Input, fn func(in *Input)) Input {
		fn(&in)
		return in
	}

	tests := []struct {
		name       string
		in         Input
		wantReason Reason
		wantStop   float64
	}{
		{"long price below entry", with(long, func(in *Input) { in.Price = 95 }), ReasonNotTriggered, 0},
		{"long price at entry", with(long, func(in *Input) { in.Price = 100 }), ReasonNotTriggered, 0},
		{"long reward below risk", with(long, func(in *Input) { in.Price = 109.99 }), ReasonNotTriggered, 0},
		{"long reward equals risk", with(long, func(in *Input) { in.Price = 110 }), ReasonMove, 100.4008016},
		{"long reward above risk", with(long, func(in *Input) { in.Price = 111 }), ReasonMove, 100.4008016},
		{"long stop already at entry", with(long, func(in *Input) { in.CurrentStop = 100; in.Price = 120 }), ReasonAlreadySafe, 0},
		{"long stop above entry", with(long, func(in *Input) { in.CurrentStop = 100.4; in.Price = 120 }), ReasonAlreadySafe, 0},
		{"long target not behind market", Input{
			Side: exchange.SideLong, Entry: 100, CurrentStop: 99.9, OriginalStop: 99.9,
			Price: 100.2, Leverage: 10, MarketFee: 0.2, LimitFee: 0.2,
		}, ReasonNotTriggered, 0},
		{"short price above entry", with(short, func(in *Input) { in.Price = 105 }), ReasonNotTriggered, 0},
		{"short reward above risk", with(short, func(in *Input) { in.Price = 89 }), ReasonMove, 99.6007984},
		{"short stop already safe", with(short, func(in *Input) { in.CurrentStop = 99.5; in.Price = 80 }), ReasonAlreadySafe, 0},
		{"no entry", with(long, func(in *Input) { in.Entry = 0; in.Price = 120 }), ReasonNoBaseline, 0},
		{"no current stop", with(long, func(in *Input) { in.CurrentStop = 0; in.Price = 120 }), ReasonNoBaseline, 0},
		{"no original stop", with(long, func(in *Input) { in.OriginalStop = 0; in.Price = 120 }), ReasonNoBaseline, 0},
		{"no leverage", with(long, func(in *Input) { in.Leverage = 0; in.Price = 120 }), ReasonNoBaseline, 0},
		{"no price", with(long, func(in *Input) { in.Price = 0 }), ReasonNoBaseline, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.in)
			if d.Reason != tt.wantReason {
				t.Fatalf("Reason = %s, want %s (risk=%v reward=%v)", d.Reason, tt.wantReason, d.Risk, d.Reward)
			}
			if d.Move() != (tt.wantReason == ReasonMove) {
				t.Errorf("Move() = %v", d.Move())
			}
			if !approxEqual(d.NewStop, tt.wantStop) {
				t.Errorf("NewStop = %v, want %v", d.NewStop, tt.wantStop)
			}
		})
	}
}

func TestDecideRiskAndReward(t *testing.T) {
	d := Decide(Input{Side: exchange.SideShort, Entry: 100, CurrentStop: 110, OriginalStop: 110, Price: 104, Leverage: 5})
	if d.Risk != 10 {
		t.Errorf("Risk = %v, want 10", d.Risk)
	}
	if d.Reward != -4 {
		t.Errorf("Reward = %v, want -4", d.Reward)
	}
}

func TestCheckLiquidation(t *testing.T) {
	tests := []struct {
		name string
		side string
		stop float64
		liq  float64
		want bool
	}{
		{"long stop above liq", exchange.SideLong, 90, 85, false},
		{"long stop below liq", exchange.SideLong, 80, 85, true},
		{"long stop equals liq", exchange.SideLong, 85, 85, false},
		{"short stop below liq", exchange.SideShort, 110, 115, false},
		{"short stop above liq", exchange.SideShort, 120, 115, true},
		{"no stop", exchange.SideLong, 0, 85, false},
		{"no liquidation price", exchange.SideLong, 80, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckLiquidation(tt.side, tt.stop, tt.liq); got != tt.want {
				t.Errorf("CheckLiquidation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStopPriceOf(t *testing.T) {
	tests := []struct {
		name  string
		order *exchange.Order
		want  float64
	}{
		{"nil order", nil, 0},
		{"untyped prefers stop price", &exchange.Order{Price: 90, StopPrice: 91}, 91},
		{"price fallback", &exchange.Order{Price: 90}, 90},
		{"stop with activation offset", &exchange.Order{Type: exchange.OrderTypeStop, Price: 90, StopPrice: 90.045}, 90},
		{"short stop with activation offset", &exchange.Order{Type: exchange.OrderTypeStop, Price: 110, StopPrice: 109.945}, 110},
		{"trigger limit", &exchange.Order{Type: exchange.OrderTypeTriggerLimit, Price: 90, StopPrice: 89.955}, 90},
		{"stop without price", &exchange.Order{Type: exchange.OrderTypeStop, StopPrice: 90.045}, 90.045},
		{"stop market", &exchange.Order{Type: exchange.OrderTypeStopMarket, Price: 0, StopPrice: 90}, 90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StopPriceOf(tt.order); got != tt.want {
				t.Errorf("StopPriceOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================
// BreakevenStopController
// ============================================================

type controllerFixture struct {
	gw         *MockGateway
	registry   *OpenOrderRegistry
	trades     *MockTradeStore
	notifier   *MockNotifier
	controller *BreakevenStopController
}

func newControllerFixture() *controllerFixture {
	f := &controllerFixture{
		gw:       NewMockGateway(),
		trades:   NewMockTradeStore(),
		notifier: &MockNotifier{},
	}
	f.registry = NewOpenOrderRegistry(f.gw)
	f.controller = NewBreakevenStopController(f.gw, f.registry, f.trades, f.notifier,
		Fees{Market: 0.2, Limit: 0.2}, utils.NewNopLogger())
	return f
}

// monitoredLong - LONG BTC-USDT, вход 100, стоп s-1 на 90, сделка tradeID
func monitoredLong(tradeID int64, stop *exchange.Order) *MonitoredPosition {
	pos := longPosition("BTC-USDT", 100, 2)
	mp := newMonitoredPosition(pos)
	mp.refresh(pos, stop, 90, tradeID, time.Now())
	return mp
}

func TestControllerAdjustMovesStop(t *testing.T) {
	f := newControllerFixture()
	f.trades.Add(&models.TradeRecord{ID: 1, Symbol: "BTC-USDT", Side: exchange.SideLong, StopPrice: 90, StopOrderID: "s-1"})
	f.gw.SetOrders(stopOrder("s-1", "BTC-USDT", exchange.SideLong, 90))

	mp := monitoredLong(1, stopOrder("s-1", "BTC-USDT", exchange.SideLong, 90))
	ctx := context.Background()

	for _, price := range []float64{95, 100} {
		d, err := f.controller.Adjust(ctx, mp, price)
		if err != nil {
			t.Fatalf("Adjust(%v) error: %v", price, err)
		}
		if d.Reason != ReasonNotTriggered {
			t.Errorf("Adjust(%v) reason = %s, want not_triggered", price, d.Reason)
		}
	}
	if len(f.gw.Replaced()) != 0 {
		t.Fatalf("stop must not move before reward reaches risk")
	}

	d, err := f.controller.Adjust(ctx, mp, 111)
	if err != nil {
		t.Fatalf("Adjust error: %v", err)
	}
	if !d.Move() {
		t.Fatalf("expected move, got %s", d.Reason)
	}

	replaced := f.gw.Replaced()
	if len(replaced) != 1 || replaced[0] != "s-1" {
		t.Fatalf("expected cancel-replace of s-1, got %v", replaced)
	}
	req := f.gw.Placed()
	if len(req) != 0 {
		t.Errorf("PlaceOrder must not be used for a move, got %d calls", len(req))
	}

	view := mp.Snapshot()
	if !approxEqual(view.StopPrice, 100.4008016) {
		t.Errorf("StopPrice = %v, want 100.4008016", view.StopPrice)
	}
	if view.StopOrderID == "" || view.StopOrderID == "s-1" {
		t.Errorf("StopOrderID not replaced: %q", view.StopOrderID)
	}
	if got := f.trades.Get(1).StopOrderID; got != view.StopOrderID {
		t.Errorf("trade stop order id = %q, want %q", got, view.StopOrderID)
	}
	if f.notifier.Count(models.NotificationStopMoved) != 1 {
		t.Errorf("expected one STOP_MOVED, got %v", f.notifier.Kinds())
	}

	// стоп уже в безубытке - больше не двигаем
	d, err = f.controller.Adjust(ctx, mp, 130)
	if err != nil {
		t.Fatalf("Adjust error: %v", err)
	}
	if d.Reason != ReasonAlreadySafe {
		t.Errorf("expected already_safe, got %s", d.Reason)
	}
	if len(f.gw.Replaced()) != 1 {
		t.Errorf("expected exactly one cancel-replace, got %d", len(f.gw.Replaced()))
	}
}

func TestControllerAdjustExchangeError(t *testing.T) {
	f := newControllerFixture()
	f.gw.cancelReplaceErr = errors.New("order does not exist")

	mp := monitoredLong(0, stopOrder("s-1", "BTC-USDT", exchange.SideLong, 90))

	d, err := f.controller.Adjust(context.Background(), mp, 111)
	if err == nil {
		t.Fatal("expected error")
	}
	if !d.Move() {
		t.Errorf("decision should still be move, got %s", d.Reason)
	}

	view := mp.Snapshot()
	if view.StopPrice != 90 || view.StopOrderID != "s-1" {
		t.Errorf("local stop must stay unchanged on failure: %v %q", view.StopPrice, view.StopOrderID)
	}
	if f.notifier.Count(models.NotificationStopError) != 1 {
		t.Errorf("expected STOP_ERROR, got %v", f.notifier.Kinds())
	}
}

func TestControllerAdjustInFlight(t *testing.T) {
	f := newControllerFixture()
	mp := monitoredLong(0, stopOrder("s-1", "BTC-USDT", exchange.SideLong, 90))

	if !f.controller.TryAcquire(mp.Key()) {
		t.Fatal("first TryAcquire should succeed")
	}
	if f.controller.TryAcquire(mp.Key()) {
		t.Fatal("second TryAcquire should fail")
	}

	d, err := f.controller.Adjust(context.Background(), mp, 111)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Reason != ReasonInFlight {
		t.Errorf("expected in_flight, got %s", d.Reason)
	}
	if len(f.gw.Replaced()) != 0 {
		t.Error("no exchange call expected while in flight")
	}

	f.controller.Release(mp.Key())
	if !f.controller.TryAcquire(mp.Key()) {
		t.Error("TryAcquire should succeed after Release")
	}
}

func TestControllerPlaceInitialStop(t *testing.T) {
	f := newControllerFixture()
	f.trades.Add(&models.TradeRecord{ID: 3, Symbol: "BTC-USDT", Side: exchange.SideLong, StopPrice: 90})

	mp := monitoredLong(3, nil)

	order, err := f.controller.PlaceInitialStop(context.Background(), mp, 90)
	if err != nil {
		t.Fatalf("PlaceInitialStop error: %v", err)
	}
	if order.StopPrice != 90 || order.Side != exchange.SideSell || order.Type != exchange.OrderTypeStop {
		t.Errorf("unexpected stop order: %+v", order)
	}

	placed := f.gw.Placed()
	if len(placed) != 1 || placed[0].Quantity != 2 || placed[0].PositionSide != exchange.SideLong {
		t.Fatalf("unexpected placement: %+v", placed)
	}
	if mp.Snapshot().StopOrderID != order.ID {
		t.Error("stop not stored on position")
	}
	if f.trades.Get(3).StopOrderID != order.ID {
		t.Error("stop order id not saved to trade")
	}
	if f.notifier.Count(models.NotificationStopCreated) != 1 {
		t.Errorf("expected STOP_CREATED, got %v", f.notifier.Kinds())
	}

	// второй вызов - стоп уже есть
	if _, err := f.controller.PlaceInitialStop(context.Background(), mp, 90); !errors.Is(err, ErrStopAlreadyExists) {
		t.Errorf("expected ErrStopAlreadyExists, got %v", err)
	}
	if len(f.gw.Placed()) != 1 {
		t.Error("second call must not place an order")
	}
}

func TestControllerPlaceInitialStopRegistryHasStop(t *testing.T) {
	f := newControllerFixture()
	f.gw.SetOrders(stopOrder("s-9", "BTC-USDT", exchange.SideLong, 88))
	if err := f.registry.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	mp := monitoredLong(0, nil)
	if _, err := f.controller.PlaceInitialStop(context.Background(), mp, 90); !errors.Is(err, ErrStopAlreadyExists) {
		t.Errorf("expected ErrStopAlreadyExists, got %v", err)
	}
	if len(f.gw.Placed()) != 0 {
		t.Error("no order expected when registry already has a stop")
	}
}

func TestControllerPlaceInitialStopErrors(t *testing.T) {
	f := newControllerFixture()
	mp := monitoredLong(0, nil)

	if _, err := f.controller.PlaceInitialStop(context.Background(), mp, 0); !errors.Is(err, ErrMissingTradeContext) {
		t.Errorf("expected ErrMissingTradeContext, got %v", err)
	}

	f.gw.placeOrderFunc = func(exchange.OrderRequest) error { return errors.New("insufficient margin") }
	if _, err := f.controller.PlaceInitialStop(context.Background(), mp, 90); err == nil {
		t.Fatal("expected exchange error")
	}
	if mp.Snapshot().StopOrderID != "" {
		t.Error("failed placement must not set a stop")
	}
	if f.notifier.Count(models.NotificationStopError) != 1 {
		t.Errorf("expected STOP_ERROR, got %v", f.notifier.Kinds())
	}
}
