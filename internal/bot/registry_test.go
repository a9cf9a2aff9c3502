package bot

import (
	"context"
	"errors"
	"testing"

	"riskguard/internal/exchange"
)

func TestOpenOrderRegistryRefresh(t *testing.T) {
	gw := NewMockGateway()
	filled := stopOrder("s-2", "ETH-USDT", exchange.SideShort, 3000)
	filled.Status = exchange.OrderStatusFilled
	partial := &exchange.Order{ID: "l-1", Symbol: "BTC-USDT", PositionSide: exchange.SideLong,
		Type: exchange.OrderTypeLimit, Price: 120, Status: exchange.OrderStatusPartiallyFilled}
	gw.SetOrders(
		stopOrder("s-1", "BTC-USDT", exchange.SideLong, 90),
		filled,
		partial,
	)

	r := NewOpenOrderRegistry(gw)
	if !r.UpdatedAt().IsZero() {
		t.Error("UpdatedAt should be zero before first refresh")
	}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	live := r.Live()
	if len(live) != 2 {
		t.Fatalf("expected 2 live orders, got %d", len(live))
	}
	if live[0].ID != "s-1" || live[1].ID != "l-1" {
		t.Errorf("exchange order not preserved: %s, %s", live[0].ID, live[1].ID)
	}
	if r.ByID("s-2") != nil {
		t.Error("filled order must not be in the registry")
	}
	if r.ByID("l-1") == nil {
		t.Error("partially filled order must be in the registry")
	}
	if r.UpdatedAt().IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestOpenOrderRegistryFindProtectiveStop(t *testing.T) {
	gw := NewMockGateway()
	market := &exchange.Order{ID: "tp-1", Symbol: "BTC-USDT", PositionSide: exchange.SideLong,
		Type: exchange.OrderTypeTriggerLimit, Price: 130, Status: exchange.OrderStatusNew}
	stopMarket := stopOrder("sm-1", "SOL-USDT", exchange.SideShort, 150)
	stopMarket.Type = exchange.OrderTypeStopMarket
	gw.SetOrders(market, stopOrder("s-1", "BTC-USDT", exchange.SideLong, 90), stopMarket)

	r := NewOpenOrderRegistry(gw)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	tests := []struct {
		name   string
		symbol string
		side   string
		wantID string
	}{
		{"stop skips take profit", "BTC-USDT", exchange.SideLong, "s-1"},
		{"stop market", "SOL-USDT", exchange.SideShort, "sm-1"},
		{"other side", "BTC-USDT", exchange.SideShort, ""},
		{"unknown symbol", "DOGE-USDT", exchange.SideLong, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.FindProtectiveStop(tt.symbol, tt.side)
			if tt.wantID == "" {
				if got != nil {
					t.Errorf("expected nil, got %s", got.ID)
				}
				return
			}
			if got == nil || got.ID != tt.wantID {
				t.Errorf("expected %s, got %+v", tt.wantID, got)
			}
		})
	}
}

func TestOpenOrderRegistryFailedRefreshKeepsSnapshot(t *testing.T) {
	gw := NewMockGateway()
	gw.SetOrders(stopOrder("s-1", "BTC-USDT", exchange.SideLong, 90))

	r := NewOpenOrderRegistry(gw)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	updated := r.UpdatedAt()

	gw.ordersErr = errors.New("timeout")
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if r.ByID("s-1") == nil {
		t.Error("previous snapshot lost after failed refresh")
	}
	if !r.UpdatedAt().Equal(updated) {
		t.Error("UpdatedAt changed after failed refresh")
	}
}

func TestOpenOrderRegistryReturnsCopies(t *testing.T) {
	gw := NewMockGateway()
	gw.SetOrders(stopOrder("s-1", "BTC-USDT", exchange.SideLong, 90))

	r := NewOpenOrderRegistry(gw)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	r.ByID("s-1").StopPrice = 1
	r.Live()[0].StopPrice = 2
	r.FindProtectiveStop("BTC-USDT", exchange.SideLong).StopPrice = 3

	if got := r.ByID("s-1").StopPrice; got != 90 {
		t.Errorf("registry mutated through returned order: %v", got)
	}
}
