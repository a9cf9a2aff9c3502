package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"riskguard/internal/bot"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// ============================================================
// Helpers
// ============================================================

func startHub(t *testing.T, cfg HubConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg, utils.NewNopLogger())
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type staticSource []bot.PositionView

func (s staticSource) Snapshot() []bot.PositionView { return s }

// ============================================================
// Unit Tests
// ============================================================

func TestNewHub(t *testing.T) {
	hub := NewHub(HubConfig{}, nil)

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
	if cap(hub.broadcast) != defaultBroadcastBuffer || hub.clientBuffer != defaultClientBuffer {
		t.Errorf("defaults not applied: broadcast=%d client=%d", cap(hub.broadcast), hub.clientBuffer)
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := NewOriginChecker([]string{"https://ops.example.com", " https://desk.example.com ", ""})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://ops.example.com", true},
		{"https://desk.example.com", true},
		{"http://evil.com", false},
		{"http://localhost:3000", false},
	}

	for _, tt := range tests {
		if got := checker.Check(tt.origin); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {"https://ops.example.com", "*"}} {
		checker := NewOriginChecker(origins)
		if !checker.Check("https://anything.example.org") {
			t.Errorf("origins %v should allow any origin", origins)
		}
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	// Run не запущен: очередь на одно сообщение
	hub := NewHub(HubConfig{BroadcastBuffer: 1}, utils.NewNopLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Broadcast(map[string]int{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}

	if hub.DroppedMessages() != 9 {
		t.Errorf("expected 9 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub(HubConfig{}, utils.NewNopLogger())

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	hub.Stop()
	hub.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

func TestNewPositionsMessage_Protected(t *testing.T) {
	views := []bot.PositionView{
		{Key: "BTC-USDT_LONG", Side: "LONG", EntryPrice: 100, StopPrice: 90},
		{Key: "ETH-USDT_LONG", Side: "LONG", EntryPrice: 100, StopPrice: 100.4},
		{Key: "SOL-USDT_SHORT", Side: "SHORT", EntryPrice: 100, StopPrice: 99.6},
		{Key: "XRP-USDT_SHORT", Side: "SHORT", EntryPrice: 100, StopPrice: 110},
		{Key: "DOGE-USDT_LONG", Side: "LONG", EntryPrice: 100},
	}
	want := map[string][2]bool{ // has_stop, protected
		"BTC-USDT_LONG":  {true, false},
		"ETH-USDT_LONG":  {true, true},
		"SOL-USDT_SHORT": {true, true},
		"XRP-USDT_SHORT": {true, false},
		"DOGE-USDT_LONG": {false, false},
	}

	msg := NewPositionsMessage(views)
	if msg.Type != MessageTypePositions || msg.Total != len(views) {
		t.Fatalf("unexpected message header: %+v", msg.BaseMessage)
	}
	for _, p := range msg.Positions {
		w := want[p.Key]
		if p.HasStop != w[0] || p.Protected != w[1] {
			t.Errorf("%s: has_stop=%v protected=%v, want %v", p.Key, p.HasStop, p.Protected, w)
		}
	}
}

// ============================================================
// Integration Tests (httptest + gorilla/websocket)
// ============================================================

func TestHub_PublishNotificationReachesClient(t *testing.T) {
	hub, srv := startHub(t, HubConfig{})

	conn, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.PublishNotification(&models.Notification{
		ID:           3,
		EventID:      "evt-3",
		Kind:         models.NotificationStopMoved,
		Severity:     models.SeverityInfo,
		Symbol:       "BTC-USDT",
		PositionSide: "LONG",
		Message:      "stop moved to 100.4008016",
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg NotificationMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MessageTypeNotification || msg.Data == nil || msg.Data.Kind != models.NotificationStopMoved {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Data.EventID != "evt-3" || msg.Data.Symbol != "BTC-USDT" {
		t.Errorf("unexpected data: %+v", msg.Data)
	}
}

func TestHub_StreamPositions(t *testing.T) {
	hub, srv := startHub(t, HubConfig{})

	conn, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := staticSource{{Key: "BTC-USDT_LONG", Symbol: "BTC-USDT", Side: "LONG", EntryPrice: 100, StopPrice: 90}}
	go hub.StreamPositions(ctx, source, 20*time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg PositionsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MessageTypePositions || msg.Total != 1 || msg.Positions[0].StopPrice != 90 {
		t.Errorf("unexpected snapshot: %+v", msg)
	}
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub, srv := startHub(t, HubConfig{AllowedOrigins: []string{"https://ops.example.com"}})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := dial(t, srv, header)
	if err == nil {
		t.Fatal("expected handshake failure for foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("rejected client must not be registered")
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	hub, srv := startHub(t, HubConfig{})

	conn, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Stop()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		t.Errorf("expected close frame after Stop, got %v", err)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients after Stop, got %d", hub.ClientCount())
	}
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, srv := startHub(t, HubConfig{})

	conn, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}
