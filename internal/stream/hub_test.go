package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return ev
}

func TestHub_BroadcastsTradePlaced(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	trade := &model.Trade{
		ID:               "t1",
		UserID:           "alice",
		MarketID:         "m1",
		Outcome:          model.OutcomeYes,
		Amount:           decimal.RequireFromString("40"),
		PriceAtExecution: decimal.RequireFromString("0.4"),
		CreatedAt:        time.Now().UTC(),
	}
	if err := hub.Publish(context.Background(), TradePlaced(trade)); err != nil {
		t.Fatal(err)
	}

	ev := readEvent(t, conn)
	if ev.Type != TypeTradePlaced || ev.TradeID != "t1" || ev.Amount != "40" || ev.Price != "0.4" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHub_MarketFilter(t *testing.T) {
	hub, srv := startHub(t)
	onlyM2 := dial(t, srv, "?market_id=m2")
	waitClients(t, hub, 1)

	ctx := context.Background()
	hub.Publish(ctx, Event{Type: TypeTradePlaced, MarketID: "m1"})
	hub.Publish(ctx, MarketResolved(&model.ResolutionSummary{
		MarketID:     "m2",
		Outcome:      model.OutcomeNo,
		TotalPaidOut: decimal.Zero,
	}))

	ev := readEvent(t, onlyM2)
	if ev.MarketID != "m2" || ev.Type != TypeMarketResolved || ev.FinalOutcome != model.OutcomeNo {
		t.Errorf("filtered client got %+v", ev)
	}
}

type stubPublisher struct {
	got []Event
	err error
}

func (s *stubPublisher) Publish(_ context.Context, ev Event) error {
	s.got = append(s.got, ev)
	return s.err
}

func TestMulti_PublishesToAll(t *testing.T) {
	boom := errors.New("boom")
	a := &stubPublisher{err: boom}
	b := &stubPublisher{}

	err := Multi{a, nil, b}.Publish(context.Background(), Event{Type: TypeTradePlaced})
	if !errors.Is(err, boom) {
		t.Errorf("expected first error, got %v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Errorf("expected both publishers called, got %d and %d", len(a.got), len(b.got))
	}
}
