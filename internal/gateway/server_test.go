package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "hermesgw/config"
	"hermesgw/internal/bus"
	"hermesgw/internal/registry"
	"hermesgw/models"
)

const (
	btcFeed = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"
	ethFeed = "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"
	solFeed = "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"
)

type harness struct {
	srv     *Server
	reg     *registry.Registry
	updates *bus.Bus[models.PriceUpdate]
	target  string
}

func startServer(t *testing.T, kind Kind) *harness {
	t.Helper()

	target := "127.0.0.1:0"
	if kind == KindIPC {
		target = filepath.Join(shortTempDir(t), "gw.sock")
	}
	ln, err := Listen(kind, target)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	cfg := appconfig.Default().Listener
	cfg.WriteTimeout = time.Second
	h := &harness{
		reg:     registry.New(),
		updates: bus.New[models.PriceUpdate](16),
	}
	h.srv = NewServer(kind, ln, cfg, h.reg, h.updates)
	h.target = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func subscribeRequest(t *testing.T, ids ...string) []byte {
	t.Helper()
	parsed := make([]models.FeedID, 0, len(ids))
	for _, id := range ids {
		parsed = append(parsed, models.MustParseFeedID(id))
	}
	body, err := json.Marshal(models.Subscription{IDs: parsed})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

func update(id string, price string) models.PriceUpdate {
	return models.PriceUpdate{
		Type: models.MessageTypePriceUpdate,
		PriceFeed: models.PriceFeed{
			ID:    models.MustParseFeedID(id),
			Price: models.Price{Price: price, Conf: "1", Expo: -8, PublishTime: 1717000000},
		},
	}
}

func dialWS(t *testing.T, h *harness, ids ...string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+h.target+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteMessage(websocket.TextMessage, subscribeRequest(t, ids...)); err != nil {
		t.Fatalf("send request: %v", err)
	}
	return conn
}

func readWSUpdate(t *testing.T, conn *websocket.Conn) models.PriceUpdate {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var u models.PriceUpdate
	if err := conn.ReadJSON(&u); err != nil {
		t.Fatalf("read update: %v", err)
	}
	return u
}

func dialIPC(t *testing.T, h *harness, ids ...string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", h.target)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := conn.Write(subscribeRequest(t, ids...)); err != nil {
		t.Fatalf("send request: %v", err)
	}
	return conn
}

func readIPCUpdate(t *testing.T, conn net.Conn) models.PriceUpdate {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	payload, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var u models.PriceUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return u
}

func publishAll(h *harness) {
	h.updates.Publish(update(btcFeed, "100"))
	h.updates.Publish(update(ethFeed, "200"))
	h.updates.Publish(update(solFeed, "300"))
}

func TestWebSocketClientsReceiveOnlyTheirFeeds(t *testing.T) {
	h := startServer(t, KindWebSocket)
	a := dialWS(t, h, btcFeed)
	b := dialWS(t, h, ethFeed, solFeed)
	waitFor(t, "two subscribers", func() bool { return h.reg.Len() == 2 && h.updates.Receivers() == 2 })

	publishAll(h)

	if got := readWSUpdate(t, a); got.PriceFeed.ID != models.MustParseFeedID(btcFeed) {
		t.Fatalf("client a got %s", got.PriceFeed.ID)
	}
	if got := readWSUpdate(t, b); got.PriceFeed.ID != models.MustParseFeedID(ethFeed) {
		t.Fatalf("client b first got %s", got.PriceFeed.ID)
	}
	if got := readWSUpdate(t, b); got.PriceFeed.ID != models.MustParseFeedID(solFeed) {
		t.Fatalf("client b second got %s", got.PriceFeed.ID)
	}

	// The next update a sees must be its own feed, not eth or sol.
	h.updates.Publish(update(btcFeed, "101"))
	if got := readWSUpdate(t, a); got.PriceFeed.Price.Price != "101" {
		t.Fatalf("client a expected price 101, got %s", got.PriceFeed.Price.Price)
	}
	if h.srv.Active() != 2 {
		t.Fatalf("expected 2 active clients, got %d", h.srv.Active())
	}
}

func TestWebSocketDisconnectDeregisters(t *testing.T) {
	h := startServer(t, KindWebSocket)
	conn := dialWS(t, h, btcFeed)
	waitFor(t, "registration", func() bool { return h.reg.Len() == 1 })
	h.reg.ConsumeDirty()

	conn.Close()
	waitFor(t, "deregistration", func() bool { return h.reg.IsEmpty() && h.updates.Receivers() == 0 })

	if !h.reg.ConsumeDirty() {
		t.Fatal("expected dirty after client left")
	}
	if h.srv.Active() != 0 {
		t.Fatalf("expected no active clients, got %d", h.srv.Active())
	}
}

func TestWebSocketMalformedRequestRejected(t *testing.T) {
	h := startServer(t, KindWebSocket)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+h.target+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"ids":["nothex"]}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed")
	}
	if !h.reg.IsEmpty() {
		t.Fatal("malformed request was registered")
	}
}

func TestIPCClientsReceiveFramedUpdates(t *testing.T) {
	h := startServer(t, KindIPC)
	a := dialIPC(t, h, btcFeed)
	b := dialIPC(t, h, ethFeed, solFeed)
	waitFor(t, "two subscribers", func() bool { return h.reg.Len() == 2 && h.updates.Receivers() == 2 })

	publishAll(h)

	if got := readIPCUpdate(t, a); got.PriceFeed.ID != models.MustParseFeedID(btcFeed) {
		t.Fatalf("client a got %s", got.PriceFeed.ID)
	}
	first := readIPCUpdate(t, b)
	second := readIPCUpdate(t, b)
	if first.PriceFeed.ID != models.MustParseFeedID(ethFeed) || second.PriceFeed.ID != models.MustParseFeedID(solFeed) {
		t.Fatalf("client b got %s then %s", first.PriceFeed.ID, second.PriceFeed.ID)
	}
}

func TestIPCDisconnectDeregistersOnWriteFailure(t *testing.T) {
	h := startServer(t, KindIPC)
	conn := dialIPC(t, h, btcFeed, ethFeed)
	waitFor(t, "registration", func() bool { return h.reg.Len() == 1 })

	conn.Close()
	// EOF on a unix socket looks like a half-close, so the handler only
	// notices a closed client when the next write fails.
	waitFor(t, "deregistration", func() bool {
		h.updates.Publish(update(btcFeed, "100"))
		return h.reg.IsEmpty()
	})
	if h.reg.Contains(models.MustParseFeedID(btcFeed)) {
		t.Fatal("feed still in union after disconnect")
	}
}

func TestIPCHalfClosedClientKeepsStreaming(t *testing.T) {
	h := startServer(t, KindIPC)
	conn := dialIPC(t, h, btcFeed)
	waitFor(t, "registration", func() bool { return h.reg.Len() == 1 && h.updates.Receivers() == 1 })

	if err := conn.(*net.UnixConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	// Give the handler time to observe EOF on its read side.
	time.Sleep(50 * time.Millisecond)
	if h.reg.Len() != 1 {
		t.Fatalf("half-closed client was deregistered")
	}

	h.updates.Publish(update(btcFeed, "100"))
	if got := readIPCUpdate(t, conn); got.PriceFeed.ID != models.MustParseFeedID(btcFeed) {
		t.Fatalf("half-closed client got %s", got.PriceFeed.ID)
	}
}

func TestWebSocketLargeSubscription(t *testing.T) {
	h := startServer(t, KindWebSocket)

	ids := make([]string, 0, 81)
	for i := 0; i < 80; i++ {
		ids = append(ids, fmt.Sprintf("%064x", i+1))
	}
	ids = append(ids, solFeed)
	conn := dialWS(t, h, ids...)
	waitFor(t, "registration", func() bool { return h.reg.Len() == 1 && h.updates.Receivers() == 1 })

	if h.reg.FeedCount() != 81 {
		t.Fatalf("expected 81 feeds in union, got %d", h.reg.FeedCount())
	}
	h.updates.Publish(update(solFeed, "300"))
	if got := readWSUpdate(t, conn); got.PriceFeed.ID != models.MustParseFeedID(solFeed) {
		t.Fatalf("got %s", got.PriceFeed.ID)
	}
}

func TestIPCRemoteAddrFallsBackToSocketPath(t *testing.T) {
	path := filepath.Join(shortTempDir(t), "gw.sock")
	ln, err := Listen(KindIPC, path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer server.Close()

	got := newIPCStream(server, time.Second, 4096).RemoteAddr()
	if got != "unix:"+path {
		t.Fatalf("expected unix:%s, got %q", path, got)
	}
}

func TestServeStopsWithOpenClients(t *testing.T) {
	ln, err := Listen(KindIPC, filepath.Join(shortTempDir(t), "gw.sock"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	reg := registry.New()
	srv := NewServer(KindIPC, ln, appconfig.ListenerConfig{MaxRequestBytes: 4096}, reg, bus.New[models.PriceUpdate](4))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("unix", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(subscribeRequest(t, btcFeed)); err != nil {
		t.Fatalf("send request: %v", err)
	}
	waitFor(t, "registration", func() bool { return reg.Len() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return with a client connected")
	}
	if !reg.IsEmpty() {
		t.Fatal("client still registered after shutdown")
	}
}
