package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vihu/tandem/internal/config"
	"github.com/vihu/tandem/internal/crdt"
	"github.com/vihu/tandem/internal/logging"
	"github.com/vihu/tandem/internal/protocol"
	"github.com/vihu/tandem/internal/room"
	"github.com/vihu/tandem/internal/server"
)

func ok(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func eq(t *testing.T, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func testConfig() *config.Server {
	return &config.Server{
		BindAddr:   "127.0.0.1:0",
		MaxPeers:   config.DefaultMaxPeers,
		MaxRooms:   100,
		MaxDocSize: config.DefaultMaxDocSize,
	}
}

func start(t *testing.T, cfg *config.Server) (*server.Server, *httptest.Server) {
	t.Helper()
	srv := server.New(cfg, logging.New(io.Discard, slog.LevelError))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	ok(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func must(frame []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return frame
}

func send(t *testing.T, ws *websocket.Conn, frame []byte) {
	t.Helper()
	ok(t, ws.WriteMessage(websocket.BinaryMessage, frame))
}

func read(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := ws.ReadMessage()
	ok(t, err)
	eq(t, kind, websocket.BinaryMessage)
	m, err := protocol.Decode(data)
	ok(t, err)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitPeers(t *testing.T, srv *server.Server, n int) {
	t.Helper()
	waitFor(t, "peers", func() bool { return srv.Registry().Stats().Peers == n })
}

func update(t *testing.T, peer crdt.PeerID, text string) []byte {
	t.Helper()
	d := crdt.NewWithPeer(peer)
	tx := d.Begin("")
	ok(t, tx.Insert("content", 0, text))
	tx.Commit()
	b, err := d.ExportUpdates(nil)
	ok(t, err)
	return b
}

func TestExtractRoomID(t *testing.T) {
	cases := map[string]string{
		"/ws/my-room":           "my-room",
		"/ws/my-room?token=abc": "my-room",
		"/ws/":                  "default",
		"":                      "default",
		"/ws/a/b":               "a/b",
	}
	for path, want := range cases {
		eq(t, server.ExtractRoomID(path), want)
	}
}

func TestHealthAndStats(t *testing.T) {
	srv, ts := start(t, testConfig())

	resp, err := http.Get(ts.URL + "/health")
	ok(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	eq(t, resp.StatusCode, http.StatusOK)
	eq(t, strings.Contains(string(body), "healthy"), true)

	dial(t, ts, "/ws/notes")
	waitPeers(t, srv, 1)

	resp, err = http.Get(ts.URL + "/stats")
	ok(t, err)
	defer resp.Body.Close()
	var stats room.Stats
	ok(t, json.NewDecoder(resp.Body).Decode(&stats))
	eq(t, stats, room.Stats{Rooms: 1, Peers: 1})
}

func TestUpdateRelayAndSync(t *testing.T) {
	srv, ts := start(t, testConfig())
	a := dial(t, ts, "/ws/notes")
	b := dial(t, ts, "/ws/notes")
	waitPeers(t, srv, 2)

	u := update(t, 1, "hello")
	send(t, a, must(protocol.EncodeUpdate(u)))

	m := read(t, b)
	eq(t, m.Type, protocol.TagUpdate)
	got, err := m.Bytes()
	ok(t, err)
	eq(t, got, u)

	send(t, a, must(protocol.EncodeSyncRequest()))
	m = read(t, a)
	eq(t, m.Type, protocol.TagSync)
	snap, err := m.Bytes()
	ok(t, err)

	late := crdt.New()
	_, err = late.Import(snap)
	ok(t, err)
	eq(t, late.Text("content"), "hello")
}

func TestAwarenessRelay(t *testing.T) {
	srv, ts := start(t, testConfig())
	a := dial(t, ts, "/ws/notes")
	b := dial(t, ts, "/ws/notes")
	waitPeers(t, srv, 2)

	frame := must(protocol.EncodeAwareness(map[string]any{"name": "ada", "cursor": 3}))
	send(t, a, frame)

	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := b.ReadMessage()
	ok(t, err)
	eq(t, data, frame)
}

func TestUpdateErrorsKeepConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDocSize = 256
	_, ts := start(t, cfg)
	a := dial(t, ts, "/ws/notes")

	send(t, a, must(protocol.EncodeUpdate(update(t, 1, strings.Repeat("x", 512)))))
	m := read(t, a)
	eq(t, m.Type, protocol.TagError)
	p, err := m.ErrorPayload()
	ok(t, err)
	eq(t, p.Code, protocol.CodeDocSizeLimit)

	send(t, a, must(protocol.EncodeUpdate([]byte("garbage"))))
	m = read(t, a)
	p, err = m.ErrorPayload()
	ok(t, err)
	eq(t, p.Code, protocol.CodeUpdateRejected)

	ok(t, a.WriteMessage(websocket.BinaryMessage, []byte{0xc1}))
	ok(t, a.WriteMessage(websocket.TextMessage, []byte("hello")))
	send(t, a, must(protocol.EncodeError("X", "clients may not send errors")))

	send(t, a, must(protocol.EncodeSyncRequest()))
	m = read(t, a)
	eq(t, m.Type, protocol.TagSync)
}

func TestOversizedUpdateKeepsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDocSize = 1000
	srv, ts := start(t, cfg)
	a := dial(t, ts, "/ws/notes")

	send(t, a, must(protocol.EncodeUpdate(update(t, 1, strings.Repeat("x", 100<<10)))))
	m := read(t, a)
	eq(t, m.Type, protocol.TagError)
	p, err := m.ErrorPayload()
	ok(t, err)
	eq(t, p.Code, protocol.CodeDocSizeLimit)

	send(t, a, must(protocol.EncodeSyncRequest()))
	eq(t, read(t, a).Type, protocol.TagSync)
	eq(t, srv.Registry().Stats(), room.Stats{Rooms: 1, Peers: 1})
}

func TestStalledReaderIsDropped(t *testing.T) {
	srv, ts := start(t, testConfig())
	srv.SetWriteWait(200 * time.Millisecond)
	a := dial(t, ts, "/ws/notes")
	b := dial(t, ts, "/ws/notes")
	waitPeers(t, srv, 2)

	send(t, a, must(protocol.EncodeUpdate(update(t, 1, strings.Repeat("y", 100<<10)))))

	// b keeps asking for snapshots and never reads the replies
	req := must(protocol.EncodeSyncRequest())
	for i := 0; i < 400; i++ {
		if err := b.WriteMessage(websocket.BinaryMessage, req); err != nil {
			break
		}
	}

	waitPeers(t, srv, 1)
	send(t, a, must(protocol.EncodeSyncRequest()))
	eq(t, read(t, a).Type, protocol.TagSync)

	a.Close()
	waitFor(t, "room removal", func() bool { return srv.Registry().Stats() == room.Stats{} })
}

func TestNinthPeerRejected(t *testing.T) {
	srv, ts := start(t, testConfig())
	for i := 0; i < 8; i++ {
		dial(t, ts, "/ws/busy")
	}
	waitPeers(t, srv, 8)

	ninth := dial(t, ts, "/ws/busy")
	ninth.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ninth.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	eq(t, closeErr.Code, websocket.CloseTryAgainLater)
	eq(t, srv.Registry().Stats(), room.Stats{Rooms: 1, Peers: 8})
}

func TestRoomRemovedAfterLastLeave(t *testing.T) {
	srv, ts := start(t, testConfig())
	a := dial(t, ts, "/ws/notes")
	b := dial(t, ts, "/ws/notes")
	waitPeers(t, srv, 2)
	send(t, a, must(protocol.EncodeUpdate(update(t, 1, "ephemeral"))))
	read(t, b)

	a.Close()
	b.Close()
	waitFor(t, "room removal", func() bool { return srv.Registry().Stats() == room.Stats{} })

	c := dial(t, ts, "/ws/notes")
	send(t, c, must(protocol.EncodeSyncRequest()))
	snap, err := read(t, c).Bytes()
	ok(t, err)
	empty, err := crdt.New().ExportSnapshot()
	ok(t, err)
	eq(t, snap, empty)
}

func TestServeShutdown(t *testing.T) {
	srv := server.New(testConfig(), logging.New(io.Discard, slog.LevelError))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	ok(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/notes", nil)
	ok(t, err)
	defer ws.Close()
	waitPeers(t, srv, 1)

	cancel()
	select {
	case err := <-done:
		ok(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return")
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to be closed")
	}
	waitPeers(t, srv, 0)
}
