package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vihu/tandem/internal/client"
	"github.com/vihu/tandem/internal/config"
	"github.com/vihu/tandem/internal/document"
	"github.com/vihu/tandem/internal/logging"
	"github.com/vihu/tandem/internal/protocol"
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

var quiet = logging.New(io.Discard, slog.LevelError)

type harness struct {
	srv *server.Server
	url string
}

func start(t *testing.T, mutate func(*config.Server)) *harness {
	t.Helper()
	cfg := &config.Server{
		BindAddr:   "127.0.0.1:0",
		MaxPeers:   8,
		MaxRooms:   100,
		MaxDocSize: config.DefaultMaxDocSize,
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv := server.New(cfg, quiet)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

func (h *harness) session(t *testing.T, room string) *client.Session {
	t.Helper()
	c := client.New(h.url+"/ws/"+room, quiet)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok(t, c.Connect(ctx))
	s := client.NewSession(c, document.New(), quiet)
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func (h *harness) waitPeers(t *testing.T, n int) {
	t.Helper()
	waitFor(t, "peers", func() bool { return h.srv.Registry().Stats().Peers == n })
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

func syncText(t *testing.T, s *client.Session) string {
	t.Helper()
	ok(t, s.RequestSync())
	select {
	case text := <-s.Synced:
		return text
	case <-time.After(5 * time.Second):
		t.Fatal("no sync response")
		return ""
	}
}

func TestEditsReachOtherPeer(t *testing.T) {
	h := start(t, nil)
	a := h.session(t, "notes")
	b := h.session(t, "notes")
	h.waitPeers(t, 2)

	ok(t, a.Document().SetText("hello"))
	ok(t, a.Flush())

	select {
	case <-b.Document().Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("no delta delivered")
	}
	mirror := ""
	for _, d := range b.Document().Poll() {
		var err error
		mirror, err = d.Apply(mirror)
		ok(t, err)
	}
	eq(t, mirror, "hello")
	eq(t, b.Document().Text(), "hello")
	eq(t, len(a.Document().Poll()), 0)
}

func TestLateJoinerSyncs(t *testing.T) {
	h := start(t, nil)
	a := h.session(t, "notes")
	ok(t, a.Document().SetText("existing"))
	ok(t, a.Flush())
	waitFor(t, "commit", func() bool {
		rm, found := h.srv.Registry().Room("notes")
		return found && rm.Text() == "existing"
	})

	c := h.session(t, "notes")
	eq(t, syncText(t, c), "existing")
	eq(t, len(c.Document().Poll()), 0)
}

func TestReadLimitBoundsSync(t *testing.T) {
	h := start(t, nil)
	a := h.session(t, "notes")
	big := strings.Repeat("x", 8<<10)
	ok(t, a.Document().SetText(big))
	ok(t, a.Flush())
	waitFor(t, "commit", func() bool {
		rm, found := h.srv.Registry().Room("notes")
		return found && len(rm.Text()) == len(big)
	})

	c := client.New(h.url+"/ws/notes", quiet)
	eq(t, c.ReadLimit, int64(client.DefaultReadLimit))
	c.ReadLimit = 1 << 10
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok(t, c.Connect(ctx))
	small := client.NewSession(c, document.New(), quiet)
	small.Start()
	t.Cleanup(small.Close)

	ok(t, small.RequestSync())
	select {
	case <-small.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("oversized sync did not end the session")
	}
	if !errors.Is(small.Err(), websocket.ErrReadLimit) {
		t.Fatalf("expected read limit error, got %v", small.Err())
	}

	eq(t, syncText(t, h.session(t, "notes")), big)
}

func TestConcurrentEditsConverge(t *testing.T) {
	h := start(t, nil)
	a := h.session(t, "notes")
	b := h.session(t, "notes")
	h.waitPeers(t, 2)

	ok(t, a.Document().ApplyEdit(0, 0, "Hello"))
	ok(t, b.Document().ApplyEdit(0, 0, "World"))
	ok(t, a.Flush())
	ok(t, b.Flush())

	waitFor(t, "convergence", func() bool {
		ta, tb := a.Document().Text(), b.Document().Text()
		return len(ta) == 10 && ta == tb
	})
	eq(t, syncText(t, a), a.Document().Text())
}

func TestServerErrorsSurface(t *testing.T) {
	h := start(t, func(cfg *config.Server) { cfg.MaxDocSize = 128 })
	a := h.session(t, "notes")

	ok(t, a.Document().SetText(strings.Repeat("too long ", 40)))
	ok(t, a.Flush())
	select {
	case p := <-a.Errors:
		eq(t, p.Code, protocol.CodeDocSizeLimit)
	case <-time.After(5 * time.Second):
		t.Fatal("no error frame")
	}
}

func TestAwareness(t *testing.T) {
	type presence struct {
		Name   string `msgpack:"name"`
		Cursor int    `msgpack:"cursor"`
	}
	h := start(t, nil)
	a := h.session(t, "notes")
	b := h.session(t, "notes")
	h.waitPeers(t, 2)

	ok(t, a.SendAwareness(presence{Name: "ada", Cursor: 3}))
	select {
	case raw := <-b.Awareness:
		var p presence
		ok(t, msgpack.Unmarshal(raw, &p))
		eq(t, p, presence{Name: "ada", Cursor: 3})
	case <-time.After(5 * time.Second):
		t.Fatal("no awareness relayed")
	}
	select {
	case <-a.Awareness:
		t.Fatal("awareness echoed to sender")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRejectedWhenRoomFull(t *testing.T) {
	h := start(t, func(cfg *config.Server) { cfg.MaxPeers = 1 })
	h.session(t, "solo")
	h.waitPeers(t, 1)

	b := h.session(t, "solo")
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("rejected session still open")
	}
	var closeErr *websocket.CloseError
	if !errors.As(b.Err(), &closeErr) {
		t.Fatalf("expected close error, got %v", b.Err())
	}
	eq(t, closeErr.Code, websocket.CloseTryAgainLater)
}

func TestConnectGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	ok(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := client.New("ws://"+addr+"/ws/notes", quiet)
	c.Retries = 1
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c = client.New("ws://"+addr+"/ws/notes", quiet)
	eq(t, errors.Is(c.Connect(ctx), context.Canceled), true)
}

func TestSendAfterClose(t *testing.T) {
	h := start(t, nil)
	s := h.session(t, "notes")
	s.Close()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	eq(t, errors.Is(s.RequestSync(), client.ErrClosed), true)
}

func TestDecodePresence(t *testing.T) {
	raw, err := msgpack.Marshal(map[string]any{"name": "ada", "mode": "watch", "cursor": 7})
	ok(t, err)
	p, err := client.DecodePresence(raw)
	ok(t, err)
	eq(t, p, client.Presence{Name: "ada", Mode: "watch"})

	raw, err = msgpack.Marshal(map[string]any{"cursor": 7})
	ok(t, err)
	if _, err := client.DecodePresence(raw); err == nil {
		t.Fatal("expected error for nameless presence")
	}
	if _, err := client.DecodePresence(msgpack.RawMessage{0xc1}); err == nil {
		t.Fatal("expected error for invalid msgpack")
	}
}
