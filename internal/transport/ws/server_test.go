package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/config"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/server"
)

func startServer(t *testing.T, limits config.Limits) (*server.Game, *Server, string) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	cfg := config.Defaults()
	cfg.Stream.Radii = nil
	g, err := server.New(server.Options{Config: cfg, Logger: logger})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = g.Run(ctx) }()

	v, err := protocol.DefaultValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	s := NewServer(g, logger, Options{Limits: limits, Validator: v})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws", s.Handler())
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		hs.Close()
		cancel()
		<-g.Done()
	})
	return g, s, "ws" + strings.TrimPrefix(hs.URL, "http") + "/api/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// readUntil returns the first frame with discriminator typ.
func readUntil(t *testing.T, c *websocket.Conn, typ string) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.SetReadDeadline(deadline)
		_, b, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		base, err := protocol.DecodeBase(b)
		if err != nil {
			t.Fatalf("bad frame %s: %v", b, err)
		}
		if base.T == typ {
			return b
		}
	}
}

func send(t *testing.T, c *websocket.Conn, m protocol.Message) {
	t.Helper()
	b, err := protocol.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServer_HelloChatAndRPC(t *testing.T) {
	g, s, url := startServer(t, config.Defaults().Limits)
	c := dial(t, url)

	var hello protocol.HelloMsg
	if err := json.Unmarshal(readUntil(t, c, protocol.TypeHello), &hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if hello.PlayerID != 1 {
		t.Fatalf("playerID=%d want 1", hello.PlayerID)
	}

	// Malformed and unknown frames are dropped without closing the socket.
	_ = c.WriteMessage(websocket.TextMessage, []byte(`{not json`))
	_ = c.WriteMessage(websocket.TextMessage, []byte(`{"T":"teleport"}`))
	_ = c.WriteMessage(websocket.TextMessage, []byte(`{"T":"blockUpdate","x":1,"y":2,"z":3,"block":999}`))

	send(t, c, &protocol.ChatMsg{Msg: "hello world"})
	var chat protocol.ChatMsg
	if err := json.Unmarshal(readUntil(t, c, protocol.TypeChat), &chat); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if chat.Msg != "hello world" || chat.PlayerID != 1 {
		t.Fatalf("chat=%+v", chat)
	}
	if s.Rejected() != 3 {
		t.Fatalf("rejected=%d want 3", s.Rejected())
	}

	send(t, c, &protocol.Packet{Calls: []protocol.Call{{T: protocol.MethodGetPlayerID, ID: 7}}})
	for {
		var pkt protocol.Packet
		if err := json.Unmarshal(readUntil(t, c, protocol.TypePacket), &pkt); err != nil {
			t.Fatalf("packet: %v", err)
		}
		if len(pkt.Replies) == 0 {
			continue
		}
		rep := pkt.Replies[0]
		if rep.ID != 7 || rep.T != protocol.MethodGetPlayerID || string(rep.Value) != "1" || rep.Error != "" {
			t.Fatalf("reply=%+v", rep)
		}
		break
	}

	if m := g.Metrics(); m.Connections != 1 || m.Traffic.MsgsIn < 5 {
		t.Fatalf("metrics=%+v", m)
	}

	_ = c.Close()
	deadline := time.Now().Add(3 * time.Second)
	for g.Metrics().Connections != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_RateLimit(t *testing.T) {
	_, s, url := startServer(t, config.Limits{FramesPerSecond: 1, Burst: 2, MaxFrameBytes: 1 << 20})
	c := dial(t, url)
	readUntil(t, c, protocol.TypeHello)

	for i := 0; i < 5; i++ {
		send(t, c, &protocol.ChatMsg{Msg: "spam"})
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.Limited() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("limited=%d want >= 2", s.Limited())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_PlayerIDsIncrease(t *testing.T) {
	_, _, url := startServer(t, config.Defaults().Limits)
	for want := 1; want <= 3; want++ {
		c := dial(t, url)
		var hello protocol.HelloMsg
		if err := json.Unmarshal(readUntil(t, c, protocol.TypeHello), &hello); err != nil {
			t.Fatalf("hello: %v", err)
		}
		if hello.PlayerID != want {
			t.Fatalf("playerID=%d want %d", hello.PlayerID, want)
		}
	}
}
