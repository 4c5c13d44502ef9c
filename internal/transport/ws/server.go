package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/config"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/server"
)

type Options struct {
	Limits config.Limits
	// OutQueue is the per-connection outbound frame buffer.
	OutQueue int
	// Validator, if set, checks every inbound frame against its schema.
	Validator *protocol.Validator
}

type Server struct {
	game *server.Game
	log  *log.Logger
	opts Options

	upgrader websocket.Upgrader

	rejected atomic.Uint64
	limited  atomic.Uint64
}

func NewServer(g *server.Game, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if opts.OutQueue <= 0 {
		opts.OutQueue = 1024
	}
	s := &Server{
		game: g,
		log:  logger,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

// Rejected counts inbound frames dropped for failing to decode or
// validate; Limited counts frames dropped by the rate limiter.
func (s *Server) Rejected() uint64 { return s.rejected.Load() }
func (s *Server) Limited() uint64  { return s.limited.Load() }

func (s *Server) limiter() *rate.Limiter {
	if s.opts.Limits.FramesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.opts.Limits.Burst
	if burst <= 0 {
		burst = int(s.opts.Limits.FramesPerSecond)
	}
	return rate.NewLimiter(rate.Limit(s.opts.Limits.FramesPerSecond), burst)
}

func (s *Server) decode(b []byte) (protocol.Message, error) {
	if s.opts.Validator != nil {
		return s.opts.Validator.DecodeValidated(b)
	}
	return protocol.Decode(b)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if s.opts.Limits.MaxFrameBytes > 0 {
			conn.SetReadLimit(s.opts.Limits.MaxFrameBytes)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		out := make(chan []byte, s.opts.OutQueue)
		c := s.join(r.Context(), r.RemoteAddr, out, func() {
			cancel()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle"), time.Now().Add(time.Second))
			_ = conn.Close()
		})
		if c == nil {
			return
		}

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		// Reader loop.
		lim := s.limiter()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, context.Canceled) {
					s.log.Printf("conn=%d read: %v", c.ID, err)
				}
				break
			}
			c.Touch(len(msg))
			if !lim.Allow() {
				s.limited.Add(1)
				continue
			}
			m, err := s.decode(msg)
			if err != nil {
				s.rejected.Add(1)
				s.log.Printf("conn=%d dropped frame: %v", c.ID, err)
				continue
			}
			if pkt, ok := m.(*protocol.Packet); ok {
				if err := c.RPC().HandlePacket(ctx, pkt); err != nil {
					s.log.Printf("conn=%d packet: %v", c.ID, err)
				}
				continue
			}
			select {
			case s.game.Inbox() <- server.EventEnvelope{ConnID: c.ID, Msg: m}:
			case <-ctx.Done():
			case <-s.game.Done():
			}
		}

		// Cleanup.
		cancel()
		select {
		case s.game.Leave() <- c.ID:
		case <-s.game.Done():
		}
	}
}

func (s *Server) join(ctx context.Context, remote string, out chan []byte, closeFn func()) *server.Conn {
	resp := make(chan *server.Conn, 1)
	req := server.JoinRequest{Remote: remote, Out: out, Close: closeFn, Resp: resp}
	select {
	case s.game.Join() <- req:
	case <-ctx.Done():
		return nil
	case <-s.game.Done():
		return nil
	}
	select {
	case c := <-resp:
		return c
	case <-ctx.Done():
		return nil
	case <-s.game.Done():
		return nil
	}
}
