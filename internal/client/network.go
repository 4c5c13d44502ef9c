package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/rpc"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/encoding"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/world"
)

// ErrGaveUp is returned by Run once every reconnect attempt has failed.
var ErrGaveUp = errors.New("client: max reconnect attempts reached")

// ChunkSink receives decoded chunk contents.
type ChunkSink interface {
	ChunkUpdate(pos world.ChunkPos, blocks []uint8, version uint32)
}

type Handlers struct {
	OnHello        func(playerID int)
	OnChat         func(m *protocol.ChatMsg)
	OnPlayerUpdate func(m *protocol.PlayerUpdateMsg)
	OnPlayerHit    func(m *protocol.PlayerHitMsg)

	// Server calls.
	OnLogEntry   func(line string)
	OnPlayerList func(list []protocol.PlayerListEntry)
	OnPlaySound  func(s protocol.PlaySoundArgs)
	OnPlayerJump func(j protocol.PlayerJumpArgs)
}

type Options struct {
	URL    string
	Logger *log.Logger
	Dialer *websocket.Dialer

	FlushInterval time.Duration
	MaxReconnects int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	CallTimeout   time.Duration

	Sink     ChunkSink
	Handlers Handlers
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 8 * time.Millisecond
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
}

// Network is the client end of one server connection. Frames sent while
// the socket is down are buffered and written in order once it is back;
// a frame may therefore arrive twice around a reconnect.
type Network struct {
	opts Options
	log  *log.Logger
	q    *rpc.Queue

	mu         sync.Mutex
	conn       *websocket.Conn
	raw        [][]byte
	status     string
	lastStatus string

	playerID atomic.Int64
	attempts int
}

func New(opts Options) *Network {
	opts.defaults()
	n := &Network{
		opts: opts,
		log:  opts.Logger,
		q:    rpc.NewQueue(rpc.WithCallTimeout(opts.CallTimeout), rpc.WithLogger(opts.Logger)),
	}
	n.registerDefaults()
	return n
}

// registerDefaults answers the calls every server makes. Callers may
// replace any of them through Queue().RegisterCallHandler.
func (n *Network) registerDefaults() {
	h := n.opts.Handlers
	n.q.RegisterCallHandler(protocol.MethodAddLogEntry, rpc.Handle(func(_ context.Context, line string) (any, error) {
		if h.OnLogEntry != nil {
			h.OnLogEntry(line)
		} else {
			n.log.Print(line)
		}
		return nil, nil
	}))
	n.q.RegisterCallHandler(protocol.MethodPlayerList, rpc.Handle(func(_ context.Context, list []protocol.PlayerListEntry) (any, error) {
		if h.OnPlayerList != nil {
			h.OnPlayerList(list)
		}
		return nil, nil
	}))
	n.q.RegisterCallHandler(protocol.MethodPlaySound, rpc.Handle(func(_ context.Context, s protocol.PlaySoundArgs) (any, error) {
		if h.OnPlaySound != nil {
			h.OnPlaySound(s)
		}
		return nil, nil
	}))
	n.q.RegisterCallHandler(protocol.MethodPlayerJump, rpc.Handle(func(_ context.Context, j protocol.PlayerJumpArgs) (any, error) {
		if h.OnPlayerJump != nil {
			h.OnPlayerJump(j)
		}
		return nil, nil
	}))
}

// Queue exposes the RPC queue for calls such as mineBlock and for
// registering handlers of server calls.
func (n *Network) Queue() *rpc.Queue { return n.q }

// PlayerID is 0 until the server's hello arrived.
func (n *Network) PlayerID() int { return int(n.playerID.Load()) }

func (n *Network) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil
}

// Buffered is the number of frames waiting for a connection.
func (n *Network) Buffered() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.raw)
}

// Backoff returns the delay before reconnect attempt n (0-based).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Run keeps the connection alive until ctx ends or reconnecting fails
// MaxReconnects times in a row.
func (n *Network) Run(ctx context.Context) (err error) {
	// Pending calls fail with the reason Run stopped.
	defer func() { n.q.Close(err) }()
	ticker := time.NewTicker(n.opts.FlushInterval)
	defer ticker.Stop()

	for {
		conn, _, err := n.opts.Dialer.DialContext(ctx, n.opts.URL, nil)
		if err == nil {
			n.attempts = 0
			n.log.Printf("connected to %s", n.opts.URL)
			err = n.serve(ctx, conn, ticker)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n.attempts >= n.opts.MaxReconnects {
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}
		delay := Backoff(n.attempts, n.opts.BaseBackoff, n.opts.MaxBackoff)
		n.log.Printf("connection lost (%v), reconnecting in %v", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		n.attempts++
	}
}

func (n *Network) serve(ctx context.Context, conn *websocket.Conn, ticker *time.Ticker) error {
	defer conn.Close()
	n.attach(conn)
	defer n.detach(conn)

	readErr := make(chan error, 1)
	go func() { readErr <- n.readLoop(ctx, conn) }()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			n.Flush()
		}
	}
}

func (n *Network) attach(conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conn = conn
	n.flushRawLocked()
}

func (n *Network) detach(conn *websocket.Conn) {
	n.mu.Lock()
	if n.conn == conn {
		n.conn = nil
	}
	n.mu.Unlock()
}

// flushRawLocked writes buffered frames in order and stops at the first
// failure, keeping the rest.
func (n *Network) flushRawLocked() {
	for len(n.raw) > 0 {
		if err := n.writeLocked(n.raw[0]); err != nil {
			return
		}
		n.raw = n.raw[1:]
	}
}

func (n *Network) writeLocked(b []byte) error {
	if n.conn == nil {
		return errors.New("not connected")
	}
	_ = n.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := n.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		_ = n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}

func (n *Network) sendRaw(b []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.flushRawLocked()
	if len(n.raw) > 0 || n.writeLocked(b) != nil {
		n.raw = append(n.raw, b)
	}
}

func (n *Network) send(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	n.sendRaw(b)
	return nil
}

// Flush ships queued RPC traffic as one packet. Run calls it on every
// flush tick.
func (n *Network) Flush() {
	n.q.Sweep(time.Now())

	n.mu.Lock()
	if n.status != n.lastStatus {
		n.q.Call(protocol.MethodSetPlayerStatus, n.status)
		n.lastStatus = n.status
	}
	n.mu.Unlock()

	if n.q.Empty() {
		return
	}
	b, err := n.q.Flush()
	if err != nil {
		n.log.Printf("flush: %v", err)
		return
	}
	n.sendRaw(b)
}

func (n *Network) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m, err := protocol.Decode(b)
		if err != nil {
			n.log.Printf("dropped frame: %v", err)
			continue
		}
		n.dispatch(ctx, m)
	}
}

func (n *Network) dispatch(ctx context.Context, m protocol.Message) {
	h := n.opts.Handlers
	switch m := m.(type) {
	case *protocol.HelloMsg:
		n.playerID.Store(int64(m.PlayerID))
		if h.OnHello != nil {
			h.OnHello(m.PlayerID)
		}
	case *protocol.Packet:
		if err := n.q.HandlePacket(ctx, m); err != nil {
			n.log.Printf("packet: %v", err)
		}
	case *protocol.ChunkUpdateMsg:
		blocks, err := encoding.DecodeChunk(m.Blocks, m.Encoding, world.ChunkVolume)
		if err != nil {
			n.log.Printf("chunk %d,%d,%d: %v", m.X, m.Y, m.Z, err)
			return
		}
		if n.opts.Sink != nil {
			n.opts.Sink.ChunkUpdate(world.ChunkPos{X: m.X, Y: m.Y, Z: m.Z}, blocks, m.LastUpdated)
		}
	case *protocol.ChatMsg:
		if h.OnChat != nil {
			h.OnChat(m)
		}
	case *protocol.PlayerUpdateMsg:
		if h.OnPlayerUpdate != nil {
			h.OnPlayerUpdate(m)
		}
	case *protocol.PlayerHitMsg:
		if h.OnPlayerHit != nil {
			h.OnPlayerHit(m)
		}
	default:
		n.log.Printf("unexpected %s frame dropped", m.Type())
	}
}

func (n *Network) SendChat(msg string) error {
	return n.send(&protocol.ChatMsg{Msg: msg, PlayerID: n.PlayerID()})
}

func (n *Network) SendSetBlock(x, y, z int, block uint8) error {
	return n.send(&protocol.BlockUpdateMsg{X: x, Y: y, Z: z, Block: block})
}

func (n *Network) SendNameChange(name string) error {
	return n.send(&protocol.NameChangeMsg{NewName: name, PlayerID: n.PlayerID()})
}

func (n *Network) SendPlayerUpdate(u protocol.PlayerUpdateMsg) error {
	u.PlayerID = n.PlayerID()
	return n.send(&u)
}

func (n *Network) SendChunkDrop(pos world.ChunkPos) error {
	return n.send(&protocol.ChunkDropMsg{X: pos.X, Y: pos.Y, Z: pos.Z})
}

func (n *Network) SendPlayerHit(target int, radius, damage float64) error {
	return n.send(&protocol.PlayerHitMsg{PlayerID: target, Radius: radius, Damage: damage})
}

// Jump tells the other players where this player jumped.
func (n *Network) Jump(x, y, z float64) *rpc.Pending {
	return n.q.Call(protocol.MethodPlayerJump, protocol.PlayerJumpArgs{PlayerID: n.PlayerID(), X: x, Y: y, Z: z})
}

// SetStatus is sent with the next flush if it changed.
func (n *Network) SetStatus(status string) {
	n.mu.Lock()
	n.status = status
	n.mu.Unlock()
}
