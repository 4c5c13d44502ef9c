package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/chunksync"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/config"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/rpc"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/catalogs"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/encoding"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/mining"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/world"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/streaming"
)

var ErrStopped = errors.New("server: game loop stopped")

type Options struct {
	Config   config.Config
	Catalogs *catalogs.Catalogs
	Logger   *log.Logger
	Journal  Journal
	Index    SessionIndex
	// Debug logs per-connection traffic once per second.
	Debug bool
}

type task struct {
	fn   func()
	done chan struct{}
}

// Game owns the world, the mining manager and every connection. All of
// that state is touched only from the goroutine running Run; everything
// else talks to it through channels or Submit.
type Game struct {
	cfg     config.Config
	cats    *catalogs.Catalogs
	log     *log.Logger
	journal Journal
	index   SessionIndex
	debug   bool

	world   *world.ChunkStore
	mining  *mining.Manager
	weights streaming.Weights
	encoder chunksync.Encoder

	inbox    chan EventEnvelope
	join     chan JoinRequest
	leave    chan int
	tasks    chan task
	done     chan struct{}
	doneOnce sync.Once

	conns          map[int]*Conn
	nextID         int
	lastPlayerList time.Time
	lastDebug      time.Time

	pendingJoins  []JoinRequest
	pendingLeaves []int
	pendingEvents []EventEnvelope
	pendingTasks  []task

	totals        trafficCounters
	tick          atomic.Uint64
	stepNanos     atomic.Int64
	connCount     atomic.Int64
	loadedChunks  atomic.Int64
	miningActions atomic.Int64
	chunksSent    atomic.Uint64
	rpcTimeouts   atomic.Uint64
}

func New(opts Options) (*Game, error) {
	cfg := opts.Config
	if cfg.TickRateHz == 0 {
		cfg = config.Defaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cats := opts.Catalogs
	if cats == nil {
		cats = catalogs.Defaults()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	g := &Game{
		cfg:     cfg,
		cats:    cats,
		log:     logger,
		journal: opts.Journal,
		index:   opts.Index,
		debug:   opts.Debug,
		weights: streaming.Weights{VerticalPenalty: cfg.Stream.VerticalPenalty, ViewBonus: cfg.Stream.ViewBonus},
		inbox:   make(chan EventEnvelope, 1024),
		join:    make(chan JoinRequest, 64),
		leave:   make(chan int, 64),
		tasks:   make(chan task, 256),
		done:    make(chan struct{}),
		conns:   map[int]*Conn{},
	}
	g.world = world.NewChunkStore(world.DefaultWorldGen(cfg.World.Seed, cfg.World.SeaLevel, &cats.Blocks))
	g.mining = mining.NewManager(g.world, &cats.Blocks, gameEffects{g: g}, mining.Config{
		DecayRate:       cfg.Mining.DecayRate,
		FxEveryTicks:    cfg.Mining.FxEveryTicks,
		SoundEveryTicks: cfg.Mining.SoundEveryTicks,
	})
	enc := cfg.Stream.ChunkEncoding
	g.encoder = func(blocks []uint8) ([]byte, string, error) { return encoding.EncodeChunk(blocks, enc) }
	return g, nil
}

func (g *Game) Inbox() chan<- EventEnvelope { return g.inbox }
func (g *Game) Join() chan<- JoinRequest    { return g.join }
func (g *Game) Leave() chan<- int           { return g.leave }

// Done is closed once Run has returned.
func (g *Game) Done() <-chan struct{} { return g.done }

func (g *Game) CurrentTick() uint64 { return g.tick.Load() }

func (g *Game) Config() config.Config { return g.cfg }

func (g *Game) Run(ctx context.Context) error {
	defer g.shutdown()
	ticker := time.NewTicker(g.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-g.join:
			g.pendingJoins = append(g.pendingJoins, req)
		case id := <-g.leave:
			g.pendingLeaves = append(g.pendingLeaves, id)
		case env := <-g.inbox:
			g.pendingEvents = append(g.pendingEvents, env)
		case t := <-g.tasks:
			g.pendingTasks = append(g.pendingTasks, t)
		case now := <-ticker.C:
			g.step(now)
		}
	}
}

// StepOnce drains whatever is queued on the channels and runs a single
// tick at now. It must not be mixed with a running Run.
func (g *Game) StepOnce(now time.Time) {
	for {
		select {
		case req := <-g.join:
			g.pendingJoins = append(g.pendingJoins, req)
		case id := <-g.leave:
			g.pendingLeaves = append(g.pendingLeaves, id)
		case env := <-g.inbox:
			g.pendingEvents = append(g.pendingEvents, env)
		case t := <-g.tasks:
			g.pendingTasks = append(g.pendingTasks, t)
		default:
			g.step(now)
			return
		}
	}
}

// Submit runs fn on the game loop at the next tick boundary and waits for
// it to finish.
func (g *Game) Submit(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case g.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrStopped
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		select {
		case <-t.done:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (g *Game) shutdown() {
	g.doneOnce.Do(func() { close(g.done) })
	for _, c := range g.conns {
		c.rpc.Close(ErrStopped)
	}
}

func (g *Game) step(now time.Time) {
	start := time.Now()
	if g.lastPlayerList.IsZero() {
		g.lastPlayerList = now
		g.lastDebug = now
	}

	for _, id := range g.pendingLeaves {
		g.dropConn(id, now)
	}
	for _, req := range g.pendingJoins {
		g.joinConn(req, now)
	}
	for _, env := range g.pendingEvents {
		g.dispatch(env, now)
	}
	for _, t := range g.pendingTasks {
		t.fn()
		close(t.done)
	}
	g.pendingLeaves = g.pendingLeaves[:0]
	g.pendingJoins = g.pendingJoins[:0]
	g.pendingEvents = g.pendingEvents[:0]
	g.pendingTasks = g.pendingTasks[:0]

	g.mining.Tick()

	ids := g.connIDs()
	for _, id := range ids {
		g.streamChunks(g.conns[id])
	}
	for _, id := range ids {
		g.flushRPC(g.conns[id], now)
	}

	if now.Sub(g.lastPlayerList) >= g.cfg.PlayerListInterval() {
		g.playerListCycle(now)
	}
	if g.debug && now.Sub(g.lastDebug) >= time.Second {
		g.logTraffic(now)
	}

	g.connCount.Store(int64(len(g.conns)))
	g.loadedChunks.Store(int64(g.world.Loaded()))
	g.miningActions.Store(int64(g.mining.Len()))
	g.stepNanos.Store(time.Since(start).Nanoseconds())
	g.tick.Add(1)
}

func (g *Game) connIDs() []int {
	ids := make([]int, 0, len(g.conns))
	for id := range g.conns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (g *Game) joinConn(req JoinRequest, now time.Time) {
	g.nextID++
	c := &Conn{
		ID:          g.nextID,
		SessionID:   uuid.NewString(),
		Remote:      req.Remote,
		ConnectedAt: now,
		out:         req.Out,
		closeFn:     req.Close,
		totals:      &g.totals,
		versions:    chunksync.NewVersionTable(),
		rpc: rpc.NewQueue(
			rpc.WithCallTimeout(g.cfg.CallTimeout()),
			rpc.WithLogger(g.log),
		),
	}
	g.registerHandlers(c)

	if err := c.sendMsg(&protocol.HelloMsg{PlayerID: c.ID}); err != nil {
		g.log.Printf("conn=%d hello: %v", c.ID, err)
	}
	g.conns[c.ID] = c
	g.log.Printf("conn=%d joined remote=%s session=%s", c.ID, c.Remote, c.SessionID)
	g.record(JournalEntry{Kind: JournalJoin, ConnID: c.ID, Text: c.Remote})
	if g.index != nil {
		g.index.SessionOpened(c.sessionRecord())
	}
	g.broadcastPlayerList()

	if req.Resp != nil {
		select {
		case req.Resp <- c:
		default:
		}
	}
}

func (g *Game) dropConn(id int, now time.Time) {
	c := g.conns[id]
	if c == nil {
		return
	}
	delete(g.conns, id)
	c.closed = true
	c.rpc.Close(errConnClosed)

	g.log.Printf("conn=%d left name=%q", c.ID, c.Name)
	g.record(JournalEntry{Kind: JournalLeave, ConnID: c.ID, Name: c.Name})
	if g.index != nil {
		rec := c.sessionRecord()
		rec.DisconnectedAt = now
		g.index.SessionClosed(rec)
	}
	g.broadcastPlayerList()
}

func (g *Game) dispatch(env EventEnvelope, now time.Time) {
	c := g.conns[env.ConnID]
	if c == nil {
		return
	}
	switch m := env.Msg.(type) {
	case *protocol.ChatMsg:
		g.chat(c, m.Msg, now)
	case *protocol.NameChangeMsg:
		g.rename(c, m.NewName, false)
	case *protocol.PlayerUpdateMsg:
		g.playerUpdate(c, m)
	case *protocol.BlockUpdateMsg:
		g.blockUpdate(c, m)
	case *protocol.ChunkDropMsg:
		chunksync.HandleChunkDrop(c.versions, m)
	case *protocol.PlayerHitMsg:
		g.relayHit(c, m)
	case *protocol.HelloMsg, *protocol.ChunkUpdateMsg, *protocol.Packet:
		g.log.Printf("conn=%d unexpected %s frame dropped", c.ID, m.Type())
	default:
		g.log.Printf("conn=%d unhandled message %T", c.ID, m)
	}
}

func (g *Game) chat(c *Conn, text string, now time.Time) {
	msg := &protocol.ChatMsg{Msg: text, PlayerID: c.ID}
	for _, id := range g.connIDs() {
		if err := g.conns[id].sendMsg(msg); err != nil {
			g.log.Printf("conn=%d chat: %v", id, err)
		}
	}
	g.record(JournalEntry{Kind: JournalChat, ConnID: c.ID, Name: c.Name, Text: text})
	if g.index != nil {
		g.index.Chat(ChatRecord{SessionID: c.SessionID, ConnID: c.ID, Name: c.Name, Text: text, At: now})
	}
}

// rename sets the display name and announces the player to everyone,
// as an addLogEntry call for RPC renames or as a chat frame otherwise.
func (g *Game) rename(c *Conn, name string, viaRPC bool) {
	c.Name = name
	line := name + " joined the game"
	g.log.Print(line)
	if viaRPC {
		g.callAll(protocol.MethodAddLogEntry, line)
	} else {
		msg := &protocol.ChatMsg{Msg: line, PlayerID: c.ID}
		for _, id := range g.connIDs() {
			if err := g.conns[id].sendMsg(msg); err != nil {
				g.log.Printf("conn=%d announce: %v", id, err)
			}
		}
	}
	g.broadcastPlayerList()
	g.record(JournalEntry{Kind: JournalName, ConnID: c.ID, Name: name})
}

func (g *Game) logEntry(c *Conn, text string, now time.Time) {
	line := c.Name + ": " + text
	g.log.Print(line)
	g.callAll(protocol.MethodAddLogEntry, line)
	g.record(JournalEntry{Kind: JournalChat, ConnID: c.ID, Name: c.Name, Text: text})
	if g.index != nil {
		g.index.Chat(ChatRecord{SessionID: c.SessionID, ConnID: c.ID, Name: c.Name, Text: text, At: now})
	}
}

func (g *Game) playerUpdate(c *Conn, m *protocol.PlayerUpdateMsg) {
	c.X, c.Y, c.Z = m.X, m.Y, m.Z
	c.Yaw, c.Pitch = m.Yaw, m.Pitch
	c.Health, c.MaxHealth = m.Health, m.MaxHealth
	c.hasPos = true

	for _, id := range g.connIDs() {
		peer := g.conns[id]
		if peer == c || !peer.hasPos {
			continue
		}
		if err := c.sendMsg(peer.updateMsg()); err != nil {
			break
		}
	}

	pos := world.ChunkPosOf(int(math.Floor(c.X)), int(math.Floor(c.Y)), int(math.Floor(c.Z)))
	_, _ = g.updateChunk(c, g.world.GetOrGenChunk(pos))
}

func (c *Conn) updateMsg() *protocol.PlayerUpdateMsg {
	return &protocol.PlayerUpdateMsg{
		PlayerID:   c.ID,
		PlayerName: c.Name,
		X:          c.X,
		Y:          c.Y,
		Z:          c.Z,
		Yaw:        c.Yaw,
		Pitch:      c.Pitch,
		Health:     c.Health,
		MaxHealth:  c.MaxHealth,
	}
}

func (g *Game) blockUpdate(c *Conn, m *protocol.BlockUpdateMsg) {
	if _, ok := g.cats.Blocks.Def(m.Block); !ok {
		g.log.Printf("conn=%d blockUpdate with unknown block %d dropped", c.ID, m.Block)
		return
	}
	if g.world.SetBlock(m.X, m.Y, m.Z, m.Block) {
		g.record(JournalEntry{Kind: JournalSetBlock, ConnID: c.ID, X: m.X, Y: m.Y, Z: m.Z, Block: m.Block})
	}
}

func (g *Game) relayHit(c *Conn, m *protocol.PlayerHitMsg) {
	hit := &protocol.PlayerHitMsg{PlayerID: m.PlayerID, Radius: m.Radius, Damage: m.Damage}
	for _, id := range g.connIDs() {
		if id == c.ID {
			continue
		}
		_ = g.conns[id].sendMsg(hit)
	}
}

// updateChunk pushes ch to c if the connection's copy is stale.
func (g *Game) updateChunk(c *Conn, ch *world.Chunk) (bool, error) {
	res, err := chunksync.ClientUpdateChunk(c.versions, ch, g.encoder, func(m *protocol.ChunkUpdateMsg) error {
		return c.sendMsg(m)
	})
	switch {
	case err == nil:
	case errors.Is(err, chunksync.ErrClientAhead):
		g.log.Printf("ERROR conn=%d %v", c.ID, err)
	case errors.Is(err, ErrOutboundFull):
	default:
		g.log.Printf("conn=%d chunk %v: %v", c.ID, ch.Pos, err)
	}
	if res == chunksync.Sent {
		g.chunksSent.Add(1)
		return true, err
	}
	return false, err
}

// streamChunks walks the configured radii around the player, best chunks
// first. Each radius pass stops once it has spent the per-tick budget.
func (g *Game) streamChunks(c *Conn) {
	if !c.hasPos || len(g.cfg.Stream.Radii) == 0 {
		return
	}
	v := c.viewer()
	key := streamKey{
		center: world.ChunkPosOf(int(math.Floor(c.X)), int(math.Floor(c.Y)), int(math.Floor(c.Z))),
		yaw:    int(math.Round(c.Yaw * 8)),
		pitch:  int(math.Round(c.Pitch * 8)),
	}
	if !c.stream.valid || c.stream.key != key {
		c.stream = streamCache{key: key, valid: true, radius: map[int][]world.ChunkPos{}}
	}

	budget := g.cfg.Stream.MaxUpdatesPerTick
	for _, r := range g.cfg.Stream.Radii {
		list, ok := c.stream.radius[r]
		if !ok {
			list = streaming.Wanted(v, r, 0, g.weights)
			c.stream.radius[r] = list
		}
		sent := 0
		for _, p := range list {
			if ch, ok := g.world.Chunk(p); ok && c.versions.Get(p) == ch.LastUpdated {
				continue
			}
			ok, err := g.updateChunk(c, g.world.GetOrGenChunk(p))
			if errors.Is(err, ErrOutboundFull) {
				return
			}
			if ok {
				sent++
				if budget > 0 && sent >= budget {
					break
				}
			}
		}
	}
}

func (g *Game) flushRPC(c *Conn, now time.Time) {
	if n := c.rpc.Sweep(now); n > 0 {
		g.rpcTimeouts.Add(uint64(n))
		g.log.Printf("conn=%d %d rpc calls timed out", c.ID, n)
	}
	if c.rpc.Empty() {
		return
	}
	b, err := c.rpc.Flush()
	if err != nil {
		g.log.Printf("conn=%d flush: %v", c.ID, err)
		return
	}
	if err := c.send(b); err != nil {
		g.log.Printf("conn=%d packet dropped: %v", c.ID, err)
	}
}

// playerListCycle broadcasts the player list and closes connections that
// stayed silent for more than IdleCycles periods.
func (g *Game) playerListCycle(now time.Time) {
	g.lastPlayerList = now
	list := g.playerList()
	for _, id := range g.connIDs() {
		c := g.conns[id]
		if c == nil {
			continue
		}
		c.rpc.Call(protocol.MethodPlayerList, list)
		if int(c.idle.Add(1)) > g.cfg.IdleCycles {
			g.log.Printf("conn=%d idle, closing", c.ID)
			g.dropConn(c.ID, now)
			if c.closeFn != nil {
				c.closeFn()
			}
		}
	}
}

func (g *Game) logTraffic(now time.Time) {
	secs := now.Sub(g.lastDebug).Seconds()
	g.lastDebug = now
	if secs <= 0 {
		return
	}
	for _, id := range g.connIDs() {
		c := g.conns[id]
		t := c.Traffic()
		d := Traffic{
			BytesIn:  t.BytesIn - c.lastDebug.BytesIn,
			BytesOut: t.BytesOut - c.lastDebug.BytesOut,
			MsgsIn:   t.MsgsIn - c.lastDebug.MsgsIn,
			MsgsOut:  t.MsgsOut - c.lastDebug.MsgsOut,
		}
		c.lastDebug = t
		g.log.Printf("conn=%d sent %.1fKiB/s (%d msgs) received %.1fKiB/s (%d msgs)",
			c.ID, float64(d.BytesOut)/1024/secs, d.MsgsOut, float64(d.BytesIn)/1024/secs, d.MsgsIn)
	}
}

func (g *Game) playerList() []protocol.PlayerListEntry {
	ids := g.connIDs()
	out := make([]protocol.PlayerListEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.conns[id].listEntry())
	}
	return out
}

func (g *Game) broadcastPlayerList() {
	g.callAll(protocol.MethodPlayerList, g.playerList())
}

func (g *Game) callAll(method string, args ...any) {
	for _, id := range g.connIDs() {
		g.conns[id].rpc.Call(method, args...)
	}
}

func (g *Game) callOthers(except int, method string, args ...any) {
	for _, id := range g.connIDs() {
		if id != except {
			g.conns[id].rpc.Call(method, args...)
		}
	}
}

func (g *Game) record(e JournalEntry) {
	if g.journal == nil {
		return
	}
	e.Time = time.Now().UTC()
	e.Tick = g.tick.Load()
	if err := g.journal.Record(e); err != nil {
		g.log.Printf("journal: %v", err)
	}
}

// PlayerList returns the current player list as seen by the loop.
func (g *Game) PlayerList(ctx context.Context) ([]protocol.PlayerListEntry, error) {
	var out []protocol.PlayerListEntry
	if err := g.Submit(ctx, func() { out = g.playerList() }); err != nil {
		return nil, fmt.Errorf("player list: %w", err)
	}
	return out, nil
}

type Metrics struct {
	Tick          uint64
	Connections   int
	LoadedChunks  int
	MiningActions int
	StepDuration  time.Duration
	ChunksSent    uint64
	RPCTimeouts   uint64
	Traffic       Traffic
}

// Metrics is safe to call from any goroutine.
func (g *Game) Metrics() Metrics {
	return Metrics{
		Tick:          g.tick.Load(),
		Connections:   int(g.connCount.Load()),
		LoadedChunks:  int(g.loadedChunks.Load()),
		MiningActions: int(g.miningActions.Load()),
		StepDuration:  time.Duration(g.stepNanos.Load()),
		ChunksSent:    g.chunksSent.Load(),
		RPCTimeouts:   g.rpcTimeouts.Load(),
		Traffic:       g.totals.snapshot(),
	}
}
