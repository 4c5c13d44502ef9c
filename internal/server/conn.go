package server

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/chunksync"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/rpc"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/world"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/streaming"
)

var (
	ErrOutboundFull = errors.New("server: outbound queue full")
	errConnClosed   = errors.New("connection closed")
)

// Traffic counts frames and bytes in both directions.
type Traffic struct {
	BytesIn  uint64
	BytesOut uint64
	MsgsIn   uint64
	MsgsOut  uint64
	Dropped  uint64
}

type trafficCounters struct {
	bytesIn, bytesOut, msgsIn, msgsOut, dropped atomic.Uint64
}

func (t *trafficCounters) snapshot() Traffic {
	return Traffic{
		BytesIn:  t.bytesIn.Load(),
		BytesOut: t.bytesOut.Load(),
		MsgsIn:   t.msgsIn.Load(),
		MsgsOut:  t.msgsOut.Load(),
		Dropped:  t.dropped.Load(),
	}
}

// Conn is one connected player. Fields below the RPC queue belong to the
// game loop; the transport only uses RPC, Touch and the outbound channel.
type Conn struct {
	ID          int
	SessionID   string
	Remote      string
	ConnectedAt time.Time

	rpc     *rpc.Queue
	out     chan []byte
	closeFn func()

	traffic trafficCounters
	totals  *trafficCounters
	idle    atomic.Int32

	Name              string
	Status            string
	X, Y, Z           float64
	Yaw, Pitch        float64
	Health, MaxHealth int
	Deaths, Kills     int
	hasPos            bool

	versions  *chunksync.VersionTable
	stream    streamCache
	lastDebug Traffic
	closed    bool
}

// streamCache keeps the candidate lists of the last viewer pose so the
// loop only re-sorts when the player changes chunk or turns.
type streamCache struct {
	key    streamKey
	valid  bool
	radius map[int][]world.ChunkPos
}

type streamKey struct {
	center     world.ChunkPos
	yaw, pitch int
}

func (c *Conn) RPC() *rpc.Queue { return c.rpc }

// Touch records an inbound frame of n bytes and resets the idle counter.
func (c *Conn) Touch(n int) {
	c.idle.Store(0)
	c.traffic.bytesIn.Add(uint64(n))
	c.traffic.msgsIn.Add(1)
	if c.totals != nil {
		c.totals.bytesIn.Add(uint64(n))
		c.totals.msgsIn.Add(1)
	}
}

func (c *Conn) Traffic() Traffic { return c.traffic.snapshot() }

// send queues b without blocking.
func (c *Conn) send(b []byte) error {
	select {
	case c.out <- b:
	default:
		c.traffic.dropped.Add(1)
		if c.totals != nil {
			c.totals.dropped.Add(1)
		}
		return ErrOutboundFull
	}
	c.traffic.bytesOut.Add(uint64(len(b)))
	c.traffic.msgsOut.Add(1)
	if c.totals != nil {
		c.totals.bytesOut.Add(uint64(len(b)))
		c.totals.msgsOut.Add(1)
	}
	return nil
}

func (c *Conn) sendMsg(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.send(b)
}

func (c *Conn) viewer() streaming.Viewer {
	return streaming.Viewer{Yaw: c.Yaw, Pitch: c.Pitch, Pos: mgl64.Vec3{c.X, c.Y, c.Z}}
}

func (c *Conn) listEntry() protocol.PlayerListEntry {
	return protocol.PlayerListEntry{ID: c.ID, Name: c.Name, Status: c.Status, Deaths: c.Deaths, Kills: c.Kills}
}

func (c *Conn) sessionRecord() SessionRecord {
	t := c.traffic.snapshot()
	return SessionRecord{
		SessionID:   c.SessionID,
		ConnID:      c.ID,
		Name:        c.Name,
		Remote:      c.Remote,
		ConnectedAt: c.ConnectedAt,
		BytesIn:     t.BytesIn,
		BytesOut:    t.BytesOut,
		MsgsIn:      t.MsgsIn,
		MsgsOut:     t.MsgsOut,
		Deaths:      c.Deaths,
		Kills:       c.Kills,
	}
}
