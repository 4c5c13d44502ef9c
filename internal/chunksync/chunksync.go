package chunksync

import (
	"errors"
	"fmt"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/world"
)

var (
	// ErrClientAhead means the table claims the client knows a newer chunk
	// than the server has. Callers log it at error level.
	ErrClientAhead       = errors.New("chunksync: client version ahead of server")
	ErrVersionRegression = errors.New("chunksync: version regression")
)

type Result int

const (
	NotSent Result = iota
	Sent
)

func (r Result) String() string {
	if r == Sent {
		return "sent"
	}
	return "not sent"
}

// VersionTable records, per chunk, the last stamp sent to one connection.
// Owned by the game loop; not safe for concurrent use.
type VersionTable struct {
	m map[world.ChunkPos]uint32
}

func NewVersionTable() *VersionTable {
	return &VersionTable{m: map[world.ChunkPos]uint32{}}
}

// Get returns 0 for chunks never sent.
func (t *VersionTable) Get(pos world.ChunkPos) uint32 {
	return t.m[pos]
}

// Advance records v for pos. Moving backwards is refused.
func (t *VersionTable) Advance(pos world.ChunkPos, v uint32) error {
	if cur := t.m[pos]; v < cur {
		return fmt.Errorf("%w: %v %d -> %d", ErrVersionRegression, pos, cur, v)
	}
	t.m[pos] = v
	return nil
}

// Drop forgets pos so the next update is a full resend.
func (t *VersionTable) Drop(pos world.ChunkPos) {
	delete(t.m, pos)
}

func (t *VersionTable) Len() int { return len(t.m) }

// Encoder packs chunk blocks into a payload and names the encoding used.
type Encoder func(blocks []uint8) ([]byte, string, error)

func rawEncoder(blocks []uint8) ([]byte, string, error) {
	out := make([]byte, len(blocks))
	copy(out, blocks)
	return out, protocol.EncodingRaw, nil
}

// ClientUpdateChunk sends c if the connection's recorded version is older
// than the chunk's stamp. The version is recorded only after send succeeds.
func ClientUpdateChunk(t *VersionTable, c *world.Chunk, enc Encoder, send func(*protocol.ChunkUpdateMsg) error) (Result, error) {
	client := t.Get(c.Pos)
	server := c.LastUpdated
	switch {
	case client == server:
		return NotSent, nil
	case client > server:
		return NotSent, fmt.Errorf("%w: chunk %v client=%d server=%d", ErrClientAhead, c.Pos, client, server)
	}

	if enc == nil {
		enc = rawEncoder
	}
	payload, encoding, err := enc(c.Blocks)
	if err != nil {
		return NotSent, fmt.Errorf("encode chunk %v: %w", c.Pos, err)
	}
	msg := &protocol.ChunkUpdateMsg{
		T:           protocol.TypeChunkUpdate,
		X:           c.Pos.X,
		Y:           c.Pos.Y,
		Z:           c.Pos.Z,
		LastUpdated: server,
		Blocks:      payload,
		Encoding:    encoding,
	}
	if err := send(msg); err != nil {
		return NotSent, err
	}
	if err := t.Advance(c.Pos, server); err != nil {
		return Sent, err
	}
	return Sent, nil
}

// HandleChunkDrop resets the version of the dropped chunk to 0.
func HandleChunkDrop(t *VersionTable, msg *protocol.ChunkDropMsg) {
	t.Drop(world.ChunkPosOf(msg.X, msg.Y, msg.Z))
}
