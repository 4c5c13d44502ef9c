package world

// ChunkSize is the edge length of a cubic chunk in blocks.
const (
	ChunkBits   = 5
	ChunkSize   = 1 << ChunkBits
	ChunkVolume = ChunkSize * ChunkSize * ChunkSize

	chunkMask = ChunkSize - 1
)

// ChunkPos is the world-space origin of a chunk; every component is a
// multiple of ChunkSize.
type ChunkPos struct {
	X, Y, Z int
}

// ChunkPosOf returns the origin of the chunk containing block x,y,z.
func ChunkPosOf(x, y, z int) ChunkPos {
	return ChunkPos{
		X: floorDiv(x, ChunkSize) * ChunkSize,
		Y: floorDiv(y, ChunkSize) * ChunkSize,
		Z: floorDiv(z, ChunkSize) * ChunkSize,
	}
}

// Aligned reports whether p is a valid chunk origin.
func (p ChunkPos) Aligned() bool {
	return p.X&chunkMask == 0 && p.Y&chunkMask == 0 && p.Z&chunkMask == 0
}

func (p ChunkPos) Add(dx, dy, dz int) ChunkPos {
	return ChunkPos{X: p.X + dx*ChunkSize, Y: p.Y + dy*ChunkSize, Z: p.Z + dz*ChunkSize}
}

type Chunk struct {
	Pos    ChunkPos
	Blocks []uint8 // len = ChunkVolume, x fastest, then y, then z

	// LastUpdated is the stamp of the last mutation. Never 0 once the
	// chunk is part of a store.
	LastUpdated uint32

	emptyAt uint32
	empty   bool
}

func newChunk(pos ChunkPos) *Chunk {
	return &Chunk{Pos: pos, Blocks: make([]uint8, ChunkVolume)}
}

func index(lx, ly, lz int) int {
	return (lx & chunkMask) | (ly&chunkMask)<<ChunkBits | (lz&chunkMask)<<(2*ChunkBits)
}

// Get takes chunk-local coordinates.
func (c *Chunk) Get(lx, ly, lz int) uint8 {
	return c.Blocks[index(lx, ly, lz)]
}

func (c *Chunk) set(lx, ly, lz int, b uint8) bool {
	i := index(lx, ly, lz)
	if c.Blocks[i] == b {
		return false
	}
	c.Blocks[i] = b
	return true
}

// IsEmpty reports whether every block is air. The answer is cached per stamp.
func (c *Chunk) IsEmpty() bool {
	if c.emptyAt == c.LastUpdated && c.emptyAt != 0 {
		return c.empty
	}
	c.empty = true
	for _, b := range c.Blocks {
		if b != 0 {
			c.empty = false
			break
		}
	}
	c.emptyAt = c.LastUpdated
	return c.empty
}
