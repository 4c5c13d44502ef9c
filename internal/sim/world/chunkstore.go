package world

import (
	"sort"

	"github.com/aquilax/go-perlin"
)

// ChunkStore holds every generated chunk. Accessed only from the game loop
// goroutine.
type ChunkStore struct {
	gen   WorldGen
	noise *perlin.Perlin

	chunks map[ChunkPos]*Chunk
	stamp  uint32
}

func NewChunkStore(gen WorldGen) *ChunkStore {
	return &ChunkStore{
		gen:    gen,
		noise:  perlin.NewPerlin(2, 2, 3, gen.Seed),
		chunks: map[ChunkPos]*Chunk{},
	}
}

// nextStamp hands out mutation stamps. They start at 1 so a zero version
// always means "never sent".
func (s *ChunkStore) nextStamp() uint32 {
	s.stamp++
	return s.stamp
}

// Stamp is the most recent stamp handed out.
func (s *ChunkStore) Stamp() uint32 { return s.stamp }

// Block returns the block at world coordinates, generating its chunk if
// needed.
func (s *ChunkStore) Block(x, y, z int) uint8 {
	ch := s.GetOrGenChunk(ChunkPosOf(x, y, z))
	return ch.Get(mod(x, ChunkSize), mod(y, ChunkSize), mod(z, ChunkSize))
}

// SetBlock writes b and bumps the chunk's stamp. It reports whether the
// block actually changed.
func (s *ChunkStore) SetBlock(x, y, z int, b uint8) bool {
	ch := s.GetOrGenChunk(ChunkPosOf(x, y, z))
	if !ch.set(mod(x, ChunkSize), mod(y, ChunkSize), mod(z, ChunkSize), b) {
		return false
	}
	ch.LastUpdated = s.nextStamp()
	return true
}

// Chunk returns a chunk only if it was generated already.
func (s *ChunkStore) Chunk(pos ChunkPos) (*Chunk, bool) {
	ch, ok := s.chunks[pos]
	return ch, ok
}

func (s *ChunkStore) GetOrGenChunk(pos ChunkPos) *Chunk {
	if ch, ok := s.chunks[pos]; ok {
		return ch
	}
	ch := newChunk(pos)
	s.generateChunk(ch)
	ch.LastUpdated = s.nextStamp()
	s.chunks[pos] = ch
	return ch
}

func (s *ChunkStore) Loaded() int { return len(s.chunks) }

func (s *ChunkStore) LoadedChunkPositions() []ChunkPos {
	keys := make([]ChunkPos, 0, len(s.chunks))
	for k := range s.chunks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].X != keys[j].X {
			return keys[i].X < keys[j].X
		}
		if keys[i].Y != keys[j].Y {
			return keys[i].Y < keys[j].Y
		}
		return keys[i].Z < keys[j].Z
	})
	return keys
}
