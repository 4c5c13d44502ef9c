package world

import (
	"math"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/catalogs"
)

type WorldGen struct {
	Seed     int64
	SeaLevel int

	// Terrain shape.
	Scale     float64 // noise frequency per block
	Amplitude float64 // blocks above/below sea level

	// Block ids for terrain.
	Air   uint8
	Dirt  uint8
	Grass uint8
	Sand  uint8
	Stone uint8
	Coal  uint8
	Iron  uint8
}

// DefaultWorldGen resolves terrain block ids from the catalog by name.
func DefaultWorldGen(seed int64, seaLevel int, blocks *catalogs.BlockCatalog) WorldGen {
	g := WorldGen{
		Seed:      seed,
		SeaLevel:  seaLevel,
		Scale:     1.0 / 96.0,
		Amplitude: 24,
		Air:       catalogs.Air,
	}
	id := func(name string, fallback uint8) uint8 {
		if blocks != nil {
			if v, ok := blocks.ByName[name]; ok {
				return v
			}
		}
		return fallback
	}
	g.Dirt = id("Dirt", 1)
	g.Grass = id("Grass", 2)
	g.Stone = id("Stone", 3)
	g.Coal = id("Coal", 4)
	g.Iron = id("Iron ore (hematite)", 12)
	g.Sand = id("Sand", 16)
	return g
}

// Height is the terrain surface height of column x,z.
func (s *ChunkStore) Height(x, z int) int {
	n := s.noise.Noise2D(float64(x)*s.gen.Scale, float64(z)*s.gen.Scale)
	return s.gen.SeaLevel + int(math.Floor(n*s.gen.Amplitude))
}

func (s *ChunkStore) generateChunk(ch *Chunk) {
	for lz := 0; lz < ChunkSize; lz++ {
		for lx := 0; lx < ChunkSize; lx++ {
			wx := ch.Pos.X + lx
			wz := ch.Pos.Z + lz
			h := s.Height(wx, wz)
			if h < ch.Pos.Y {
				continue
			}
			for ly := 0; ly < ChunkSize; ly++ {
				wy := ch.Pos.Y + ly
				if wy > h {
					break
				}
				ch.set(lx, ly, lz, s.columnBlock(wx, wy, wz, h))
			}
		}
	}
}

func (s *ChunkStore) columnBlock(x, y, z, h int) uint8 {
	switch {
	case y == h:
		if h <= s.gen.SeaLevel+1 {
			return s.gen.Sand
		}
		return s.gen.Grass
	case y > h-4:
		if h <= s.gen.SeaLevel+1 {
			return s.gen.Sand
		}
		return s.gen.Dirt
	}

	// Ores get more frequent with depth.
	roll := hash3(s.gen.Seed, x, y, z) % 1000
	depth := h - y
	switch {
	case depth > 24 && roll < 8:
		return s.gen.Iron
	case roll < 15:
		return s.gen.Coal
	default:
		return s.gen.Stone
	}
}
