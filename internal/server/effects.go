package server

import (
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/mining"
)

// gameEffects turns mining side effects into journal entries and sound
// relays. Particles and drops are client-side only.
type gameEffects struct{ g *Game }

func (e gameEffects) BlockBreak(x, y, z int, block uint8) {
	e.g.record(JournalEntry{Kind: JournalBlockMine, X: x, Y: y, Z: z, Block: block})
}

func (gameEffects) BlockMining(int, int, int, uint8, float64) {}

func (e gameEffects) PlaySound(name string, x, y, z int, volume float64) {
	e.g.callAll(protocol.MethodPlaySound, protocol.PlaySoundArgs{
		Name:   name,
		X:      float64(x) + 0.5,
		Y:      float64(y) + 0.5,
		Z:      float64(z) + 0.5,
		Volume: volume,
	})
}

func (gameEffects) SpawnDrops(int, int, int, uint8, mining.Tool) {}
