package mining

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/catalogs"
)

type fakeWorld map[coord]uint8

func (w fakeWorld) Block(x, y, z int) uint8 { return w[coord{x, y, z}] }

func (w fakeWorld) SetBlock(x, y, z int, b uint8) bool {
	k := coord{x, y, z}
	if w[k] == b {
		return false
	}
	w[k] = b
	return true
}

type healthTable map[uint8]int

func (h healthTable) Health(id uint8) int { return h[id] }

type fixedTool struct {
	dmg   int
	mined []uint8
}

func (t *fixedTool) MiningDamage(uint8) int { return t.dmg }

func (t *fixedTool) OnMineWith(_ int, block uint8) { t.mined = append(t.mined, block) }

type recordingFx struct {
	breaks, mining, sounds, drops int
}

func (r *recordingFx) BlockBreak(int, int, int, uint8) { r.breaks++ }
func (r *recordingFx) BlockMining(int, int, int, uint8, float64) { r.mining++ }
func (r *recordingFx) PlaySound(string, int, int, int, float64) { r.sounds++ }
func (r *recordingFx) SpawnDrops(int, int, int, uint8, Tool) { r.drops++ }

func setup(health int) (fakeWorld, *recordingFx, *Manager) {
	w := fakeWorld{{1, 2, 3}: 5}
	fx := &recordingFx{}
	m := NewManager(w, healthTable{5: health, 6: health}, fx, DefaultConfig())
	return w, fx, m
}

func TestMine_AirIsNoOp(t *testing.T) {
	_, _, m := setup(10)
	assert.Equal(t, NoOp, m.Mine(1, 9, 9, 9, nil))
	assert.Equal(t, 0, m.Len())
}

func TestMine_AccumulatesUntilHealth(t *testing.T) {
	w, fx, m := setup(10)
	tool := &fixedTool{dmg: 3}

	for i := 0; i < 3; i++ {
		require.Equal(t, InProgress, m.Mine(1, 1, 2, 3, tool), "hit %d", i+1)
	}
	a, ok := m.Action(1, 2, 3)
	require.True(t, ok)
	assert.Equal(t, 9.0, a.Damage)
	assert.InDelta(t, 0.9, a.Progress, 1e-9)

	assert.Equal(t, Completed, m.Mine(1, 1, 2, 3, tool))
	assert.Equal(t, uint8(0), w.Block(1, 2, 3))
	assert.Equal(t, 1, fx.breaks)
	assert.Equal(t, 1, fx.drops)
	assert.Equal(t, []uint8{5}, tool.mined)

	// The finished action goes away on the next tick without another break.
	m.Tick()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, NoOp, m.Mine(1, 1, 2, 3, tool))
}

func TestMine_DefaultDamage(t *testing.T) {
	_, _, m := setup(2)
	assert.Equal(t, InProgress, m.Mine(1, 1, 2, 3, nil))
	assert.Equal(t, Completed, m.Mine(1, 1, 2, 3, &fixedTool{dmg: 0}), "zero damage falls back to 1")
}

func TestMine_SharedActionPerCoordinate(t *testing.T) {
	_, _, m := setup(10)
	assert.Equal(t, InProgress, m.Mine(1, 1, 2, 3, &fixedTool{dmg: 3}))
	assert.Equal(t, InProgress, m.Mine(2, 1, 2, 3, &fixedTool{dmg: 4}))
	require.Equal(t, 1, m.Len())

	a, _ := m.Action(1, 2, 3)
	assert.Equal(t, 7.0, a.Damage)
	assert.Equal(t, Completed, m.Mine(1, 1, 2, 3, &fixedTool{dmg: 3}))
}

func TestMine_BlockChangedResetsDamage(t *testing.T) {
	w, _, m := setup(10)
	tool := &fixedTool{dmg: 3}
	m.Mine(1, 1, 2, 3, tool)
	m.Mine(1, 1, 2, 3, tool)

	w[coord{1, 2, 3}] = 6
	assert.Equal(t, InProgress, m.Mine(1, 1, 2, 3, tool))
	a, _ := m.Action(1, 2, 3)
	assert.Equal(t, uint8(6), a.Block)
	assert.Equal(t, 3.0, a.Damage)
}

func TestTick_DecayRemovesWithoutBreaking(t *testing.T) {
	w, fx, m := setup(100)
	m.Mine(1, 1, 2, 3, &fixedTool{dmg: 5})

	// Decay per tick is rate*ticksSinceHit: 0, 1, 2, 3 ... so damage 5
	// survives three ticks (5, 4, 2) and drops below zero on the fourth.
	m.Tick()
	a, _ := m.Action(1, 2, 3)
	assert.Equal(t, 5.0, a.Damage)
	m.Tick()
	a, _ = m.Action(1, 2, 3)
	assert.Equal(t, 4.0, a.Damage)
	m.Tick()
	a, _ = m.Action(1, 2, 3)
	assert.Equal(t, 2.0, a.Damage)
	assert.InDelta(t, 0.02, a.Progress, 1e-9)
	m.Tick()

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, uint8(5), w.Block(1, 2, 3), "decayed action must not remove the block")
	assert.Equal(t, 0, fx.breaks)
}

func TestTick_HitResetsDecay(t *testing.T) {
	_, _, m := setup(100)
	tool := &fixedTool{dmg: 5}
	m.Mine(1, 1, 2, 3, tool)
	m.Tick()
	m.Tick()
	m.Mine(1, 1, 2, 3, tool)

	a, _ := m.Action(1, 2, 3)
	assert.Equal(t, 0, a.Decay)
	assert.Equal(t, 9.0, a.Damage)
}

func TestTick_SwapPopKeepsIndex(t *testing.T) {
	w := fakeWorld{{0, 0, 0}: 5, {1, 0, 0}: 5, {2, 0, 0}: 5}
	m := NewManager(w, healthTable{5: 100}, nil, DefaultConfig())

	m.Mine(1, 0, 0, 0, &fixedTool{dmg: 1})
	m.Mine(1, 1, 0, 0, &fixedTool{dmg: 50})
	m.Mine(1, 2, 0, 0, &fixedTool{dmg: 50})

	// The first action decays out on the third tick and the last one is
	// swapped into its slot.
	m.Tick()
	m.Tick()
	m.Tick()
	require.Equal(t, 2, m.Len())
	_, ok := m.Action(0, 0, 0)
	assert.False(t, ok)

	for _, a := range m.Actions() {
		got, ok := m.Action(a.X, a.Y, a.Z)
		require.True(t, ok)
		assert.Equal(t, a, got)
	}
	assert.Equal(t, InProgress, m.Mine(1, 2, 0, 0, &fixedTool{dmg: 1}))
	a, _ := m.Action(2, 0, 0)
	assert.Equal(t, 0, a.Decay)
}

func TestTick_PeriodicEffects(t *testing.T) {
	_, fx, m := setup(1_000_000)
	m.Mine(1, 1, 2, 3, &fixedTool{dmg: 100_000})
	sounds := fx.sounds

	for i := 0; i < 64; i++ {
		m.Tick()
	}
	require.Equal(t, 1, m.Len())
	assert.Equal(t, 8, fx.mining)
	assert.Equal(t, sounds+1, fx.sounds)
}

func TestCatalogTool(t *testing.T) {
	c := catalogs.Defaults()
	stone := c.Blocks.ByName["Stone"]
	dirt := c.Blocks.ByName["Dirt"]

	var broke []uint8
	tool := ToolFor(c, "stonePickaxe", func(_ int, b uint8) { broke = append(broke, b) })
	require.NotNil(t, tool)
	assert.Equal(t, 3, tool.MiningDamage(stone))
	assert.Equal(t, 1, tool.MiningDamage(dirt))
	tool.OnMineWith(1, stone)
	assert.Equal(t, []uint8{stone}, broke)

	assert.Nil(t, ToolFor(c, "laserDrill", nil))
	assert.Nil(t, ToolFor(c, "", nil))
}
