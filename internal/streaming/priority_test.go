package streaming

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/world"
)

func TestTransmitPriority_YawPeriodic(t *testing.T) {
	w := DefaultWeights()
	chunks := []world.ChunkPos{{X: 64, Y: 0, Z: -32}, {X: -128, Y: 32, Z: 96}, {}}
	for _, yaw := range []float64{0, 0.7, -2.1, math.Pi} {
		for _, c := range chunks {
			a := TransmitPriority(c, Viewer{Pos: mgl64.Vec3{3, 5, 7}, Yaw: yaw, Pitch: 0.3}, w)
			b := TransmitPriority(c, Viewer{Pos: mgl64.Vec3{3, 5, 7}, Yaw: yaw + 2*math.Pi, Pitch: 0.3}, w)
			assert.InDelta(t, a, b, 1e-6, "yaw=%v chunk=%v", yaw, c)
		}
	}
}

func TestTransmitPriority_DecreasesWithDistance(t *testing.T) {
	w := DefaultWeights()
	// Looking down +Z, chunks straight ahead keep the same alignment.
	v := Viewer{Pos: mgl64.Vec3{16, 16, 16}}
	prev := math.Inf(1)
	for i := 1; i <= 10; i++ {
		s := TransmitPriority(world.ChunkPos{Z: i * world.ChunkSize}, v, w)
		require.Less(t, s, prev, "step %d", i)
		prev = s
	}
}

func TestTransmitPriority_IncreasesWithAlignment(t *testing.T) {
	w := DefaultWeights()
	c := world.ChunkPos{Z: 64}
	pos := mgl64.Vec3{16, 16, 16}
	// Distance is fixed; turning toward the chunk raises the score.
	prev := math.Inf(-1)
	for _, yaw := range []float64{math.Pi, 2.5, 1.5, 0.8, 0.2, 0} {
		s := TransmitPriority(c, Viewer{Pos: pos, Yaw: yaw}, w)
		require.Greater(t, s, prev, "yaw %v", yaw)
		prev = s
	}
}

func TestTransmitPriority_VerticalPenalty(t *testing.T) {
	w := Weights{VerticalPenalty: 1.25, ViewBonus: 0}
	v := Viewer{Pos: mgl64.Vec3{16, 16, 16}}
	side := TransmitPriority(world.ChunkPos{X: 64}, v, w)
	above := TransmitPriority(world.ChunkPos{Y: 64}, v, w)
	assert.Greater(t, side, above)
	assert.InDelta(t, -64.0*64.0, side, 1e-9)
	assert.InDelta(t, -64.0*64.0*1.25, above, 1e-9)
}

func TestTransmitPriority_ViewerAtCenter(t *testing.T) {
	w := DefaultWeights()
	s := TransmitPriority(world.ChunkPos{}, Viewer{Pos: mgl64.Vec3{16, 16, 16}}, w)
	// Degenerate direction defaults to +Z which the default view faces.
	assert.InDelta(t, w.ViewBonus, s, 1e-9)
	assert.False(t, math.IsNaN(s))
}

func TestForward(t *testing.T) {
	f := Forward(0, 0)
	assert.InDelta(t, 1.0, f.Z(), 1e-12)
	f = Forward(math.Pi/2, 0)
	assert.InDelta(t, 1.0, f.X(), 1e-12)
	f = Forward(0, math.Pi/2)
	assert.InDelta(t, -1.0, f.Y(), 1e-12)
	assert.InDelta(t, 1.0, Forward(1.3, -0.4).Len(), 1e-12)
}

func TestWanted(t *testing.T) {
	w := DefaultWeights()
	v := Viewer{Pos: mgl64.Vec3{40, 10, 40}}

	all := Wanted(v, 1, 0, w)
	require.Len(t, all, 27)
	assert.Equal(t, world.ChunkPos{X: 32, Y: 0, Z: 32}, all[0], "own chunk first")
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, TransmitPriority(all[i-1], v, w), TransmitPriority(all[i], v, w))
	}

	capped := Wanted(v, 2, 5, w)
	require.Len(t, capped, 5)
	assert.Equal(t, all[0], capped[0])
}
