package streaming

import (
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/world"
)

// Viewer is where a client stands and looks. Yaw and pitch are radians.
type Viewer struct {
	Pos        mgl64.Vec3
	Yaw, Pitch float64
}

type Weights struct {
	// VerticalPenalty scales the Y component of the squared distance.
	VerticalPenalty float64
	// ViewBonus is added for chunks straight ahead and subtracted for
	// chunks straight behind.
	ViewBonus float64
}

func DefaultWeights() Weights {
	return Weights{VerticalPenalty: 1.25, ViewBonus: 4096}
}

// Forward returns the unit view direction for yaw/pitch.
func Forward(yaw, pitch float64) mgl64.Vec3 {
	cp := math.Cos(pitch)
	return mgl64.Vec3{math.Sin(yaw) * cp, -math.Sin(pitch), math.Cos(yaw) * cp}
}

func chunkCenter(c world.ChunkPos) mgl64.Vec3 {
	const half = world.ChunkSize / 2
	return mgl64.Vec3{float64(c.X + half), float64(c.Y + half), float64(c.Z + half)}
}

// TransmitPriority scores chunk for viewer. Higher means send sooner.
func TransmitPriority(chunk world.ChunkPos, v Viewer, w Weights) float64 {
	d := chunkCenter(chunk).Sub(v.Pos)
	weighted := d.X()*d.X() + d.Z()*d.Z() + d.Y()*d.Y()*w.VerticalPenalty

	dir := mgl64.Vec3{0, 0, 1}
	if l := d.Len(); l > 1e-6 {
		dir = d.Mul(1 / l)
	}
	viewDot := dir.Dot(Forward(v.Yaw, v.Pitch))
	return -weighted + viewDot*w.ViewBonus
}

// Wanted lists the chunks within radius chunks of the viewer, best first,
// capped at limit when limit > 0.
func Wanted(v Viewer, radius, limit int, w Weights) []world.ChunkPos {
	if radius < 0 {
		radius = 0
	}
	center := world.ChunkPosOf(int(math.Floor(v.Pos.X())), int(math.Floor(v.Pos.Y())), int(math.Floor(v.Pos.Z())))

	type item struct {
		pos   world.ChunkPos
		score float64
	}
	side := 2*radius + 1
	items := make([]item, 0, side*side*side)
	for dz := -radius; dz <= radius; dz++ {
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				p := center.Add(dx, dy, dz)
				items = append(items, item{pos: p, score: TransmitPriority(p, v, w)})
			}
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		a, b := items[i].pos, items[j].pos
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]world.ChunkPos, 0, len(items))
	for _, it := range items {
		out = append(out, it.pos)
	}
	return out
}
