package main

import (
	"context"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/client"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/catalogs"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/world"
)

// chunkCache keeps what the server streamed so far.
type chunkCache struct {
	mu     sync.Mutex
	log    *log.Logger
	chunks map[world.ChunkPos][]uint8
}

func (c *chunkCache) ChunkUpdate(pos world.ChunkPos, blocks []uint8, version uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, had := c.chunks[pos]
	c.chunks[pos] = blocks
	if !had {
		c.log.Printf("chunk %d,%d,%d v%d (%d cached)", pos.X, pos.Y, pos.Z, version, len(c.chunks))
	}
}

// evict forgets chunks further than maxDist chunks from center and
// returns their positions.
func (c *chunkCache) evict(center world.ChunkPos, maxDist int) []world.ChunkPos {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []world.ChunkPos
	for pos := range c.chunks {
		dx := abs(pos.X-center.X) / world.ChunkSize
		dy := abs(pos.Y-center.Y) / world.ChunkSize
		dz := abs(pos.Z-center.Z) / world.ChunkSize
		if dx > maxDist || dy > maxDist || dz > maxDist {
			delete(c.chunks, pos)
			out = append(out, pos)
		}
	}
	return out
}

// column returns the highest solid block of column x,z among the cached
// chunks and its id.
func (c *chunkCache) column(x, z int) (y int, block uint8, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cx := world.ChunkPosOf(x, 0, z)
	lx, lz := x-cx.X, z-cx.Z
	for pos, blocks := range c.chunks {
		if pos.X != cx.X || pos.Z != cx.Z || len(blocks) != world.ChunkVolume {
			continue
		}
		for ly := world.ChunkSize - 1; ly >= 0; ly-- {
			b := blocks[lx|ly<<world.ChunkBits|lz<<(2*world.ChunkBits)]
			if b == 0 {
				continue
			}
			if !ok || pos.Y+ly > y {
				y, block, ok = pos.Y+ly, b, true
			}
			break
		}
	}
	return y, block, ok
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func main() {
	var (
		url      = flag.String("url", "ws://localhost:3030/api/ws", "ws url")
		name     = flag.String("name", "bot", "player name")
		speed    = flag.Float64("speed", 4, "walk speed in blocks per second")
		keep     = flag.Int("keep", 6, "drop chunks further away than this many chunks")
		mineEach = flag.Duration("mine_every", 5*time.Second, "pause between digging one block and the next")
		cfgDir   = flag.String("configs", "", "catalog directory (default: built-in catalogs)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	cats, err := catalogs.Load(*cfgDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}
	cache := &chunkCache{log: logger, chunks: map[world.ChunkPos][]uint8{}}

	var n *client.Network
	n = client.New(client.Options{
		URL:    *url,
		Logger: logger,
		Sink:   cache,
		Handlers: client.Handlers{
			OnHello: func(id int) {
				logger.Printf("hello player_id=%d", id)
				// A reconnect is a new player on the server side.
				n.Queue().Call(protocol.MethodSetPlayerName, *name)
			},
			OnChat: func(m *protocol.ChatMsg) { logger.Printf("chat %d: %s", m.PlayerID, m.Msg) },
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go walk(ctx, n, cache, cats, logger, *speed, *keep, *mineEach)

	if err := n.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatalf("network: %v", err)
	}
}

func walk(ctx context.Context, n *client.Network, cache *chunkCache, cats *catalogs.Catalogs, logger *log.Logger, speed float64, keep int, mineEach time.Duration) {
	const step = 100 * time.Millisecond
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	// Start high; the surface is known once the column has streamed in.
	x, y, z := 0.0, 40.0, 0.0
	yaw := rand.Float64() * 2 * math.Pi
	var digging atomic.Bool
	var lastMine atomic.Int64
	lastMine.Store(time.Now().UnixNano())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n.PlayerID() == 0 {
			continue
		}
		bx, bz := int(math.Floor(x)), int(math.Floor(z))
		top, block, known := cache.column(bx, bz)
		if known {
			y = float64(top + 1)
		}

		if !digging.Load() {
			if rand.Intn(20) == 0 {
				yaw += (rand.Float64() - 0.5) * math.Pi / 2
			}
			d := speed * step.Seconds()
			x += math.Cos(yaw) * d
			z += math.Sin(yaw) * d
		}

		_ = n.SendPlayerUpdate(protocol.PlayerUpdateMsg{
			X: x, Y: y, Z: z, Yaw: yaw, Health: 12, MaxHealth: 12,
		})

		center := world.ChunkPosOf(bx, int(math.Floor(y)), bz)
		for _, pos := range cache.evict(center, keep) {
			_ = n.SendChunkDrop(pos)
		}

		if known && !digging.Load() && time.Since(time.Unix(0, lastMine.Load())) >= mineEach {
			digging.Store(true)
			tool := bestTool(cats, block)
			go func() {
				defer func() {
					lastMine.Store(time.Now().UnixNano())
					digging.Store(false)
				}()
				dig(ctx, n, logger, bx, top, bz, tool)
			}()
		}
	}
}

// bestTool picks the tool dealing the most damage to block.
func bestTool(cats *catalogs.Catalogs, block uint8) string {
	var cat string
	if def, ok := cats.Blocks.Def(block); ok {
		cat = def.MiningCat
	}
	best, bestDmg := "", 1
	for id, t := range cats.Tools.ByID {
		if d := t.MiningDamage(cat); d > bestDmg || (d == bestDmg && best != "" && id < best) {
			best, bestDmg = id, d
		}
	}
	return best
}

// dig hits x,y,z every server tick until the block breaks. Progress decays
// faster the longer a block goes untouched, so hits are pipelined rather
// than waiting for each reply.
func dig(ctx context.Context, n *client.Network, logger *log.Logger, x, y, z int, tool string) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var (
		wg    sync.WaitGroup
		broke atomic.Bool
	)
	finished := make(chan struct{}, 1)
	args := protocol.MineBlockArgs{X: x, Y: y, Z: z, Tool: tool}
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logger.Printf("dig %d,%d,%d: %v", x, y, z, ctx.Err())
			return
		case <-finished:
			// Hits still in flight may hold the completing one.
			wg.Wait()
			if broke.Load() {
				logger.Printf("mined %d,%d,%d with %q", x, y, z, tool)
			}
			return
		case <-ticker.C:
			p := n.Queue().Call(protocol.MethodMineBlock, args)
			wg.Add(1)
			go func() {
				defer wg.Done()
				var res protocol.MineBlockResult
				if err := p.Decode(ctx, &res); err != nil || res.Outcome == protocol.MineInProgress {
					return
				}
				if res.Outcome == protocol.MineCompleted {
					broke.Store(true)
				}
				select {
				case finished <- struct{}{}:
				default:
				}
			}()
		}
	}
}
