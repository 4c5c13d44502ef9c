package mining

import "github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/catalogs"

type Outcome int

const (
	NoOp Outcome = iota
	InProgress
	Completed
)

func (o Outcome) String() string {
	switch o {
	case InProgress:
		return "inProgress"
	case Completed:
		return "completed"
	default:
		return "noop"
	}
}

// World is the block surface mining reads and clears.
type World interface {
	Block(x, y, z int) uint8
	SetBlock(x, y, z int, b uint8) bool
}

type BlockTypes interface {
	Health(id uint8) int
}

// Tool is whatever the actor holds. A nil Tool mines with damage 1.
type Tool interface {
	MiningDamage(block uint8) int
	OnMineWith(actor int, block uint8)
}

// Effects receives cosmetic side effects. None of them feed back into
// mining state.
type Effects interface {
	BlockBreak(x, y, z int, block uint8)
	BlockMining(x, y, z int, block uint8, progress float64)
	PlaySound(name string, x, y, z int, volume float64)
	SpawnDrops(x, y, z int, block uint8, tool Tool)
}

type NopEffects struct{}

func (NopEffects) BlockBreak(int, int, int, uint8) {}
func (NopEffects) BlockMining(int, int, int, uint8, float64) {}
func (NopEffects) PlaySound(string, int, int, int, float64) {}
func (NopEffects) SpawnDrops(int, int, int, uint8, Tool) {}

type Config struct {
	DecayRate       float64
	FxEveryTicks    int
	SoundEveryTicks int
}

func DefaultConfig() Config {
	return Config{DecayRate: 1, FxEveryTicks: 8, SoundEveryTicks: 64}
}

// Action is one block being broken. Damage below zero marks an action that
// is finished and waits for removal on the next Tick.
type Action struct {
	X, Y, Z  int
	Block    uint8
	Damage   float64
	Progress float64
	Decay    int
}

type coord struct{ x, y, z int }

// Manager tracks every in-progress block break. It is not safe for
// concurrent use; the game loop owns it.
type Manager struct {
	world  World
	blocks BlockTypes
	fx     Effects
	cfg    Config

	actions []Action
	index   map[coord]int
	ticks   uint64
}

func NewManager(w World, blocks BlockTypes, fx Effects, cfg Config) *Manager {
	if fx == nil {
		fx = NopEffects{}
	}
	def := DefaultConfig()
	if cfg.DecayRate < 0 {
		cfg.DecayRate = def.DecayRate
	}
	if cfg.FxEveryTicks <= 0 {
		cfg.FxEveryTicks = def.FxEveryTicks
	}
	if cfg.SoundEveryTicks <= 0 {
		cfg.SoundEveryTicks = def.SoundEveryTicks
	}
	return &Manager{
		world:  w,
		blocks: blocks,
		fx:     fx,
		cfg:    cfg,
		index:  map[coord]int{},
	}
}

// Mine applies one hit from actor at x,y,z. Hits from different actors on
// the same coordinate share a single action.
func (m *Manager) Mine(actor int, x, y, z int, tool Tool) Outcome {
	block := m.world.Block(x, y, z)
	if block == catalogs.Air {
		return NoOp
	}
	dmg := 1
	if tool != nil {
		if d := tool.MiningDamage(block); d > 0 {
			dmg = d
		}
	}

	k := coord{x, y, z}
	i, ok := m.index[k]
	if !ok {
		m.actions = append(m.actions, Action{X: x, Y: y, Z: z, Block: block})
		i = len(m.actions) - 1
		m.index[k] = i
	}
	a := &m.actions[i]
	if a.Block != block || a.Damage < 0 {
		a.Damage = 0
		a.Block = block
	}
	a.Decay = 0
	a.Damage += float64(dmg)

	health := float64(m.health(block))
	if a.Damage >= health {
		a.Damage = -1
		a.Progress = 1
		m.world.SetBlock(x, y, z, catalogs.Air)
		m.fx.BlockBreak(x, y, z, block)
		m.fx.PlaySound("tock", x, y, z, 1)
		m.fx.SpawnDrops(x, y, z, block, tool)
		if tool != nil {
			tool.OnMineWith(actor, block)
		}
		return Completed
	}
	a.Progress = clamp01(a.Damage / health)
	return InProgress
}

// Tick decays every action, drops the ones that fell below zero and fires
// the periodic cosmetic effects.
func (m *Manager) Tick() {
	for i := len(m.actions) - 1; i >= 0; i-- {
		a := &m.actions[i]
		a.Damage -= m.cfg.DecayRate * float64(a.Decay)
		a.Progress = clamp01(a.Damage / float64(m.health(a.Block)))
		a.Decay++
		if a.Damage < 0 {
			m.removeAt(i)
		}
	}

	m.ticks++
	if m.ticks%uint64(m.cfg.FxEveryTicks) == 0 {
		for _, a := range m.actions {
			m.fx.BlockMining(a.X, a.Y, a.Z, a.Block, a.Progress)
		}
	}
	if m.ticks%uint64(m.cfg.SoundEveryTicks) == 0 {
		for _, a := range m.actions {
			m.fx.PlaySound("tock", a.X, a.Y, a.Z, 0.5)
		}
	}
}

// removeAt swaps the last action into slot i.
func (m *Manager) removeAt(i int) {
	last := len(m.actions) - 1
	delete(m.index, coord{m.actions[i].X, m.actions[i].Y, m.actions[i].Z})
	if i != last {
		m.actions[i] = m.actions[last]
		m.index[coord{m.actions[i].X, m.actions[i].Y, m.actions[i].Z}] = i
	}
	m.actions = m.actions[:last]
}

// Actions returns a copy of the active set.
func (m *Manager) Actions() []Action {
	out := make([]Action, len(m.actions))
	copy(out, m.actions)
	return out
}

func (m *Manager) Len() int { return len(m.actions) }

// Action returns the action at x,y,z, if any.
func (m *Manager) Action(x, y, z int) (Action, bool) {
	i, ok := m.index[coord{x, y, z}]
	if !ok {
		return Action{}, false
	}
	return m.actions[i], true
}

func (m *Manager) health(block uint8) int {
	if m.blocks == nil {
		return 1
	}
	if h := m.blocks.Health(block); h > 0 {
		return h
	}
	return 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
