package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server tuning read from server.yaml. Zero fields after
// Load fall back to Defaults.
type Config struct {
	TickRateHz        int `yaml:"tick_rate_hz"`
	FlushIntervalMs   int `yaml:"flush_interval_ms"`
	IdleCycles        int `yaml:"idle_cycles"`
	PlayerListEveryMs int `yaml:"player_list_every_ms"`

	Stream StreamConfig `yaml:"stream"`
	Mining MiningConfig `yaml:"mining"`
	RPC    RPCConfig    `yaml:"rpc"`
	Limits Limits       `yaml:"limits"`
	World  WorldConfig  `yaml:"world"`
}

type StreamConfig struct {
	Radii             []int   `yaml:"radii"`
	MaxUpdatesPerTick int     `yaml:"max_updates_per_tick"`
	VerticalPenalty   float64 `yaml:"vertical_penalty"`
	ViewBonus         float64 `yaml:"view_bonus"`
	ChunkEncoding     string  `yaml:"chunk_encoding"`
}

type MiningConfig struct {
	DecayRate       float64 `yaml:"decay_rate"`
	FxEveryTicks    int     `yaml:"fx_every_ticks"`
	SoundEveryTicks int     `yaml:"sound_every_ticks"`
}

type RPCConfig struct {
	CallTimeoutMs int `yaml:"call_timeout_ms"`
}

type Limits struct {
	FramesPerSecond float64 `yaml:"frames_per_second"`
	Burst           int     `yaml:"burst"`
	MaxFrameBytes   int64   `yaml:"max_frame_bytes"`
}

type WorldConfig struct {
	Seed     int64 `yaml:"seed"`
	SeaLevel int   `yaml:"sea_level"`
}

func Defaults() Config {
	return Config{
		TickRateHz:        100,
		FlushIntervalMs:   8,
		IdleCycles:        3,
		PlayerListEveryMs: 10_000,
		Stream: StreamConfig{
			Radii:             []int{1, 4, 8},
			MaxUpdatesPerTick: 4,
			VerticalPenalty:   1.25,
			ViewBonus:         4096,
			ChunkEncoding:     "rle",
		},
		Mining: MiningConfig{
			DecayRate:       1,
			FxEveryTicks:    8,
			SoundEveryTicks: 64,
		},
		RPC: RPCConfig{CallTimeoutMs: 30_000},
		Limits: Limits{
			FramesPerSecond: 240,
			Burst:           480,
			MaxFrameBytes:   1 << 20,
		},
		World: WorldConfig{Seed: 1337, SeaLevel: 0},
	}
}

// Load reads path on top of Defaults. A missing file yields the defaults
// and an error wrapping os.ErrNotExist.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Defaults(), fmt.Errorf("%s: %w", path, err)
	}
	c.fill()
	if err := c.Validate(); err != nil {
		return Defaults(), fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadOrDefault is Load that treats a missing file as "use defaults".
func LoadOrDefault(path string) (Config, error) {
	c, err := Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	return c, err
}

func (c *Config) fill() {
	d := Defaults()
	if c.TickRateHz == 0 {
		c.TickRateHz = d.TickRateHz
	}
	if c.FlushIntervalMs == 0 {
		c.FlushIntervalMs = d.FlushIntervalMs
	}
	if c.IdleCycles == 0 {
		c.IdleCycles = d.IdleCycles
	}
	if c.PlayerListEveryMs == 0 {
		c.PlayerListEveryMs = d.PlayerListEveryMs
	}
	if len(c.Stream.Radii) == 0 {
		c.Stream.Radii = d.Stream.Radii
	}
	if c.Stream.MaxUpdatesPerTick == 0 {
		c.Stream.MaxUpdatesPerTick = d.Stream.MaxUpdatesPerTick
	}
	if c.Stream.VerticalPenalty == 0 {
		c.Stream.VerticalPenalty = d.Stream.VerticalPenalty
	}
	if c.Stream.ViewBonus == 0 {
		c.Stream.ViewBonus = d.Stream.ViewBonus
	}
	if c.Stream.ChunkEncoding == "" {
		c.Stream.ChunkEncoding = d.Stream.ChunkEncoding
	}
	if c.Mining.FxEveryTicks == 0 {
		c.Mining.FxEveryTicks = d.Mining.FxEveryTicks
	}
	if c.Mining.SoundEveryTicks == 0 {
		c.Mining.SoundEveryTicks = d.Mining.SoundEveryTicks
	}
	if c.Limits.FramesPerSecond == 0 {
		c.Limits.FramesPerSecond = d.Limits.FramesPerSecond
	}
	if c.Limits.Burst == 0 {
		c.Limits.Burst = d.Limits.Burst
	}
	if c.Limits.MaxFrameBytes == 0 {
		c.Limits.MaxFrameBytes = d.Limits.MaxFrameBytes
	}
}

func (c Config) Validate() error {
	if c.TickRateHz <= 0 || c.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz out of range: %d", c.TickRateHz)
	}
	if c.FlushIntervalMs <= 0 {
		return fmt.Errorf("flush_interval_ms must be positive")
	}
	if c.IdleCycles < 0 {
		return fmt.Errorf("idle_cycles must not be negative")
	}
	for _, r := range c.Stream.Radii {
		if r < 0 || r > 32 {
			return fmt.Errorf("stream.radii: radius out of range: %d", r)
		}
	}
	if c.Stream.MaxUpdatesPerTick < 0 {
		return fmt.Errorf("stream.max_updates_per_tick must not be negative")
	}
	switch c.Stream.ChunkEncoding {
	case "raw", "rle", "zstd":
	default:
		return fmt.Errorf("stream.chunk_encoding: unknown encoding %q", c.Stream.ChunkEncoding)
	}
	if c.Mining.DecayRate < 0 {
		return fmt.Errorf("mining.decay_rate must not be negative")
	}
	if c.RPC.CallTimeoutMs < 0 {
		return fmt.Errorf("rpc.call_timeout_ms must not be negative")
	}
	if c.Limits.FramesPerSecond < 0 || c.Limits.Burst < 0 || c.Limits.MaxFrameBytes < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRateHz)
}

func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

func (c Config) PlayerListInterval() time.Duration {
	return time.Duration(c.PlayerListEveryMs) * time.Millisecond
}

func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.RPC.CallTimeoutMs) * time.Millisecond
}
