package catalogs

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

//go:embed defaults/*.json
var defaultsFS embed.FS

// Air is the reserved empty block id.
const Air uint8 = 0

type Catalogs struct {
	Blocks BlockCatalog
	Tools  ToolCatalog
}

type BlockCatalog struct {
	Defs   [256]*BlockDef
	ByName map[string]uint8
	Digest string
}

type BlockDef struct {
	ID        uint8  `json:"id"`
	Name      string `json:"name"`
	Health    int    `json:"health"`
	MiningCat string `json:"mining_cat,omitempty"`
	Drops     string `json:"drops,omitempty"`
}

type ToolCatalog struct {
	ByID   map[string]ToolDef
	Digest string
}

type ToolDef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MiningCat string `json:"mining_cat"`
	Damage    int    `json:"damage"`
	OffDamage int    `json:"off_damage"`
}

// MiningDamage is the damage one hit deals to a block of category cat.
func (t ToolDef) MiningDamage(cat string) int {
	if cat != "" && cat == t.MiningCat {
		return t.Damage
	}
	return t.OffDamage
}

// Health returns the block's health, or 1 for ids missing from the catalog
// so an unknown block still breaks.
func (c *BlockCatalog) Health(id uint8) int {
	if d := c.Defs[id]; d != nil && d.Health > 0 {
		return d.Health
	}
	return 1
}

func (c *BlockCatalog) Def(id uint8) (BlockDef, bool) {
	if d := c.Defs[id]; d != nil {
		return *d, true
	}
	return BlockDef{}, false
}

func (c *BlockCatalog) Count() int {
	n := 0
	for _, d := range c.Defs {
		if d != nil {
			n++
		}
	}
	return n
}

func (c *ToolCatalog) Tool(id string) (ToolDef, bool) {
	t, ok := c.ByID[id]
	return t, ok
}

// Load reads blocks.json and tools.json from configDir. Files that are
// missing fall back to the embedded defaults.
func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	raw, err := readCatalogFile(configDir, "blocks.json")
	if err != nil {
		return nil, err
	}
	if err := loadBlocks(raw, &c.Blocks); err != nil {
		return nil, err
	}

	raw, err = readCatalogFile(configDir, "tools.json")
	if err != nil {
		return nil, err
	}
	if err := loadTools(raw, &c.Tools); err != nil {
		return nil, err
	}
	return &c, nil
}

// Defaults returns the embedded catalogs.
func Defaults() *Catalogs {
	c, err := Load("")
	if err != nil {
		panic(err)
	}
	return c
}

func readCatalogFile(configDir, name string) ([]byte, error) {
	if configDir != "" {
		raw, err := os.ReadFile(filepath.Join(configDir, name))
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return defaultsFS.ReadFile("defaults/" + name)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadBlocks(raw []byte, out *BlockCatalog) error {
	out.Digest = sha256Hex(raw)

	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("blocks.json: %w", err)
	}
	out.ByName = map[string]uint8{}
	for i := range defs {
		d := defs[i]
		if d.Name == "" {
			return fmt.Errorf("blocks.json: block %d without name", d.ID)
		}
		if out.Defs[d.ID] != nil {
			return fmt.Errorf("blocks.json: duplicate id %d", d.ID)
		}
		out.Defs[d.ID] = &d
		out.ByName[d.Name] = d.ID
	}
	if out.Defs[Air] == nil {
		return fmt.Errorf("blocks.json: missing air (id 0)")
	}
	return nil
}

func loadTools(raw []byte, out *ToolCatalog) error {
	out.Digest = sha256Hex(raw)

	var defs []ToolDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("tools.json: %w", err)
	}
	out.ByID = map[string]ToolDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("tools.json: empty id")
		}
		out.ByID[d.ID] = d
	}
	return nil
}

// ToolIDs lists tool ids in sorted order.
func (c *ToolCatalog) ToolIDs() []string {
	ids := make([]string, 0, len(c.ByID))
	for id := range c.ByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
