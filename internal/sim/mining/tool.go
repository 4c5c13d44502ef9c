package mining

import "github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/catalogs"

// CatalogTool is a Tool backed by a catalog entry. OnMine, if set, is
// called after every completed break.
type CatalogTool struct {
	Def    catalogs.ToolDef
	Blocks *catalogs.BlockCatalog
	OnMine func(actor int, block uint8)
}

func (t CatalogTool) MiningDamage(block uint8) int {
	var cat string
	if t.Blocks != nil {
		if d, ok := t.Blocks.Def(block); ok {
			cat = d.MiningCat
		}
	}
	return t.Def.MiningDamage(cat)
}

func (t CatalogTool) OnMineWith(actor int, block uint8) {
	if t.OnMine != nil {
		t.OnMine(actor, block)
	}
}

// ToolFor resolves a tool id against the catalog. Unknown or empty ids
// yield nil, which mines with the default damage.
func ToolFor(c *catalogs.Catalogs, id string, onMine func(actor int, block uint8)) Tool {
	if c == nil || id == "" {
		return nil
	}
	def, ok := c.Tools.Tool(id)
	if !ok {
		return nil
	}
	return CatalogTool{Def: def, Blocks: &c.Blocks, OnMine: onMine}
}
