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
	"time"
)

//go:embed defaults/*.json
var defaultFS embed.FS

type Catalogs struct {
	Seeds   SeedCatalog
	Elixirs ElixirCatalog
}

type SeedCatalog struct {
	IDs    []string
	ByID   map[string]SeedDef
	Digest string
}

type SeedDef struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Emoji       string  `json:"emoji"`
	GrowMs      int64   `json:"grow_ms"`
	Clicks      int     `json:"clicks"`
	BuyPrice    int     `json:"buy_price"`
	SellPrice   int     `json:"sell_price"`
	Description string  `json:"description,omitempty"`
	DropChance  float64 `json:"drop_chance"`
}

func (d SeedDef) GrowTime() time.Duration { return time.Duration(d.GrowMs) * time.Millisecond }

// ElixirCatalog is keyed by the seed id the elixir is brewed from.
type ElixirCatalog struct {
	IDs    []string
	ByID   map[string]ElixirDef
	Digest string
}

type ElixirDef struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Emoji            string `json:"emoji"`
	SellPrice        int    `json:"sell_price"`
	BrewMs           int64  `json:"brew_ms"`
	OutputMultiplier int    `json:"output_multiplier"`
	Description      string `json:"description,omitempty"`
}

// BrewTime is the total brewing time for qty units.
func (d ElixirDef) BrewTime(qty int) time.Duration {
	return time.Duration(d.BrewMs*int64(qty)) * time.Millisecond
}

// Load reads seeds.json and elixirs.json from configDir. Files that do not
// exist fall back to the built-in catalogs.
func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	seedsRaw, err := readOrDefault(configDir, "seeds.json")
	if err != nil {
		return nil, err
	}
	elixirsRaw, err := readOrDefault(configDir, "elixirs.json")
	if err != nil {
		return nil, err
	}
	if err := parseSeeds(seedsRaw, &c.Seeds); err != nil {
		return nil, err
	}
	if err := parseElixirs(elixirsRaw, &c.Elixirs); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Defaults returns the built-in catalogs.
func Defaults() *Catalogs {
	c, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("catalogs: embedded defaults: %v", err))
	}
	return c
}

func readOrDefault(configDir, name string) ([]byte, error) {
	if configDir != "" {
		raw, err := os.ReadFile(filepath.Join(configDir, name))
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return defaultFS.ReadFile("defaults/" + name)
}

func parseSeeds(raw []byte, out *SeedCatalog) error {
	out.Digest = sha256Hex(raw)

	var defs []SeedDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("seeds.json: %w", err)
	}
	out.ByID = map[string]SeedDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("seeds.json: empty id")
		}
		if _, dup := out.ByID[d.ID]; dup {
			return fmt.Errorf("seeds.json: duplicate id %q", d.ID)
		}
		out.ByID[d.ID] = d
	}
	out.IDs = sortedKeys(out.ByID)
	return nil
}

func parseElixirs(raw []byte, out *ElixirCatalog) error {
	out.Digest = sha256Hex(raw)

	var defs []ElixirDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("elixirs.json: %w", err)
	}
	out.ByID = map[string]ElixirDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("elixirs.json: empty id")
		}
		if _, dup := out.ByID[d.ID]; dup {
			return fmt.Errorf("elixirs.json: duplicate id %q", d.ID)
		}
		out.ByID[d.ID] = d
	}
	out.IDs = sortedKeys(out.ByID)
	return nil
}

func (c *Catalogs) Validate() error {
	for _, id := range c.Seeds.IDs {
		d := c.Seeds.ByID[id]
		if d.GrowMs <= 0 {
			return fmt.Errorf("seed %s: grow_ms must be positive", id)
		}
		if d.Clicks <= 0 {
			return fmt.Errorf("seed %s: clicks must be positive", id)
		}
		if d.BuyPrice < 0 || d.SellPrice < 0 {
			return fmt.Errorf("seed %s: negative price", id)
		}
		if d.DropChance < 0 || d.DropChance > 1 {
			return fmt.Errorf("seed %s: drop_chance out of range", id)
		}
	}
	for _, id := range c.Elixirs.IDs {
		d := c.Elixirs.ByID[id]
		if _, ok := c.Seeds.ByID[id]; !ok {
			return fmt.Errorf("elixir %s: no seed with that id", id)
		}
		if d.BrewMs < 0 {
			return fmt.Errorf("elixir %s: negative brew_ms", id)
		}
		if d.OutputMultiplier < 1 {
			return fmt.Errorf("elixir %s: output_multiplier must be >= 1", id)
		}
		if d.SellPrice < 0 {
			return fmt.Errorf("elixir %s: negative price", id)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
