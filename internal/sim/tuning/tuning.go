package tuning

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickIntervalMs     int `yaml:"tick_interval_ms"`
	AutosaveEveryTicks int `yaml:"autosave_every_ticks"`

	StartingSouls   int `yaml:"starting_souls"`
	StartingEssence int `yaml:"starting_essence"`

	InitialPlots  int `yaml:"initial_plots"`
	MaxPlots      int `yaml:"max_plots"`
	PlotPrice     int `yaml:"plot_price"`
	CauldronPrice int `yaml:"cauldron_price"`
	ExchangeRate  int `yaml:"exchange_rate"`
	MaxBrewBatch  int `yaml:"max_brew_batch"`
	ClickBoostMs  int `yaml:"click_boost_ms"`

	SnapshotKeep int `yaml:"snapshot_keep"`

	SeedDrop SeedDrop `yaml:"seed_drop"`
}

// SeedDrop splits the second roll of a successful seed drop: below OneBelow
// yields one seed, below TwoBelow two, otherwise none.
type SeedDrop struct {
	OneBelow float64 `yaml:"one_below"`
	TwoBelow float64 `yaml:"two_below"`
}

func Defaults() Tuning {
	return Tuning{
		TickIntervalMs:     100,
		AutosaveEveryTicks: 50,
		StartingSouls:      0,
		StartingEssence:    100,
		InitialPlots:       3,
		MaxPlots:           31,
		PlotPrice:          25,
		CauldronPrice:      500,
		ExchangeRate:       5,
		MaxBrewBatch:       10,
		ClickBoostMs:       3000,
		SnapshotKeep:       5,
		SeedDrop:           SeedDrop{OneBelow: 0.4, TwoBelow: 0.7},
	}
}

// Load reads a tuning.yaml on top of Defaults. A missing file yields the
// defaults unchanged.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t, nil
		}
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.TickIntervalMs <= 0:
		return fmt.Errorf("tick_interval_ms must be positive")
	case t.AutosaveEveryTicks < 0:
		return fmt.Errorf("autosave_every_ticks must be >= 0")
	case t.StartingSouls < 0 || t.StartingEssence < 0:
		return fmt.Errorf("starting balances must be >= 0")
	case t.InitialPlots < 0 || t.MaxPlots < t.InitialPlots:
		return fmt.Errorf("need 0 <= initial_plots <= max_plots")
	case t.PlotPrice < 0 || t.CauldronPrice < 0:
		return fmt.Errorf("prices must be >= 0")
	case t.ExchangeRate <= 0:
		return fmt.Errorf("exchange_rate must be positive")
	case t.MaxBrewBatch <= 0:
		return fmt.Errorf("max_brew_batch must be positive")
	case t.ClickBoostMs < 0:
		return fmt.Errorf("click_boost_ms must be >= 0")
	case t.SnapshotKeep < 1:
		return fmt.Errorf("snapshot_keep must be >= 1")
	case t.SeedDrop.OneBelow < 0 || t.SeedDrop.TwoBelow < t.SeedDrop.OneBelow || t.SeedDrop.TwoBelow > 1:
		return fmt.Errorf("seed_drop: need 0 <= one_below <= two_below <= 1")
	}
	return nil
}

func (t Tuning) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalMs) * time.Millisecond
}

func (t Tuning) ClickBoost() time.Duration {
	return time.Duration(t.ClickBoostMs) * time.Millisecond
}

// Digest identifies the effective tuning inside save documents.
func (t Tuning) Digest() string {
	b, _ := yaml.Marshal(t)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
