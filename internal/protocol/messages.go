package protocol

// Act kinds.
const (
	ActBuySeed       = "BUY_SEED"
	ActExchange      = "EXCHANGE"
	ActBuyPlots      = "BUY_PLOTS"
	ActPlant         = "PLANT"
	ActClick         = "CLICK"
	ActHarvest       = "HARVEST"
	ActHandlePlot    = "HANDLE_PLOT"
	ActBuyCauldron   = "BUY_CAULDRON"
	ActStartBrew     = "START_BREW"
	ActCollectElixir = "COLLECT_ELIXIR"
	ActSellHarvest   = "SELL_HARVEST"
	ActSellElixir    = "SELL_ELIXIR"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name,omitempty"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	SlotID          string         `json:"slot_id"`
	TickIntervalMs  int            `json:"tick_interval_ms"`
	Catalogs        CatalogDigests `json:"catalogs"`
}

type CatalogDigests struct {
	SeedsDigest   string `json:"seeds_digest"`
	ElixirsDigest string `json:"elixirs_digest"`
	TuningDigest  string `json:"tuning_digest,omitempty"`
}

// STATE (server -> client): the full render model. Clients never derive
// progress themselves.
type StateMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SlotID          string         `json:"slot_id"`
	NowMs           int64          `json:"now_ms"`
	Souls           int            `json:"souls"`
	Essence         int            `json:"essence"`
	Seeds           map[string]int `json:"seeds"`
	Harvested       map[string]int `json:"harvested"`
	Crafted         map[string]int `json:"crafted"`
	MaxPlots        int            `json:"max_plots"`
	Plots           []PlotView     `json:"plots"`
	Cauldron        CauldronView   `json:"cauldron"`
}

type PlotView struct {
	Slot        int     `json:"slot"`
	Phase       string  `json:"phase"`
	Seed        string  `json:"seed,omitempty"`
	Progress    float64 `json:"progress"`
	RemainingMs int64   `json:"remaining_ms"`
	Clicks      int     `json:"clicks"`
}

type CauldronView struct {
	Owned       bool    `json:"owned"`
	Phase       string  `json:"phase"`
	Recipe      string  `json:"recipe,omitempty"`
	Progress    float64 `json:"progress"`
	RemainingMs int64   `json:"remaining_ms"`
	InputQty    int     `json:"input_qty"`
	OutputQty   int     `json:"output_qty"`
	CanStart    bool    `json:"can_start"`
}

// ACT (client -> server)
type ActMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ActID           string `json:"act_id"`
	Kind            string `json:"kind"`
	Plot            int    `json:"plot,omitempty"`
	Item            string `json:"item,omitempty"`
	Qty             int    `json:"qty,omitempty"`
}

// ACK (server -> client)
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Amount          int    `json:"amount,omitempty"`
}

// Event is a loosely typed farm event, e.g.
// {"t":1700000000000,"type":"SLOT_READY","slot":"plot:2"}.
type Event map[string]any

// EVENT (server -> client)
type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Event           Event  `json:"event"`
}
