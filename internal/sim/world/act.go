package world

import (
	"errors"
	"fmt"
	"time"

	"darkfarm.ai/internal/protocol"
	"darkfarm.ai/internal/sim/farm"
)

// Acts carrying an act_id are remembered for this many ticks; a resend
// within the window gets the original ACK and is not applied twice.
const actDedupeTTLTicks = uint64(3000)

type actDedupeEntry struct {
	Ack         protocol.AckMsg
	ExpiresTick uint64
}

func (w *World) expireDedupe(tick uint64) {
	if tick%100 != 0 {
		return
	}
	for k, v := range w.actDedupe {
		if tick >= v.ExpiresTick {
			delete(w.actDedupe, k)
		}
	}
}

func (w *World) handleAct(act protocol.ActMsg) protocol.AckMsg {
	if act.ActID != "" {
		if e, ok := w.actDedupe[act.ActID]; ok && w.tick.Load() < e.ExpiresTick {
			return e.Ack
		}
	}
	now := w.clock.Now()
	var events []protocol.Event
	for _, slot := range w.state.Reconcile(now) {
		events = append(events, w.emit(now, "SLOT_READY", "slot", slot))
	}

	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          act.ActID,
	}
	ev, amount, err := w.apply(now, act)
	if err != nil {
		ack.Code = farm.Code(err)
		if errors.Is(err, errBadKind) {
			ack.Code = protocol.ErrBadRequest
		}
		ack.Message = err.Error()
		w.log.Debug().Str("kind", act.Kind).Str("code", ack.Code).Msg(ack.Message)
	} else {
		ack.Accepted = true
		ack.Amount = amount
		events = append(events, ev)
	}
	if len(events) > 0 {
		w.publish(now, events)
	}
	if act.ActID != "" {
		w.actDedupe[act.ActID] = actDedupeEntry{Ack: ack, ExpiresTick: w.tick.Load() + actDedupeTTLTicks}
	}
	return ack
}

var errBadKind = errors.New("unknown act kind")

// apply performs one player action. On success it returns the emitted event
// and the amount of currency or goods involved.
func (w *World) apply(now time.Time, act protocol.ActMsg) (protocol.Event, int, error) {
	s := w.state
	switch act.Kind {
	case protocol.ActBuySeed:
		cost, err := s.BuySeed(act.Item, act.Qty)
		if err != nil {
			return nil, 0, err
		}
		return w.emit(now, "SEED_BOUGHT", "seed", act.Item, "qty", act.Qty, "cost", cost), cost, nil

	case protocol.ActExchange:
		gain, err := s.ExchangeSouls(act.Qty)
		if err != nil {
			return nil, 0, err
		}
		return w.emit(now, "EXCHANGED", "souls", act.Qty, "essence", gain), gain, nil

	case protocol.ActBuyPlots:
		cost, err := s.BuyPlots(act.Qty)
		if err != nil {
			return nil, 0, err
		}
		return w.emit(now, "PLOTS_BOUGHT", "qty", act.Qty, "cost", cost, "plots", len(s.Plots)), cost, nil

	case protocol.ActPlant:
		if err := s.PlantSeed(now, act.Plot, act.Item); err != nil {
			return nil, 0, err
		}
		return w.emit(now, "PLANTED", "slot", farm.PlotSlotID(act.Plot), "seed", act.Item), 1, nil

	case protocol.ActClick:
		prog, err := s.ClickCrop(now, act.Plot)
		if err != nil {
			return nil, 0, err
		}
		return w.emit(now, "CLICKED", "slot", farm.PlotSlotID(act.Plot), "progress", prog), 0, nil

	case protocol.ActHarvest:
		res, err := s.Harvest(now, act.Plot, w.rng)
		if err != nil {
			return nil, 0, err
		}
		return w.emit(now, "HARVESTED", "slot", farm.PlotSlotID(act.Plot), "seed", res.Seed, "qty", res.Qty, "seeds_dropped", res.SeedsDropped), res.Qty, nil

	case protocol.ActHandlePlot:
		out, err := s.HandlePlot(now, act.Plot, w.rng)
		if err != nil {
			return nil, 0, err
		}
		slot := farm.PlotSlotID(act.Plot)
		switch out.Action {
		case farm.PlotHarvested:
			return w.emit(now, "HARVESTED", "slot", slot, "seed", out.Seed, "qty", out.Harvest.Qty, "seeds_dropped", out.Harvest.SeedsDropped), out.Harvest.Qty, nil
		case farm.PlotClicked:
			return w.emit(now, "CLICKED", "slot", slot, "progress", out.Progress), 0, nil
		default:
			return w.emit(now, "PLANTED", "slot", slot, "seed", out.Seed), 1, nil
		}

	case protocol.ActBuyCauldron:
		cost, err := s.BuyCauldron()
		if err != nil {
			return nil, 0, err
		}
		return w.emit(now, "CAULDRON_BOUGHT", "cost", cost), cost, nil

	case protocol.ActStartBrew:
		if err := s.StartBrewing(now, act.Item, act.Qty); err != nil {
			return nil, 0, err
		}
		return w.emit(now, "BREW_STARTED", "slot", farm.CauldronSlotID, "recipe", act.Item, "qty", act.Qty,
			"duration_ms", s.Cauldron.Proc.Duration.Milliseconds()), act.Qty, nil

	case protocol.ActCollectElixir:
		recipe, qty, err := s.CollectElixir(now)
		if err != nil {
			return nil, 0, err
		}
		return w.emit(now, "ELIXIR_COLLECTED", "slot", farm.CauldronSlotID, "recipe", recipe, "qty", qty), qty, nil

	case protocol.ActSellHarvest:
		gain, err := s.SellHarvest(act.Item, act.Qty)
		if err != nil {
			return nil, 0, err
		}
		return w.emit(now, "HARVEST_SOLD", "seed", act.Item, "qty", act.Qty, "souls", gain), gain, nil

	case protocol.ActSellElixir:
		gain, err := s.SellElixir(act.Item, act.Qty)
		if err != nil {
			return nil, 0, err
		}
		return w.emit(now, "ELIXIR_SOLD", "recipe", act.Item, "qty", act.Qty, "souls", gain), gain, nil
	}
	return nil, 0, fmt.Errorf("%w %q", errBadKind, act.Kind)
}
