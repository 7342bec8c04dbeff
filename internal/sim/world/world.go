package world

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"darkfarm.ai/internal/persistence/snapshot"
	"darkfarm.ai/internal/protocol"
	"darkfarm.ai/internal/sim/farm"
	"darkfarm.ai/internal/sim/tuning"
)

var ErrStopped = errors.New("world stopped")

type Config struct {
	SlotID string

	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Rand drives seed drops. Defaults to a PCG seeded from the clock.
	Rand   farm.Rand
	Logger zerolog.Logger
}

// Saver persists a save document. Save may be called from a goroutine
// other than the world loop.
type Saver interface {
	Save(ctx context.Context, snap snapshot.SaveV1) error
}

// EventSink receives every farm event in order.
type EventSink interface {
	WriteEvent(slotID string, ev protocol.Event) error
}

// Frame is what subscribers receive: the full render model plus the events
// that led to it.
type Frame struct {
	Tick   uint64
	State  protocol.StateMsg
	Events []protocol.Event
}

type actReq struct {
	Act  protocol.ActMsg
	Resp chan protocol.AckMsg
}

type subReq struct {
	Buf  int
	Resp chan *subscriber
}

type debugReq struct {
	Op   string
	Resp chan error
}

type subscriber struct {
	id      int
	ch      chan Frame
	dropped uint64
}

// World owns one farm.State. All state is accessed only from the goroutine
// running Run; other goroutines talk to it through channels.
type World struct {
	cfg   Config
	clock clockwork.Clock
	rng   farm.Rand
	log   zerolog.Logger
	tune  tuning.Tuning

	state *farm.State

	tick atomic.Uint64

	inbox    chan actReq
	stateReq chan chan protocol.StateMsg
	subReq   chan subReq
	unsub    chan int
	debug    chan debugReq
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	subs    map[int]*subscriber
	nextSub int

	actDedupe map[string]actDedupeEntry

	saver  Saver
	saveCh chan snapshot.SaveV1
	sinks  []EventSink

	stats   runStats
	metrics atomic.Value
}

func New(cfg Config, state *farm.State) (*World, error) {
	if state == nil {
		return nil, errors.New("world: nil state")
	}
	if cfg.SlotID == "" {
		return nil, errors.New("world: empty slot id")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Rand == nil {
		seed := uint64(cfg.Clock.Now().UnixNano())
		cfg.Rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	w := &World{
		cfg:       cfg,
		clock:     cfg.Clock,
		rng:       cfg.Rand,
		log:       cfg.Logger.With().Str("slot", cfg.SlotID).Logger(),
		tune:      state.Tuning(),
		state:     state,
		inbox:     make(chan actReq, 256),
		stateReq:  make(chan chan protocol.StateMsg, 16),
		subReq:    make(chan subReq, 16),
		unsub:     make(chan int, 16),
		debug:     make(chan debugReq, 4),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		subs:      map[int]*subscriber{},
		actDedupe: map[string]actDedupeEntry{},
	}
	w.metrics.Store(Metrics{})
	return w, nil
}

// SetSaver installs the autosave target. Call before Run.
func (w *World) SetSaver(s Saver) { w.saver = s }

// AddEventSink registers an event consumer. Call before Run.
func (w *World) AddEventSink(s EventSink) {
	if s != nil {
		w.sinks = append(w.sinks, s)
	}
}

func (w *World) SlotID() string        { return w.cfg.SlotID }
func (w *World) Tuning() tuning.Tuning { return w.tune }
func (w *World) CurrentTick() uint64   { return w.tick.Load() }

// Done is closed once Run has returned.
func (w *World) Done() <-chan struct{} { return w.done }

// Run drives the tick loop until ctx is cancelled or Stop is called. The
// state is saved one last time on the way out.
func (w *World) Run(ctx context.Context) error {
	defer close(w.done)

	var saverWG sync.WaitGroup
	if w.saver != nil {
		w.saveCh = make(chan snapshot.SaveV1, 1)
		saverWG.Add(1)
		go func() {
			defer saverWG.Done()
			w.saveLoop()
		}()
	}
	defer func() {
		if w.saveCh != nil {
			close(w.saveCh)
			saverWG.Wait()
		}
		w.finalSave()
		for id, s := range w.subs {
			close(s.ch)
			delete(w.subs, id)
		}
	}()

	ticker := w.clock.NewTicker(w.tune.TickInterval())
	defer ticker.Stop()

	w.log.Info().Int("tick_ms", w.tune.TickIntervalMs).Int("active_slots", w.state.ActiveSlots()).Msg("world started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.inbox:
			req.Resp <- w.handleAct(req.Act)
		case resp := <-w.stateReq:
			resp <- w.buildState(w.clock.Now())
		case req := <-w.subReq:
			req.Resp <- w.handleSubscribe(req.Buf)
		case id := <-w.unsub:
			if s, ok := w.subs[id]; ok {
				close(s.ch)
				delete(w.subs, id)
			}
		case req := <-w.debug:
			req.Resp <- w.handleDebug(req.Op)
		case <-ticker.Chan():
			w.step()
		}
	}
}

func (w *World) Stop() { w.stopOnce.Do(func() { close(w.stop) }) }

// step is one tick: reconcile every slot, announce slots that became ready,
// push a frame and autosave on schedule.
func (w *World) step() {
	start := time.Now()
	now := w.clock.Now()
	tick := w.tick.Add(1)

	var events []protocol.Event
	for _, slot := range w.state.Reconcile(now) {
		events = append(events, w.emit(now, "SLOT_READY", "slot", slot))
	}
	w.publish(now, events)

	if every := uint64(w.tune.AutosaveEveryTicks); every > 0 && tick%every == 0 {
		w.requestSave(now)
	}
	w.expireDedupe(tick)
	w.stats.stepDur = time.Since(start)
	w.updateMetrics()
}

// emit builds an event stamped with now and hands it to every sink.
// kv alternates keys and values.
func (w *World) emit(now time.Time, typ string, kv ...any) protocol.Event {
	ev := protocol.Event{"t": now.UnixMilli(), "type": typ}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			ev[k] = kv[i+1]
		}
	}
	for _, s := range w.sinks {
		if err := s.WriteEvent(w.cfg.SlotID, ev); err != nil {
			w.log.Warn().Err(err).Str("event", typ).Msg("event sink write failed")
		}
	}
	return ev
}

func (w *World) publish(now time.Time, events []protocol.Event) {
	if len(w.subs) == 0 {
		return
	}
	f := Frame{Tick: w.tick.Load(), State: w.buildState(now), Events: events}
	for _, s := range w.subs {
		select {
		case s.ch <- f:
		default:
			s.dropped++
			w.stats.droppedFrames++
		}
	}
}

func (w *World) handleSubscribe(buf int) *subscriber {
	if buf <= 0 {
		buf = 8
	}
	w.nextSub++
	s := &subscriber{id: w.nextSub, ch: make(chan Frame, buf)}
	w.subs[s.id] = s
	s.ch <- Frame{Tick: w.tick.Load(), State: w.buildState(w.clock.Now())}
	return s
}

// Submit applies act on the world goroutine and returns its ACK.
func (w *World) Submit(ctx context.Context, act protocol.ActMsg) (protocol.AckMsg, error) {
	req := actReq{Act: act, Resp: make(chan protocol.AckMsg, 1)}
	select {
	case w.inbox <- req:
	case <-w.done:
		return protocol.AckMsg{}, ErrStopped
	case <-ctx.Done():
		return protocol.AckMsg{}, ctx.Err()
	}
	select {
	case ack := <-req.Resp:
		return ack, nil
	case <-w.done:
		return protocol.AckMsg{}, ErrStopped
	case <-ctx.Done():
		return protocol.AckMsg{}, ctx.Err()
	}
}

// State returns the current render model.
func (w *World) State(ctx context.Context) (protocol.StateMsg, error) {
	resp := make(chan protocol.StateMsg, 1)
	select {
	case w.stateReq <- resp:
	case <-w.done:
		return protocol.StateMsg{}, ErrStopped
	case <-ctx.Done():
		return protocol.StateMsg{}, ctx.Err()
	}
	select {
	case st := <-resp:
		return st, nil
	case <-w.done:
		return protocol.StateMsg{}, ErrStopped
	case <-ctx.Done():
		return protocol.StateMsg{}, ctx.Err()
	}
}

// Subscribe registers for frames. The first frame carries the current state.
// Frames are dropped, never queued without bound, when the reader falls
// behind. The channel is closed by cancel or when the world stops.
func (w *World) Subscribe(ctx context.Context, buf int) (<-chan Frame, func(), error) {
	req := subReq{Buf: buf, Resp: make(chan *subscriber, 1)}
	select {
	case w.subReq <- req:
	case <-w.done:
		return nil, nil, ErrStopped
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	var s *subscriber
	select {
	case s = <-req.Resp:
	case <-w.done:
		return nil, nil, ErrStopped
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			select {
			case w.unsub <- s.id:
			case <-w.done:
			}
		})
	}
	return s.ch, cancel, nil
}

const (
	DebugResetCauldron         = "RESET_CAULDRON"
	DebugForceCompleteCauldron = "FORCE_COMPLETE_CAULDRON"
	DebugSaveNow               = "SAVE_NOW"
)

// Debug runs a maintenance operation on the world goroutine.
func (w *World) Debug(ctx context.Context, op string) error {
	req := debugReq{Op: op, Resp: make(chan error, 1)}
	select {
	case w.debug <- req:
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.Resp:
		return err
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *World) handleDebug(op string) error {
	now := w.clock.Now()
	var err error
	switch op {
	case DebugResetCauldron:
		w.state.ResetCauldron()
	case DebugForceCompleteCauldron:
		err = w.state.ForceCompleteCauldron(now)
	case DebugSaveNow:
		if w.saver == nil {
			return errors.New("no saver configured")
		}
		w.requestSave(now)
	default:
		return errors.New("unknown debug op " + op)
	}
	if err != nil {
		return err
	}
	w.log.Warn().Str("op", op).Msg("debug operation applied")
	w.publish(now, []protocol.Event{w.emit(now, "DEBUG", "op", op)})
	return nil
}
