package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"darkfarm.ai/internal/persistence/indexdb"
	"darkfarm.ai/internal/sim/farm"
	"darkfarm.ai/internal/sim/world"
	"darkfarm.ai/internal/transport/ws"
)

type app struct {
	world *world.World
	ws    *ws.Server
	index *indexdb.SQLiteIndex
	log   zerolog.Logger

	admin   bool
	pprof   bool
	timeout time.Duration
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		select {
		case <-a.world.Done():
			http.Error(rw, "world stopped", http.StatusServiceUnavailable)
		default:
			rw.WriteHeader(http.StatusOK)
			_, _ = rw.Write([]byte("ok"))
		}
	})
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/v1/state", a.ws.StateHandler())
	mux.HandleFunc("/v1/ws", a.ws.Handler())

	if a.admin {
		// Local-only maintenance endpoints.
		mux.HandleFunc("/admin/v1/state", a.loopbackOnly(a.handleAdminState))
		mux.HandleFunc("/admin/v1/save", a.loopbackOnly(a.debugOp(world.DebugSaveNow)))
		mux.HandleFunc("/admin/v1/cauldron/reset", a.loopbackOnly(a.debugOp(world.DebugResetCauldron)))
		mux.HandleFunc("/admin/v1/cauldron/complete", a.loopbackOnly(a.debugOp(world.DebugForceCompleteCauldron)))
	} else {
		a.log.Info().Msg("admin endpoints disabled (DARKFARM_ENABLE_ADMIN_HTTP=false)")
	}
	if a.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	// h2c lets HTTP/2 pollers of /v1/state skip TLS; websocket upgrades pass through.
	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

func (a *app) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	slot := a.world.SlotID()
	m := a.world.Metrics()
	tick := a.world.CurrentTick()
	if m.Tick != 0 {
		tick = m.Tick
	}

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP darkfarm_world_tick Current world tick.\n")
	fmt.Fprintf(rw, "# TYPE darkfarm_world_tick gauge\n")
	fmt.Fprintf(rw, "darkfarm_world_tick{slot=%q} %d\n", slot, tick)

	fmt.Fprintf(rw, "# HELP darkfarm_active_slots Plots and cauldron holding a running or ready process.\n")
	fmt.Fprintf(rw, "# TYPE darkfarm_active_slots gauge\n")
	fmt.Fprintf(rw, "darkfarm_active_slots{slot=%q} %d\n", slot, m.ActiveSlots)

	fmt.Fprintf(rw, "# HELP darkfarm_subscribers Connected presentation subscribers.\n")
	fmt.Fprintf(rw, "# TYPE darkfarm_subscribers gauge\n")
	fmt.Fprintf(rw, "darkfarm_subscribers{slot=%q} %d\n", slot, m.Subscribers)

	fmt.Fprintf(rw, "# HELP darkfarm_inbox_depth Pending actions.\n")
	fmt.Fprintf(rw, "# TYPE darkfarm_inbox_depth gauge\n")
	fmt.Fprintf(rw, "darkfarm_inbox_depth{slot=%q} %d\n", slot, m.InboxDepth)

	fmt.Fprintf(rw, "# HELP darkfarm_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE darkfarm_step_ms gauge\n")
	fmt.Fprintf(rw, "darkfarm_step_ms{slot=%q} %.3f\n", slot, m.StepMS)

	fmt.Fprintf(rw, "# HELP darkfarm_dropped_frames_total Frames dropped for slow subscribers.\n")
	fmt.Fprintf(rw, "# TYPE darkfarm_dropped_frames_total counter\n")
	fmt.Fprintf(rw, "darkfarm_dropped_frames_total{slot=%q} %d\n", slot, m.DroppedFrames)

	fmt.Fprintf(rw, "# HELP darkfarm_saves_total Save attempts by result.\n")
	fmt.Fprintf(rw, "# TYPE darkfarm_saves_total counter\n")
	fmt.Fprintf(rw, "darkfarm_saves_total{slot=%q,result=%q} %d\n", slot, "ok", m.Saves)
	fmt.Fprintf(rw, "darkfarm_saves_total{slot=%q,result=%q} %d\n", slot, "error", m.SaveErrors)
	fmt.Fprintf(rw, "darkfarm_saves_total{slot=%q,result=%q} %d\n", slot, "superseded", m.SavesDropped)

	if a.index != nil {
		s := a.index.Stats()
		fmt.Fprintf(rw, "# HELP darkfarm_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(rw, "# TYPE darkfarm_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "darkfarm_index_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(rw, "# HELP darkfarm_index_queue_capacity Index writer queue capacity.\n")
		fmt.Fprintf(rw, "# TYPE darkfarm_index_queue_capacity gauge\n")
		fmt.Fprintf(rw, "darkfarm_index_queue_capacity %d\n", s.QueueCapacity)
		fmt.Fprintf(rw, "# HELP darkfarm_index_dropped_events_total Events dropped because the index queue was full.\n")
		fmt.Fprintf(rw, "# TYPE darkfarm_index_dropped_events_total counter\n")
		fmt.Fprintf(rw, "darkfarm_index_dropped_events_total %d\n", s.DropEventTotal)
	}
}

func (a *app) handleAdminState(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	st, err := a.world.State(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"slot_id": a.world.SlotID(),
		"tick":    a.world.CurrentTick(),
		"metrics": a.world.Metrics(),
		"state":   st,
	})
}

func (a *app) debugOp(op string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
		defer cancel()
		err := a.world.Debug(ctx, op)
		var ae *farm.ActionError
		switch {
		case err == nil:
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "op": op, "tick": a.world.CurrentTick()})
		case errors.As(err, &ae):
			writeJSON(rw, http.StatusConflict, map[string]any{"ok": false, "op": op, "code": farm.Code(err), "error": err.Error()})
		default:
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "op": op, "error": err.Error()})
		}
	}
}

func (a *app) loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
