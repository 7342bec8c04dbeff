package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"darkfarm.ai/internal/persistence/indexdb"
	persistlog "darkfarm.ai/internal/persistence/log"
	"darkfarm.ai/internal/persistence/snapshot"
	"darkfarm.ai/internal/sim/catalogs"
	"darkfarm.ai/internal/sim/tuning"
	"darkfarm.ai/internal/sim/world"
	"darkfarm.ai/internal/transport/natsbus"
	"darkfarm.ai/internal/transport/ws"
)

type serverConfig struct {
	Addr       string
	ConfigDir  string
	DataDir    string
	Slot       string
	TuningPath string
	DisableDB  bool
	NATSURL    string
	AdminHTTP  bool
	PprofHTTP  bool
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(parseLevel(os.Getenv("LOG_LEVEL")))

	var cfg serverConfig
	flag.StringVar(&cfg.Addr, "addr", envOr("DARKFARM_ADDR", ":8080"), "http listen address")
	flag.StringVar(&cfg.ConfigDir, "configs", "./configs", "config directory (seeds.json, elixirs.json, tuning.yaml)")
	flag.StringVar(&cfg.DataDir, "data", "./data", "runtime data directory")
	flag.StringVar(&cfg.Slot, "slot", os.Getenv("DARKFARM_SLOT"), "save slot id (default: most recently saved slot, else a new one)")
	flag.StringVar(&cfg.TuningPath, "tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	flag.BoolVar(&cfg.DisableDB, "disable_db", false, "disable the sqlite slot store and event index")
	flag.Parse()
	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))
	cfg.AdminHTTP = envBool("DARKFARM_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	cfg.PprofHTTP = envBool("DARKFARM_ENABLE_PPROF_HTTP", false)

	ctx, cancel := signalContext()
	err := run(ctx, cfg, log.Logger)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("server")
	}
}

// run serves one slot until ctx is done. Every store it opens is closed
// before it returns, on error paths too.
func run(ctx context.Context, cfg serverConfig, logger zerolog.Logger) error {
	cats, err := catalogs.Load(cfg.ConfigDir)
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}
	tp := strings.TrimSpace(cfg.TuningPath)
	if tp == "" {
		tp = filepath.Join(cfg.ConfigDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		return fmt.Errorf("load tuning %s: %w", tp, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clock := clockwork.NewRealClock()
	st, err := openStorage(ctx, storageConfig{
		DataDir:   cfg.DataDir,
		DisableDB: cfg.DisableDB,
		NATSURL:   cfg.NATSURL,
		Clock:     clock,
		Keep:      tune.SnapshotKeep,
	}, logger)
	if st != nil {
		defer st.Close()
	}
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	if st.Index != nil {
		if err := st.Index.UpsertCatalogs(cats, tune); err != nil {
			logger.Warn().Err(err).Msg("index: upsert catalogs")
		}
	}

	slotID, err := st.resolveSlot(ctx, cfg.Slot)
	if err != nil {
		return fmt.Errorf("resolve slot: %w", err)
	}
	state, err := world.Restore(ctx, cats, tune, slotID, clock.Now(), logger, st.Loaders()...)
	if err != nil {
		return fmt.Errorf("restore slot %s: %w", slotID, err)
	}

	w, err := world.New(world.Config{SlotID: slotID, Clock: clock, Logger: logger}, state)
	if err != nil {
		return fmt.Errorf("world: %w", err)
	}
	w.SetSaver(st.Savers())
	for _, sink := range st.Sinks() {
		w.AddEventSink(sink)
	}

	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("world stopped")
		}
	}()
	// The world writes its final save on the way out; stores close after.
	defer func() { <-w.Done() }()

	a := &app{
		world:   w,
		ws:      ws.NewServer(w, cats, logger),
		index:   st.Index,
		log:     logger,
		admin:   cfg.AdminHTTP,
		pprof:   cfg.PprofHTTP,
		timeout: 5 * time.Second,
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info().Str("addr", cfg.Addr).Str("slot", slotID).Msg("listening")
	err = srv.ListenAndServe()
	cancel()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	logger.Info().Str("slot", slotID).Msg("http server stopped")
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

var (
	_ world.Loader    = snapshot.FileStore{}
	_ world.Loader    = (*indexdb.SQLiteIndex)(nil)
	_ world.EventSink = (*persistlog.EventLogger)(nil)
	_ world.EventSink = (*natsbus.Publisher)(nil)
)
