package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darkfarm.ai/internal/persistence/snapshot"
	"darkfarm.ai/internal/protocol"
	"darkfarm.ai/internal/sim/catalogs"
	"darkfarm.ai/internal/sim/farm"
	"darkfarm.ai/internal/sim/tuning"
	"darkfarm.ai/internal/sim/world"
	"darkfarm.ai/internal/transport/ws"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func openTestStorage(t *testing.T) *storage {
	t.Helper()
	st, err := openStorage(context.Background(), storageConfig{
		DataDir: t.TempDir(),
		Clock:   clockwork.NewFakeClockAt(t0),
		Keep:    3,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestApp(t *testing.T, st *storage) *app {
	t.Helper()
	cats := catalogs.Defaults()
	w, err := world.New(world.Config{SlotID: "srv-test", Clock: clockwork.NewFakeClockAt(t0), Logger: zerolog.Nop()},
		farm.New(cats, tuning.Defaults(), t0))
	require.NoError(t, err)
	if st != nil {
		w.SetSaver(st.Savers())
		for _, s := range st.Sinks() {
			w.AddEventSink(s)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})
	a := &app{world: w, ws: ws.NewServer(w, cats, zerolog.Nop()), log: zerolog.Nop(), admin: true, timeout: 2 * time.Second}
	if st != nil {
		a.index = st.Index
	}
	return a
}

func do(h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	a := newTestApp(t, openTestStorage(t))
	h := a.routes()

	rec := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `darkfarm_world_tick{slot="srv-test"}`)
	assert.Contains(t, body, `darkfarm_saves_total{slot="srv-test",result="ok"}`)
	assert.Contains(t, body, "darkfarm_index_queue_capacity")
}

func TestRoutes_State(t *testing.T) {
	h := newTestApp(t, nil).routes()
	rec := do(h, http.MethodGet, "/v1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st protocol.StateMsg
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "srv-test", st.SlotID)
	assert.Len(t, st.Plots, tuning.Defaults().InitialPlots)
}

func TestRoutes_CORS(t *testing.T) {
	h := newTestApp(t, nil).routes()
	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("Origin", "http://example.test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdmin_LoopbackOnly(t *testing.T) {
	h := newTestApp(t, nil).routes()

	rec := do(h, http.MethodGet, "/admin/v1/state", "203.0.113.9:4000")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(h, http.MethodGet, "/admin/v1/state", "127.0.0.1:4000")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "srv-test", resp["slot_id"])
}

func TestAdmin_Disabled(t *testing.T) {
	a := newTestApp(t, nil)
	a.admin = false
	rec := do(a.routes(), http.MethodGet, "/admin/v1/state", "127.0.0.1:4000")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_DebugOps(t *testing.T) {
	st := openTestStorage(t)
	h := newTestApp(t, st).routes()

	rec := do(h, http.MethodGet, "/admin/v1/cauldron/complete", "127.0.0.1:1")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	// Idle cauldron: a rejected action, not an outage.
	rec = do(h, http.MethodPost, "/admin/v1/cauldron/complete", "127.0.0.1:1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), protocol.ErrInvalidTarget)

	rec = do(h, http.MethodPost, "/admin/v1/cauldron/reset", "[::1]:1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodPost, "/admin/v1/save", "127.0.0.1:1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		ids, err := st.Files.Slots()
		return err == nil && len(ids) == 1 && ids[0] == "srv-test"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestAdmin_SaveWithoutSaver(t *testing.T) {
	h := newTestApp(t, nil).routes()
	rec := do(h, http.MethodPost, "/admin/v1/save", "127.0.0.1:1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestResolveSlot(t *testing.T) {
	ctx := context.Background()
	st := openTestStorage(t)

	got, err := st.resolveSlot(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, "mine", got)

	fresh, err := st.resolveSlot(ctx, "")
	require.NoError(t, err)
	_, err = uuid.Parse(fresh)
	assert.NoError(t, err, "fresh slot ids are uuids")

	snap := farm.New(catalogs.Defaults(), tuning.Defaults(), t0).Export("saved-slot", t0)
	require.NoError(t, st.Files.Save(ctx, snap))
	got, err = st.resolveSlot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "saved-slot", got)

	later := farm.New(catalogs.Defaults(), tuning.Defaults(), t0).Export("indexed-slot", t0.Add(time.Hour))
	require.NoError(t, st.Index.SaveSlot(ctx, later))
	got, err = st.resolveSlot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "indexed-slot", got, "index wins when it has slots")
}

func TestStorage_WiringWithoutDB(t *testing.T) {
	st, err := openStorage(context.Background(), storageConfig{DataDir: t.TempDir(), DisableDB: true}, zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	assert.Nil(t, st.Index)
	assert.Len(t, st.Loaders(), 1)
	assert.Len(t, st.Savers(), 1)
	assert.Len(t, st.Sinks(), 1)
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"::1":          true,
		"10.0.0.1:80":  false,
		"garbage":      false,
	} {
		assert.Equal(t, want, isLoopbackRemote(addr), addr)
	}
}

func TestParseLevelAndEnv(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, parseLevel(" DEBUG "))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud"))

	t.Setenv("DF_TEST_BOOL", "off")
	assert.False(t, envBool("DF_TEST_BOOL", true))
	t.Setenv("DF_TEST_BOOL", "maybe")
	assert.True(t, envBool("DF_TEST_BOOL", true))

	t.Setenv("DEPLOY_ENV", "Production")
	assert.False(t, defaultEnableAdminHTTP())
	t.Setenv("DF_TEST_ADDR", "  ")
	assert.Equal(t, ":1", envOr("DF_TEST_ADDR", ":1"))
	assert.True(t, strings.HasPrefix(envOr("DF_TEST_MISSING", ":8080"), ":"))
}

func TestRun_RestoreFailureReturnsError(t *testing.T) {
	data := t.TempDir()
	dir := filepath.Join(data, "saves", "broken")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshot.FileName(t0)), []byte("not a save"), 0o644))

	err := run(context.Background(), serverConfig{
		Addr:      "127.0.0.1:0",
		ConfigDir: t.TempDir(),
		DataDir:   data,
		Slot:      "broken",
		DisableDB: true,
	}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore slot broken")
}

func TestRun_ShutdownWritesFinalSave(t *testing.T) {
	data := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, serverConfig{
			Addr:      "127.0.0.1:0",
			ConfigDir: t.TempDir(),
			DataDir:   data,
			Slot:      "clean",
		}, zerolog.Nop())
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	snap, err := snapshot.FileStore{Dir: filepath.Join(data, "saves")}.LoadSlot(context.Background(), "clean")
	require.NoError(t, err)
	assert.Equal(t, "clean", snap.Header.SlotID)
}
