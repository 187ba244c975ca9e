package job

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flasharr/bridge/internal/balancer"
	"github.com/flasharr/bridge/internal/core"
	"github.com/flasharr/bridge/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "bridge.db"))
	require.NoError(t, err)

	cfg := core.DefaultConfig()
	cfg.DataDir = dir
	cfg.DownloadDir = dir
	accounts := core.NewStaticAccounts([]balancer.Account{{Email: "test@account", Client: http.DefaultClient}})
	engine := core.New(cfg, slog.Default(), st, core.PassthroughResolver{}, accounts)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	return NewManager(engine)
}

func fixtureServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManager_SubmitAndStatusUseJobIDNotTaskID(t *testing.T) {
	m := newTestManager(t)
	srv := fixtureServer(t, []byte("payload"))

	jobID, err := m.Submit(context.Background(), Request{URL: srv.URL + "/f.bin"})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	snap, err := m.Status(jobID)
	require.NoError(t, err)
	require.NotEqual(t, jobID, snap.ID, "the task id the engine assigned must differ from the job id")
}

func TestManager_UnknownJobIDErrors(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Status("does-not-exist")
	require.ErrorIs(t, err, ErrUnknownJob)
	require.ErrorIs(t, m.Pause("does-not-exist"), ErrUnknownJob)
	require.ErrorIs(t, m.Resume("does-not-exist"), ErrUnknownJob)
	require.ErrorIs(t, m.Cancel("does-not-exist"), ErrUnknownJob)
	require.ErrorIs(t, m.Retry("does-not-exist"), ErrUnknownJob)
	require.ErrorIs(t, m.Delete("does-not-exist"), ErrUnknownJob)
}

func TestManager_DeleteDropsTheJobMapping(t *testing.T) {
	m := newTestManager(t)
	srv := fixtureServer(t, []byte("payload"))

	jobID, err := m.Submit(context.Background(), Request{URL: srv.URL + "/f.bin"})
	require.NoError(t, err)

	require.NoError(t, m.Delete(jobID))
	_, err = m.Status(jobID)
	require.ErrorIs(t, err, ErrUnknownJob)
}
