package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flasharr/bridge/internal/balancer"
	"github.com/flasharr/bridge/internal/core"
	"github.com/flasharr/bridge/internal/store"
	"github.com/flasharr/bridge/internal/task"
)

func newTestEngine(t *testing.T) *core.Engine {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "bridge.db"))
	require.NoError(t, err)

	c := core.DefaultConfig()
	c.DataDir = dir
	c.DownloadDir = dir
	accounts := core.NewStaticAccounts([]balancer.Account{{Email: "test@account", Client: http.DefaultClient}})
	engine := core.New(c, slog.Default(), st, core.PassthroughResolver{}, accounts)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	return engine
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

// downloadFixtureServer answers HEAD/GET for a tiny fixed payload so a
// submitted task can actually be pre-checked and fetched against loopback
// instead of a real host.
func downloadFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := []byte("fixture payload")
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

func TestAPI_SubmitAndListRoundTrip(t *testing.T) {
	engine := newTestEngine(t)
	srv := httptest.NewServer(newAPIMux(engine))
	defer srv.Close()
	fixture := downloadFixtureServer(t)

	resp, err := http.Post(srv.URL+"/submit", "application/json", strings.NewReader(`{"url":"`+fixture.URL+`/file.bin"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var submitted submitResponse
	decodeBody(t, resp, &submitted)
	require.NotEmpty(t, submitted.ID)

	listResp, err := http.Get(srv.URL + "/tasks")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var tasks []map[string]any
	decodeBody(t, listResp, &tasks)
	require.Len(t, tasks, 1)
	require.Equal(t, submitted.ID, tasks[0]["ID"])
}

func TestAPI_PauseUnknownTaskReturns404(t *testing.T) {
	engine := newTestEngine(t)
	srv := httptest.NewServer(newAPIMux(engine))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tasks/does-not-exist/pause", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SubmitMissingURLReturns400(t *testing.T) {
	engine := newTestEngine(t)
	srv := httptest.NewServer(newAPIMux(engine))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/submit", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// gatedFixtureServer answers HEAD immediately but blocks every GET until the
// test closes the returned channel, so a submitted task can be reliably
// caught mid-transfer instead of racing its own completion.
func gatedFixtureServer(t *testing.T) (*httptest.Server, chan struct{}) {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := []byte("fixture payload")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		<-release
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, release
}

func waitForTaskState(t *testing.T, srv *httptest.Server, id string, want task.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last task.Snapshot
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/tasks/" + id)
		require.NoError(t, err)
		decodeBody(t, resp, &last)
		resp.Body.Close()
		if last.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s, last seen %s", id, want, last.State)
}

func TestAPI_CancelThenStatsReflectsNoActive(t *testing.T) {
	engine := newTestEngine(t)
	srv := httptest.NewServer(newAPIMux(engine))
	defer srv.Close()
	fixture, release := gatedFixtureServer(t)
	defer close(release)

	resp, err := http.Post(srv.URL+"/submit", "application/json", strings.NewReader(`{"url":"`+fixture.URL+`/a.bin"}`))
	require.NoError(t, err)
	var submitted submitResponse
	decodeBody(t, resp, &submitted)
	resp.Body.Close()

	waitForTaskState(t, srv, submitted.ID, task.Downloading, 5*time.Second)

	cancelResp, err := http.Post(srv.URL+"/tasks/"+submitted.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, cancelResp.StatusCode)
	cancelResp.Body.Close()

	statsResp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	var stats core.Stats
	decodeBody(t, statsResp, &stats)
	require.Equal(t, 0, stats.Active)
	require.Equal(t, 0, stats.Queued)
}
