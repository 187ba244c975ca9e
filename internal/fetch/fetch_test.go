package fetch

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flasharr/bridge/internal/ratelimit"
	"github.com/flasharr/bridge/internal/task"
)

func rangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			rangeHeader := r.Header.Get("Range")
			if rangeHeader == "" {
				w.Write(content)
				return
			}
			var start, end int
			fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
			if end >= len(content) {
				end = len(content) - 1
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[start : end+1])
		}
	}))
}

func newFetcher() *Fetcher {
	return New(ratelimit.New(0), 4, nil)
}

func TestRun_SegmentedDownloadReassemblesFile(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 100MB+ segmented download in -short mode")
	}
	// segmentCount only splits above smallFileThreshold (100MB), so this
	// has to clear that tier to actually exercise multiple segments.
	content := bytes.Repeat([]byte("abcdefgh"), 101*1024*1024/8)
	srv := rangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	tsk := task.New("t1", "j1", srv.URL, 0, 3)
	tsk.Filename = "out.bin"

	f := newFetcher()
	outcome := f.Run(t.Context(), srv.Client(), tsk, dir)
	require.Equal(t, Completed, outcome.Kind, "%v", outcome.Err)

	got, err := os.ReadFile(dir + "/out.bin")
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.Equal(t, int64(len(content)), tsk.Downloaded())
}

func TestRun_SingleStreamWhenRangesUnsupported(t *testing.T) {
	content := []byte("small file contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	tsk := task.New("t2", "j2", srv.URL, 0, 3)
	tsk.Filename = "small.txt"

	f := newFetcher()
	outcome := f.Run(t.Context(), srv.Client(), tsk, dir)
	require.Equal(t, Completed, outcome.Kind, "%v", outcome.Err)

	got, err := os.ReadFile(dir + "/small.txt")
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestRun_404IsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	tsk := task.New("t3", "j3", srv.URL, 0, 3)

	f := newFetcher()
	outcome := f.Run(t.Context(), srv.Client(), tsk, dir)
	require.Equal(t, Permanent, outcome.Kind)
}

func TestRun_503IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	tsk := task.New("t4", "j4", srv.URL, 0, 3)

	f := newFetcher()
	outcome := f.Run(t.Context(), srv.Client(), tsk, dir)
	require.Equal(t, Transient, outcome.Kind)
}

func TestRun_429ReturnsNeedsWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "100")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	dir := t.TempDir()
	tsk := task.New("t5", "j5", srv.URL, 0, 3)

	f := newFetcher()
	outcome := f.Run(t.Context(), srv.Client(), tsk, dir)
	require.Equal(t, NeedsWait, outcome.Kind)
	require.InDelta(t, float64(2e9), float64(outcome.WaitFor), float64(1e9))
}

func TestRun_HTMLBodyOnSingleStreamIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		io.WriteString(w, "<!DOCTYPE html><html><body>rate limited, come back later</body></html>")
	}))
	defer srv.Close()

	dir := t.TempDir()
	tsk := task.New("t6", "j6", srv.URL, 0, 3)

	f := newFetcher()
	outcome := f.Run(t.Context(), srv.Client(), tsk, dir)
	require.Equal(t, Permanent, outcome.Kind)
}

func TestSegmentCount_TieredBySize(t *testing.T) {
	require.Equal(t, 1, segmentCount(5*MB, 8))
	require.Equal(t, 1, segmentCount(50*MB, 8))   // under the 100MiB threshold
	require.Equal(t, 4, segmentCount(500*MB, 8))  // <=500MiB caps at 4
	require.Equal(t, 8, segmentCount(800*MB, 8))  // <=1GiB caps at 8
	require.Equal(t, 8, segmentCount(5*GB, 8))
	require.Equal(t, 3, segmentCount(5*GB, 3)) // caller cap wins
}

func TestSegmentCount_NeverExceedsCeiling(t *testing.T) {
	for _, size := range []int64{100 * MB, 300 * MB, 600 * MB, 2 * GB} {
		for ceiling := 1; ceiling <= 8; ceiling++ {
			n := segmentCount(size, ceiling)
			require.LessOrEqual(t, n, ceiling)
			require.GreaterOrEqual(t, n, 1)
		}
	}
}

func TestPlanSegments_CoversWholeFileWithNoGapsOrOverlap(t *testing.T) {
	segs := planSegments(1000, 4)
	var covered int64
	for i, s := range segs {
		require.Equal(t, i, s.Index)
		require.Equal(t, covered, s.Start)
		covered = s.End + 1
	}
	require.Equal(t, int64(1000), covered)
}
