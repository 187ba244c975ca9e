// Package fetch implements the segmented HTTP downloader: a HEAD pre-flight,
// a fixed number of ranged-GET workers writing into a pre-allocated file,
// and a single-stream fallback for servers that don't support ranges.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flasharr/bridge/internal/ratelimit"
	"github.com/flasharr/bridge/internal/task"
	"github.com/flasharr/bridge/internal/utils"
)

// Kind classifies a fetch attempt's outcome so callers can switch on it
// instead of inspecting error strings.
type Kind int

const (
	Completed Kind = iota
	NeedsWait
	Transient
	Permanent
)

// Outcome is the tagged result of one fetch attempt.
type Outcome struct {
	Kind     Kind
	Err      error
	WaitFor  time.Duration // meaningful when Kind == NeedsWait
	Filename string        // meaningful when Kind == Completed
	FinalPath string
}

// Fetcher owns the pieces shared across every download: the rate limiter
// and the per-host 429 backoff registry.
type Fetcher struct {
	limiter     *ratelimit.Bucket
	backoffs    *backoffRegistry
	maxSegments int
	log         *slog.Logger
}

func New(limiter *ratelimit.Bucket, maxSegments int, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{limiter: limiter, backoffs: newBackoffRegistry(), maxSegments: maxSegments, log: log}
}

func newClient() *http.Client {
	return &http.Client{
		Timeout: 0, // per-request context deadlines govern duration, not a blanket client timeout
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   defaultMaxConnsPerHost,
			MaxConnsPerHost:       defaultMaxConnsPerHost,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: probeTimeout,
			ForceAttemptHTTP2:     false, // multiple ranged conns need independent TCP streams
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}
}

// Run performs one full fetch attempt: probe (with a smart-match short
// circuit), choose segmented or single-stream, download, and rename into
// place on success. It never retries internally -- the caller's state
// machine decides what an Outcome.Kind of NeedsWait/Transient/Permanent
// means for the task.
func (f *Fetcher) Run(ctx context.Context, client *http.Client, t *task.Task, destDir string) Outcome {
	if client == nil {
		client = newClient()
	}

	probeRes, err := Probe(ctx, client, t.URL)
	if err != nil {
		return classifyError(err)
	}
	if probeRes.FileSize < 0 {
		probeRes.FileSize = 0
	}
	if probeRes.FileSize == 0 {
		probeRes.SupportsRange = false
	}
	f.log.Debug("probe complete", "task", t.ID, "size", probeRes.FileSize, "ranges", probeRes.SupportsRange)

	filename := t.Filename
	if filename == "" {
		filename = filepath.Base(t.URL)
	}
	t.SetTotal(probeRes.FileSize)

	destPath := filepath.Join(destDir, filename)
	partPath := destPath + incompleteSuffix

	if probeRes.FileSize > 0 {
		if fi, err := os.Stat(destPath); err == nil && fi.Size() == probeRes.FileSize {
			// Smart-match: the destination already holds the exact expected
			// byte count. Declare the task complete without touching the
			// network again.
			t.AddDownloaded(probeRes.FileSize - t.Downloaded())
			return Outcome{Kind: Completed, Filename: filename, FinalPath: destPath}
		}
	}

	resuming := false
	if fi, err := os.Stat(partPath); err == nil && fi.Size() > 0 {
		resuming = true
		switch {
		case probeRes.FileSize > 0 && fi.Size() == probeRes.FileSize:
			// Already fully fetched under the partial name; just finalize.
			t.AddDownloaded(fi.Size() - t.Downloaded())
			if err := os.Rename(partPath, destPath); err != nil {
				return Outcome{Kind: Permanent, Err: fmt.Errorf("finalizing download: %w", err)}
			}
			return Outcome{Kind: Completed, Filename: filename, FinalPath: destPath}
		case probeRes.FileSize > 0 && fi.Size() > probeRes.FileSize:
			// Local is larger than remote: integrity mismatch, restart clean.
			if err := os.Truncate(partPath, 0); err != nil {
				return Outcome{Kind: Permanent, Err: fmt.Errorf("truncating stale partial: %w", err)}
			}
			t.AddDownloaded(-t.Downloaded())
			resuming = false
		default:
			t.AddDownloaded(fi.Size() - t.Downloaded())
		}
	}

	var outcome Outcome
	singleStream := !probeRes.SupportsRange || probeRes.FileSize <= 0 ||
		probeRes.FileSize < smallFileThreshold || f.maxSegments <= 1 || resuming
	if singleStream {
		outcome = f.runSingleStream(ctx, client, t, partPath)
	} else {
		outcome = f.runSegmented(ctx, client, t, partPath, probeRes.FileSize)
	}

	if outcome.Kind != Completed {
		return outcome
	}

	if outcome.Filename == "" {
		outcome.Filename = filename
	}
	if err := os.Rename(partPath, destPath); err != nil {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("finalizing download: %w", err)}
	}
	outcome.FinalPath = destPath
	return outcome
}

func (f *Fetcher) runSegmented(ctx context.Context, client *http.Client, t *task.Task, partPath string, fileSize int64) Outcome {
	host := hostOf(t.URL)
	backoff := f.backoffs.get(host)
	if wait := backoff.blockDuration(); wait > 0 {
		return Outcome{Kind: NeedsWait, WaitFor: wait}
	}

	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("creating partial file: %w", err)}
	}
	defer file.Close()
	if err := file.Truncate(fileSize); err != nil {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("preallocating: %w", err)}
	}

	n := segmentCount(fileSize, f.maxSegments)
	segs := planSegments(fileSize, n)
	t.SetSegments(segs, true)

	segCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.SetCancel(cancel)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, len(segs))
	for i, seg := range segs {
		wg.Add(1)
		go func(i int, seg *task.Segment) {
			defer wg.Done()
			outcomes[i] = f.downloadSegment(segCtx, client, t, file, seg, backoff)
		}(i, seg)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.Kind != Completed {
			return o
		}
	}
	backoff.reportSuccess()
	return Outcome{Kind: Completed}
}

func planSegments(fileSize int64, n int) []*task.Segment {
	segs := make([]*task.Segment, 0, n)
	chunk := fileSize / int64(n)
	chunk -= chunk % alignSize
	if chunk == 0 {
		chunk = alignSize
	}

	var offset int64
	for i := 0; i < n; i++ {
		end := offset + chunk - 1
		if i == n-1 || end >= fileSize-1 {
			end = fileSize - 1
		}
		segs = append(segs, &task.Segment{Index: i, Start: offset, End: end})
		offset = end + 1
		if offset >= fileSize {
			break
		}
	}
	return segs
}

func (f *Fetcher) downloadSegment(ctx context.Context, client *http.Client, t *task.Task, file *os.File, seg *task.Segment, backoff *hostBackoff) Outcome {
	start := seg.Start + seg.Downloaded
	if start > seg.End {
		return Outcome{Kind: Completed}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return Outcome{Kind: Permanent, Err: err}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, seg.End))

	resp, err := client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// proceed
	case http.StatusTooManyRequests:
		wait := backoff.handle429(resp)
		return Outcome{Kind: NeedsWait, WaitFor: wait}
	case http.StatusRequestedRangeNotSatisfiable:
		return Outcome{Kind: Permanent, Err: fmt.Errorf("416 range not satisfiable for segment %d", seg.Index)}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return Outcome{Kind: Transient, Err: fmt.Errorf("server status %d", resp.StatusCode)}
	default:
		return Outcome{Kind: Permanent, Err: fmt.Errorf("unexpected status %d for segment %d", resp.StatusCode, seg.Index)}
	}

	buf := make([]byte, workerBuffer)
	offset := start
	for offset <= seg.End {
		if err := waitWhilePaused(ctx, t); err != nil {
			return classifyError(err)
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if err := f.limiter.Consume(ctx, n); err != nil {
				return Outcome{Kind: Transient, Err: err}
			}
			if _, werr := file.WriteAt(buf[:n], offset); werr != nil {
				return Outcome{Kind: Permanent, Err: fmt.Errorf("writing segment %d: %w", seg.Index, werr)}
			}
			offset += int64(n)
			seg.Downloaded += int64(n)
			t.AddDownloaded(int64(n))
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return classifyError(rerr)
		}
	}

	return Outcome{Kind: Completed}
}

func (f *Fetcher) runSingleStream(ctx context.Context, client *http.Client, t *task.Task, partPath string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return Outcome{Kind: Permanent, Err: err}
	}
	if t.Downloaded() > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.Downloaded()))
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		// A 416 on a resume attempt means the server agrees we already have
		// every byte; there is nothing left to fetch.
		return Outcome{Kind: Completed}
	case http.StatusTooManyRequests:
		backoff := f.backoffs.get(hostOf(t.URL))
		return Outcome{Kind: NeedsWait, WaitFor: backoff.handle429(resp)}
	case http.StatusNotFound, http.StatusGone:
		return Outcome{Kind: Permanent, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return Outcome{Kind: Transient, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return Outcome{Kind: Permanent, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if resp.ContentLength > 0 {
		t.SetTotal(t.Downloaded() + resp.ContentLength)
	}

	filename, body, err := utils.DetermineFilename(t.URL, resp)
	if err != nil {
		return Outcome{Kind: Permanent, Err: err}
	}

	header := make([]byte, 512)
	n, _ := io.ReadFull(body, header)
	header = header[:n]
	if utils.LooksLikeHTML(header) {
		return Outcome{Kind: Permanent, Err: errors.New("response body looks like an HTML page, not the expected file")}
	}
	body = io.MultiReader(newHeaderReplay(header), body)

	flags := os.O_CREATE | os.O_WRONLY
	if t.Downloaded() > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(partPath, flags, 0644)
	if err != nil {
		return Outcome{Kind: Permanent, Err: err}
	}
	defer file.Close()

	buf := make([]byte, workerBuffer)
	for {
		if err := waitWhilePaused(ctx, t); err != nil {
			return classifyError(err)
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := f.limiter.Consume(ctx, n); err != nil {
				return Outcome{Kind: Transient, Err: err}
			}
			if _, werr := file.Write(buf[:n]); werr != nil {
				return Outcome{Kind: Permanent, Err: werr}
			}
			t.AddDownloaded(int64(n))
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return classifyError(rerr)
		}
	}

	return Outcome{Kind: Completed, Filename: filename}
}

// waitWhilePaused cooperatively blocks a chunk loop while the task's pause
// flag is set, waking on resume or on ctx cancellation (pause's own cancel,
// or an unrelated cancel/shutdown).
func waitWhilePaused(ctx context.Context, t *task.Task) error {
	for t.IsPaused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pausePollInterval):
		}
	}
	return nil
}

// errLinkGone marks a probe that got 404/410: the file is gone for good.
var errLinkGone = errors.New("link gone")

func classifyError(err error) Outcome {
	if errors.Is(err, errLinkGone) {
		return Outcome{Kind: Permanent, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Outcome{Kind: Transient, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return Outcome{Kind: Permanent, Err: err}
	}
	return Outcome{Kind: Transient, Err: err}
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	return u.Host
}

type headerReplay struct {
	data []byte
	pos  int
}

func newHeaderReplay(data []byte) *headerReplay { return &headerReplay{data: data} }

func (h *headerReplay) Read(p []byte) (int, error) {
	if h.pos >= len(h.data) {
		return 0, io.EOF
	}
	n := copy(p, h.data[h.pos:])
	h.pos += n
	return n, nil
}
