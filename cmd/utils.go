package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flasharr/bridge/internal/task"
)

func portFilePath() string {
	return filepath.Join(cfg.DataDir, "port")
}

func savePort(port int) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(portFilePath(), []byte(fmt.Sprintf("%d", port)), 0644)
}

func removePortFile() {
	os.Remove(portFilePath())
}

// readActivePort returns the port a running serve wrote to disk, or 0 if
// none is running (missing file, stale file, or nothing listening).
func readActivePort() int {
	data, err := os.ReadFile(portFilePath())
	if err != nil {
		return 0
	}
	var port int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &port); err != nil {
		return 0
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return 0
	}
	conn.Close()
	return port
}

// findAvailablePort scans upward from start for a port the process can bind.
func findAvailablePort(start int) (int, net.Listener) {
	for p := start; p < start+100; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err == nil {
			return p, ln
		}
	}
	return 0, nil
}

const defaultPortStart = 47111

func apiBaseURL() (string, error) {
	port := readActivePort()
	if port == 0 {
		return "", fmt.Errorf("no running engine found; start one with %q", "bridgectl serve")
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

func apiGet(path string, out any) error {
	base, err := apiBaseURL()
	if err != nil {
		return err
	}
	resp, err := http.Get(base + path)
	if err != nil {
		return fmt.Errorf("contacting engine: %w", err)
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func apiPost(path string, body any, out any) error {
	base, err := apiBaseURL()
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := http.Post(base+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("contacting engine: %w", err)
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func apiDelete(path string) error {
	base, err := apiBaseURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodDelete, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting engine: %w", err)
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, nil)
}

func decodeAPIResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var apiErr apiError
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("engine returned %s: %s", resp.Status, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type apiError struct {
	Error string `json:"error"`
}

// resolveTaskID lets the user pass an unambiguous ID prefix instead of the
// full UUID, the way the teacher's CLI resolves download IDs.
func resolveTaskID(prefix string) (string, error) {
	var tasks []task.Snapshot
	if err := apiGet("/tasks", &tasks); err != nil {
		return "", err
	}
	var matches []string
	for _, t := range tasks {
		if t.ID == prefix {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, prefix) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no task matches id %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("id %q is ambiguous, matches %d tasks", prefix, len(matches))
	}
}
