// Package utils holds small helpers shared across the engine that don't
// belong to any one component: filename derivation and content sniffing.
package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"
)

// DetermineFilename extracts the filename for a download from a URL and its
// HTTP response, in order of preference: Content-Disposition, a filename/file
// query parameter, the URL path, then a generic fallback. It returns the
// filename, a reader that replays any header bytes consumed during magic-byte
// sniffing ahead of the rest of the body, and an error only on malformed input.
func DetermineFilename(rawurl string, resp *http.Response) (string, io.Reader, error) {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return "", nil, err
	}

	var candidate string
	if _, name, err := httpheader.ContentDisposition(resp.Header); err == nil && name != "" {
		candidate = name
	}
	if candidate == "" {
		q := parsed.Query()
		if name := q.Get("filename"); name != "" {
			candidate = name
		} else if name := q.Get("file"); name != "" {
			candidate = name
		}
	}
	if candidate == "" {
		candidate = filepath.Base(parsed.Path)
	}

	filename := sanitizeFilename(candidate)

	header := make([]byte, 512)
	n, rerr := io.ReadFull(resp.Body, header)
	if rerr != nil {
		if rerr == io.ErrUnexpectedEOF || rerr == io.EOF {
			header = header[:n]
		} else {
			return "", nil, fmt.Errorf("reading header bytes: %w", rerr)
		}
	} else {
		header = header[:n]
	}
	body := io.MultiReader(bytes.NewReader(header), resp.Body)

	if candidate == "." && looksLikeZipLocalHeader(header) {
		nameLen := int(binary.LittleEndian.Uint16(header[26:28]))
		start := 30
		end := start + nameLen
		if end <= len(header) {
			if zipName := string(header[start:end]); zipName != "" {
				filename = filepath.Base(zipName)
			}
		}
	}

	if filepath.Ext(filename) == "" {
		if kind, _ := filetype.Match(header); kind != filetype.Unknown && kind.Extension != "" {
			filename = filename + "." + kind.Extension
		}
	}

	if filename == "" || filename == "." || filename == "/" {
		filename = "download.bin"
	}

	return filename, body, nil
}

func looksLikeZipLocalHeader(header []byte) bool {
	return len(header) >= 30 && bytes.HasPrefix(header, []byte{0x50, 0x4B, 0x03, 0x04})
}

// LooksLikeHTML reports whether a response body that was expected to be a
// binary download instead looks like an HTML error/landing page — the
// protocol-mismatch case the fetcher treats as a permanent failure rather
// than retrying it as a transient one.
func LooksLikeHTML(header []byte) bool {
	mime := http.DetectContentType(header)
	if strings.HasPrefix(mime, "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(bytes.ToLower(header))
	return bytes.HasPrefix(trimmed, []byte("<!doctype html")) || bytes.HasPrefix(trimmed, []byte("<html"))
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." {
		return name
	}
	if name == "/" || name == "\\" {
		return "_"
	}
	name = strings.TrimSpace(name)
	for _, bad := range []string{"/", ":", "*", "?", "\"", "<", ">", "|"} {
		name = strings.ReplaceAll(name, bad, "_")
	}
	return name
}
