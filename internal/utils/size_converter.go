package utils

import "github.com/dustin/go-humanize"

// ConvertBytesToHumanReadable renders a byte count the way status output and
// logs present it throughout the engine (e.g. "4.2 MB").
func ConvertBytesToHumanReadable(bytes int64) string {
	return humanize.Bytes(uint64(bytes))
}
