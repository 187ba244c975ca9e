package core

import "github.com/flasharr/bridge/internal/balancer"

// Stats is the engine's aggregate snapshot, returned by GetStats and also
// published to the event bus on the scheduler's tick.
type Stats struct {
	Active      int              `json:"active"`
	Queued      int              `json:"queued"`
	Waiting     int              `json:"waiting"`
	Paused      int              `json:"paused"`
	Finished    int              `json:"finished"`
	Failed      int              `json:"failed"`
	TotalBytes  int64            `json:"total_bytes"`
	Accounts    []balancer.Status `json:"accounts"`
	RateEnabled bool             `json:"rate_enabled"`
}
