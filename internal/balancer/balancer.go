// Package balancer round-robins download work across a pool of host
// accounts, tracking per-account health and enforcing a concurrency cap.
package balancer

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Account is the narrow view of a host account the balancer manages.
type Account struct {
	Email string
	Client *http.Client
}

// AccountSource supplies the current set of usable accounts. It is the
// collaborator interface standing in for the excluded host-auth surface.
type AccountSource interface {
	Accounts() []Account
}

// Status is the balancer's live view of one account.
type Status struct {
	Email              string
	Available          bool
	CurrentDownloads   int
	TotalDownloads     int
	QuotaExceeded      bool
	QuotaResetAt       time.Time
	LastError          string
	LastUsed           time.Time
	ConsecutiveFailures int

	client *http.Client
	sem    chan struct{}
}

// ErrNoAccountAvailable is returned by Acquire when every known account is
// disabled, quota-exhausted, or at its concurrency cap.
var ErrNoAccountAvailable = errors.New("balancer: no account available")

const failureDisableThreshold = 3

// Balancer is the round-robin pool described above.
type Balancer struct {
	source AccountSource
	maxPerAccount int

	mu           sync.Mutex
	order        []string
	status       map[string]*Status
	currentIndex int
}

func New(source AccountSource, maxDownloadsPerAccount int) *Balancer {
	if maxDownloadsPerAccount <= 0 {
		maxDownloadsPerAccount = 2
	}
	return &Balancer{
		source:        source,
		maxPerAccount: maxDownloadsPerAccount,
		status:        make(map[string]*Status),
	}
}

// refresh adds newly-seen accounts and drops ones no longer reported by the
// source, mirroring a host account list that changes at runtime.
func (b *Balancer) refresh() {
	current := b.source.Accounts()
	seen := make(map[string]bool, len(current))

	for _, acc := range current {
		seen[acc.Email] = true
		if _, ok := b.status[acc.Email]; !ok {
			b.status[acc.Email] = &Status{
				Email:     acc.Email,
				Available: true,
				client:    acc.Client,
				sem:       make(chan struct{}, b.maxPerAccount),
			}
			b.order = append(b.order, acc.Email)
		}
	}

	filtered := b.order[:0]
	for _, email := range b.order {
		if seen[email] {
			filtered = append(filtered, email)
		} else {
			delete(b.status, email)
		}
	}
	b.order = filtered
}

// Acquire returns the next available account's email and client in
// round-robin order, skipping unavailable, quota-exhausted, or
// concurrency-capped accounts. It reactivates accounts whose quota window
// has elapsed.
func (b *Balancer) Acquire() (string, *http.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	if len(b.order) == 0 {
		return "", nil, ErrNoAccountAvailable
	}

	for i := 0; i < len(b.order); i++ {
		idx := (b.currentIndex + i) % len(b.order)
		email := b.order[idx]
		st := b.status[email]

		if st.QuotaExceeded && !st.QuotaResetAt.IsZero() && time.Now().After(st.QuotaResetAt) {
			st.QuotaExceeded = false
			st.QuotaResetAt = time.Time{}
		}
		if !st.Available || st.QuotaExceeded {
			continue
		}

		select {
		case st.sem <- struct{}{}:
		default:
			continue // at its concurrency cap
		}

		st.CurrentDownloads++
		st.TotalDownloads++
		st.LastUsed = time.Now()
		b.currentIndex = (idx + 1) % len(b.order)
		return email, st.client, nil
	}

	return "", nil, ErrNoAccountAvailable
}

// Release returns an account's concurrency slot and records the outcome.
// A nil err is a success; a non-nil err's message is pattern-matched for
// quota/ban phrases, mirroring the host's plain-text error conventions.
func (b *Balancer) Release(email string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.status[email]
	if !ok {
		return
	}
	select {
	case <-st.sem:
	default:
	}
	if st.CurrentDownloads > 0 {
		st.CurrentDownloads--
	}

	if err == nil {
		st.ConsecutiveFailures = 0
		st.LastError = ""
		return
	}

	msg := strings.ToLower(err.Error())
	st.LastError = err.Error()

	switch {
	case strings.Contains(msg, "quota"):
		st.QuotaExceeded = true
		st.QuotaResetAt = time.Now().Add(24 * time.Hour)
	case strings.Contains(msg, "banned"), strings.Contains(msg, "suspended"), strings.Contains(msg, "invalid"):
		st.Available = false
	default:
		st.ConsecutiveFailures++
		if st.ConsecutiveFailures >= failureDisableThreshold {
			st.Available = false
		}
	}
}

// Snapshot returns a copy of every tracked account's status, for stats
// reporting.
func (b *Balancer) Snapshot() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	out := make([]Status, 0, len(b.order))
	for _, email := range b.order {
		st := *b.status[email]
		st.client = nil
		st.sem = nil
		out = append(out, st)
	}
	return out
}
