package core

import (
	"context"

	"github.com/flasharr/bridge/internal/balancer"
)

// LinkResolver turns a caller-supplied host URL into a direct, fetchable
// URL plus whatever the resolver already knows about the target (filename,
// size). The host auth and page-scraping that a real resolver would need
// are out of scope here; only the interface the engine depends on lives in
// this module.
type LinkResolver interface {
	Resolve(ctx context.Context, hostURL string) (directURL, filename string, sizeBytes int64, err error)
}

// PassthroughResolver treats the submitted URL as already direct-fetchable,
// for callers that have no host-auth layer in front of the engine (e.g. the
// CLI pointed straight at a file server).
type PassthroughResolver struct{}

func (PassthroughResolver) Resolve(_ context.Context, hostURL string) (string, string, int64, error) {
	return hostURL, "", -1, nil
}

// StaticAccounts is the simplest possible balancer.AccountSource: a fixed
// list configured up front, for callers with no dynamic host-account store.
type StaticAccounts struct {
	accounts []balancer.Account
}

func NewStaticAccounts(accounts []balancer.Account) *StaticAccounts {
	return &StaticAccounts{accounts: accounts}
}

func (s *StaticAccounts) Accounts() []balancer.Account { return s.accounts }
