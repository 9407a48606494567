//go:build !unix

package guard

import (
	"context"
	"errors"

	"github.com/aschepis/backscratcher/relay/audit"
)

var errLocksUnsupported = errors.New("advisory locks are not supported on this platform; use the fingerprint guard strategy")

// LockChecker is unavailable on this platform.
type LockChecker struct{}

func NewLockChecker(string, ProcessInspector) *LockChecker {
	return &LockChecker{}
}

func (c *LockChecker) Self(context.Context) (*audit.Fingerprint, error) {
	return nil, nil
}

func (c *LockChecker) Claim(context.Context, string, *audit.Record, []audit.Record) (ClaimResult, error) {
	return ClaimResult{}, errLocksUnsupported
}
