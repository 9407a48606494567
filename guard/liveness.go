package guard

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aschepis/backscratcher/relay/audit"
	"github.com/aschepis/backscratcher/relay/config"
	"github.com/shirou/gopsutil/v4/process"
)

// ClaimResult is a LivenessChecker's verdict for one admission.
type ClaimResult struct {
	// Busy is set when a live attempt already owns the key.
	Busy bool
	// Blocker is the peer that owns the key, when it is known.
	Blocker *audit.Record
	// Dead lists peers whose owner is gone and which should be reaped.
	Dead []audit.Record
	// Release gives up whatever the claim holds. It is nil when nothing is held.
	Release func() error
}

// LivenessChecker decides whether a new attempt may own a correlation key.
type LivenessChecker interface {
	// Self returns the fingerprint stored on new attempts. A nil fingerprint with a nil
	// error means the checker does not need one.
	Self(ctx context.Context) (*audit.Fingerprint, error)

	// Claim tries to take ownership of key for self. peers are the other non-terminal
	// attempts for the same key, oldest first.
	Claim(ctx context.Context, key string, self *audit.Record, peers []audit.Record) (ClaimResult, error)
}

// ProcessInspector answers questions about OS processes.
type ProcessInspector interface {
	Self(ctx context.Context) (audit.Fingerprint, error)
	Alive(ctx context.Context, fp audit.Fingerprint) (bool, error)
}

// SystemInspector reads the host process table.
type SystemInspector struct{}

// Self returns the fingerprint of the current process.
func (SystemInspector) Self(ctx context.Context) (audit.Fingerprint, error) {
	pid := os.Getpid()
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return audit.Fingerprint{}, fmt.Errorf("inspect self: %w", err)
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return audit.Fingerprint{}, fmt.Errorf("process start time: %w", err)
	}
	return audit.Fingerprint{PID: pid, StartTime: created}, nil
}

// Alive reports whether a process with fp's PID runs and was started at fp's start
// time. A matching PID with a different start time is a reused PID and counts as dead.
func (SystemInspector) Alive(ctx context.Context, fp audit.Fingerprint) (bool, error) {
	exists, err := process.PidExistsWithContext(ctx, int32(fp.PID))
	if err != nil {
		return false, fmt.Errorf("check pid %d: %w", fp.PID, err)
	}
	if !exists {
		return false, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(fp.PID))
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect pid %d: %w", fp.PID, err)
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("start time of pid %d: %w", fp.PID, err)
	}
	return created == fp.StartTime, nil
}

// NewChecker builds the checker named by strategy.
func NewChecker(strategy, lockDir string) (LivenessChecker, error) {
	switch strategy {
	case "", config.GuardStrategyLock:
		return NewLockChecker(lockDir, SystemInspector{}), nil
	case config.GuardStrategyFingerprint:
		return NewFingerprintChecker(SystemInspector{}), nil
	default:
		return nil, fmt.Errorf("unknown guard strategy %q", strategy)
	}
}
