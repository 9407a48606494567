//go:build unix

package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aschepis/backscratcher/relay/audit"
	"golang.org/x/sys/unix"
)

// LockChecker owns a key by holding a non-blocking exclusive flock on a file derived
// from it. The kernel drops the lock when the holder exits, so a crashed owner never
// blocks later attempts.
type LockChecker struct {
	dir       string
	inspector ProcessInspector
	// pendingGrace is how long a pending peer without a usable fingerprint may stay
	// pending before it counts as abandoned.
	pendingGrace time.Duration
}

const defaultPendingGrace = time.Minute

// NewLockChecker returns a checker keeping its lock files in dir. inspector tags
// attempts with a fingerprint and checks pending peers; it may be nil.
func NewLockChecker(dir string, inspector ProcessInspector) *LockChecker {
	return &LockChecker{dir: dir, inspector: inspector, pendingGrace: defaultPendingGrace}
}

// Self returns the current process fingerprint when it can be read. Failure is not
// fatal under this strategy.
func (c *LockChecker) Self(ctx context.Context) (*audit.Fingerprint, error) {
	if c.inspector == nil {
		return nil, nil
	}
	fp, err := c.inspector.Self(ctx)
	if err != nil || !fp.Valid() {
		return nil, nil //nolint:nilerr // fingerprint is informational here
	}
	return &fp, nil
}

// Claim takes the key's lock. While it is held, in-progress peers cannot have a live
// owner and are reported dead. A pending peer is reported dead only when it was
// abandoned before claiming; live pending peers are still deciding.
func (c *LockChecker) Claim(ctx context.Context, key string, _ *audit.Record, peers []audit.Record) (ClaimResult, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return ClaimResult{}, fmt.Errorf("create lock dir: %w", err)
	}
	path := lockPath(c.dir, key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ClaimResult{Busy: true, Blocker: firstInProgress(peers)}, nil
		}
		return ClaimResult{}, fmt.Errorf("lock %s: %w", path, err)
	}

	res := ClaimResult{
		Release: func() error {
			unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
			closeErr := f.Close()
			return errors.Join(unlockErr, closeErr)
		},
	}
	for _, peer := range peers {
		switch peer.Status {
		case audit.StatusInProgress:
			res.Dead = append(res.Dead, peer)
		case audit.StatusPending:
			if c.abandoned(ctx, peer) {
				res.Dead = append(res.Dead, peer)
			}
		}
	}
	return res, nil
}

// abandoned reports whether a pending peer's process died between creating the row
// and claiming the key. Without a fingerprint only age can tell.
func (c *LockChecker) abandoned(ctx context.Context, peer audit.Record) bool {
	if peer.Owner != nil && peer.Owner.Valid() && c.inspector != nil {
		alive, err := c.inspector.Alive(ctx, *peer.Owner)
		return err == nil && !alive
	}
	return !peer.CreatedAt.IsZero() && time.Since(peer.CreatedAt) > c.pendingGrace
}

func firstInProgress(peers []audit.Record) *audit.Record {
	for i := range peers {
		if peers[i].Status == audit.StatusInProgress {
			return &peers[i]
		}
	}
	if len(peers) > 0 {
		return &peers[0]
	}
	return nil
}
