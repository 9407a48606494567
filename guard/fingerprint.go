package guard

import (
	"context"
	"fmt"

	"github.com/aschepis/backscratcher/relay/audit"
)

// FingerprintChecker decides ownership by scanning peers and asking the OS whether
// their owning processes still run.
//
// A live peer blocks a new attempt when it is older than the new attempt or already
// in progress. Younger pending peers are ignored so that two simultaneous admissions
// cannot reject each other.
type FingerprintChecker struct {
	inspector ProcessInspector
}

func NewFingerprintChecker(inspector ProcessInspector) *FingerprintChecker {
	return &FingerprintChecker{inspector: inspector}
}

// Self returns the current process fingerprint. Failure is fatal for this strategy.
func (c *FingerprintChecker) Self(ctx context.Context) (*audit.Fingerprint, error) {
	fp, err := c.inspector.Self(ctx)
	if err != nil {
		return nil, err
	}
	if !fp.Valid() {
		return nil, fmt.Errorf("incomplete process fingerprint %+v", fp)
	}
	return &fp, nil
}

func (c *FingerprintChecker) Claim(ctx context.Context, _ string, self *audit.Record, peers []audit.Record) (ClaimResult, error) {
	var res ClaimResult
	for i := range peers {
		peer := peers[i]
		if peer.Owner == nil || !peer.Owner.Valid() {
			continue
		}
		alive, err := c.inspector.Alive(ctx, *peer.Owner)
		if err != nil {
			return ClaimResult{}, err
		}
		if !alive {
			res.Dead = append(res.Dead, peer)
			continue
		}
		if peer.ID < self.ID || peer.Status == audit.StatusInProgress {
			res.Busy = true
			res.Blocker = &peer
			return res, nil
		}
	}
	return res, nil
}
