// Package guard admits at most one live execution attempt per correlation key.
//
// Every admission creates an audit record first, so rejected duplicates stay visible.
// Whether an older attempt is still alive is delegated to a LivenessChecker: the lock
// checker relies on a per-key flock, the fingerprint checker on the OS process table.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aschepis/backscratcher/relay/audit"
	"github.com/aschepis/backscratcher/relay/metrics"
	"github.com/rs/zerolog"
)

// ErrAlreadyClosed is returned when an attempt is closed a second time.
var ErrAlreadyClosed = errors.New("attempt already closed")

// ErrLivenessUnavailable wraps failures to inspect processes under the fingerprint
// strategy. The attempt is refused and recorded as failed.
var ErrLivenessUnavailable = errors.New("process liveness unavailable")

// Recorder is the subset of the audit store the guard needs.
type Recorder interface {
	Create(ctx context.Context, correlationKey, requestPayload string, owner *audit.Fingerprint) (*audit.Record, error)
	ListActive(ctx context.Context, correlationKey string, excludeID int64) ([]audit.Record, error)
	Transition(ctx context.Context, id int64, from []audit.Status, to audit.Status, comment string) (bool, error)
	Close(ctx context.Context, id int64, status audit.Status, response string, durationSeconds float64, comment string) (bool, error)
}

// Attempt is an audit record together with whatever the guard holds for it.
type Attempt struct {
	Record  *audit.Record
	Started time.Time

	release func() error
	closed  atomic.Bool
}

// ID returns the audit record id.
func (a *Attempt) ID() int64 { return a.Record.ID }

// Elapsed returns the time since admission.
func (a *Attempt) Elapsed() time.Duration { return time.Since(a.Started) }

// Guard admits and closes attempts.
type Guard struct {
	store   Recorder
	checker LivenessChecker
	logger  zerolog.Logger
}

func New(store Recorder, checker LivenessChecker, logger zerolog.Logger) *Guard {
	return &Guard{
		store:   store,
		checker: checker,
		logger:  logger.With().Str("component", "guard").Logger(),
	}
}

// Admit records a new attempt for key and decides whether it may run.
//
// The returned attempt is non-nil whenever its audit record was created. admitted is
// false when a live attempt already owns the key; that is not an error. Callers must
// Close every admitted attempt exactly once.
func (g *Guard) Admit(ctx context.Context, key, payload string) (*Attempt, bool, error) {
	self, selfErr := g.checker.Self(ctx)

	rec, err := g.store.Create(ctx, key, payload, self)
	if err != nil {
		metrics.IncAdmission("error")
		return nil, false, fmt.Errorf("create audit record: %w", err)
	}
	attempt := &Attempt{Record: rec, Started: time.Now()}
	log := g.logger.With().Str("correlation_key", key).Str("attempt_id", rec.AttemptID).Logger()

	if selfErr != nil {
		log.Error().Err(selfErr).Msg("cannot fingerprint current process")
		g.refuse(ctx, rec, "FAILED: Cannot get process start time - system error")
		metrics.IncAdmission("error")
		return attempt, false, fmt.Errorf("%w: %v", ErrLivenessUnavailable, selfErr)
	}

	peers, err := g.store.ListActive(ctx, key, rec.ID)
	if err != nil {
		g.refuse(ctx, rec, "FAILED: Cannot list active attempts - "+err.Error())
		metrics.IncAdmission("error")
		return attempt, false, fmt.Errorf("list active attempts: %w", err)
	}

	claim, err := g.checker.Claim(ctx, key, rec, peers)
	if err != nil {
		log.Error().Err(err).Msg("liveness check failed")
		g.refuse(ctx, rec, "FAILED: Cannot check process liveness - system error")
		metrics.IncAdmission("error")
		return attempt, false, fmt.Errorf("%w: %v", ErrLivenessUnavailable, err)
	}

	g.reap(ctx, log, claim.Dead, self)

	if claim.Busy {
		blocker := "unknown"
		if claim.Blocker != nil {
			blocker = fmt.Sprint(claim.Blocker.ID)
		}
		g.refuse(ctx, rec, "REJECTED: Another process is active (ID: "+blocker+")")
		log.Info().Str("blocker", blocker).Msg("attempt rejected, key is owned by a live attempt")
		metrics.IncAdmission("rejected")
		return attempt, false, nil
	}

	ok, err := g.store.Transition(ctx, rec.ID, []audit.Status{audit.StatusPending}, audit.StatusInProgress, "SUCCESS: Process started, ready to work")
	if err != nil || !ok {
		if claim.Release != nil {
			_ = claim.Release()
		}
		metrics.IncAdmission("error")
		if err == nil {
			err = fmt.Errorf("attempt %d left pending state before admission", rec.ID)
		}
		return attempt, false, fmt.Errorf("admit attempt: %w", err)
	}

	rec.Status = audit.StatusInProgress
	attempt.release = claim.Release
	log.Debug().Int64("request_log_id", rec.ID).Msg("attempt admitted")
	metrics.IncAdmission("admitted")
	return attempt, true, nil
}

// Close writes the terminal status of an admitted attempt and releases its claim.
// A second call returns ErrAlreadyClosed and changes nothing.
func (g *Guard) Close(ctx context.Context, a *Attempt, status audit.Status, response string, duration time.Duration) error {
	if a == nil {
		return errors.New("nil attempt")
	}
	if !a.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	defer func() {
		if a.release == nil {
			return
		}
		if err := a.release(); err != nil {
			g.logger.Warn().Err(err).Int64("request_log_id", a.ID()).Msg("failed to release attempt claim")
		}
	}()

	comment := "Process completed"
	if status == audit.StatusFailed {
		comment = "Process failed"
	}
	changed, err := g.store.Close(ctx, a.ID(), status, response, duration.Seconds(), comment)
	if err != nil {
		return fmt.Errorf("close attempt: %w", err)
	}
	if !changed {
		// Reaped by another process while running.
		g.logger.Warn().Int64("request_log_id", a.ID()).Str("status", string(status)).Msg("attempt was no longer in progress at close")
	}
	a.Record.Status = status
	return nil
}

func (g *Guard) refuse(ctx context.Context, rec *audit.Record, comment string) {
	if _, err := g.store.Transition(ctx, rec.ID, []audit.Status{audit.StatusPending}, audit.StatusFailed, comment); err != nil {
		g.logger.Error().Err(err).Int64("request_log_id", rec.ID).Msg("failed to record refusal")
		return
	}
	rec.Status = audit.StatusFailed
}

func (g *Guard) reap(ctx context.Context, log zerolog.Logger, dead []audit.Record, self *audit.Fingerprint) {
	killer := "unknown"
	if self != nil {
		killer = fmt.Sprint(self.PID)
	}
	n := 0
	for _, peer := range dead {
		ok, err := g.store.Transition(ctx, peer.ID, audit.NonTerminal, audit.StatusFailed,
			"Process marked as failed - not active in system (killed by process ID: "+killer+")")
		if err != nil {
			log.Warn().Err(err).Int64("stale_id", peer.ID).Msg("failed to reap stale attempt")
			continue
		}
		if ok {
			n++
			log.Info().Int64("stale_id", peer.ID).Msg("reaped stale attempt")
		}
	}
	metrics.AddReaped(n)
}
