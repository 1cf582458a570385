// Package sweep implements lazy TTL eviction: deciding when a sweep
// is due, scanning metadata for expired blobs and removing them
// best-effort.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/xerrors"
)

// Candidate is the expiry view of one stored blob.
type Candidate struct {
	ID        string
	ExpiresAt *time.Time
}

// Target is the storage surface a Sweeper operates on.
type Target interface {
	// Candidates lists the expiry view of every stored blob.
	Candidates(ctx context.Context) ([]Candidate, error)
	// EnsureAbsent removes the payload and metadata pair for id.
	// Removing an already absent blob must succeed.
	EnsureAbsent(ctx context.Context, id string) error
}

// Failure records one identifier a sweep could not remove.
type Failure struct {
	ID  string
	Err error
}

// PartialError carries the identifiers a sweep failed to remove. The
// rest of the batch was still processed.
type PartialError struct {
	Failures []Failure
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d blobs failed to clean up", len(e.Failures))
}

// IDs returns the failed identifiers.
func (e *PartialError) IDs() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.ID)
	}
	return out
}

// Report summarizes one sweep pass.
type Report struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// ShouldRun reports whether a sweep is due. A zero lastRun means none
// has happened yet and one is always due.
func ShouldRun(lastRun time.Time, interval time.Duration, now time.Time) bool {
	if lastRun.IsZero() {
		return true
	}
	return now.Sub(lastRun) >= interval
}

// ScanExpired returns the identifiers whose expiry is at or before
// now. Blobs without an expiry never qualify.
func ScanExpired(candidates []Candidate, now time.Time) []string {
	var out []string
	for _, c := range candidates {
		if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			out = append(out, c.ID)
		}
	}
	return out
}

// Options configures a Sweeper.
type Options struct {
	Target   Target
	Interval time.Duration
	Now      func() time.Time
	Logger   func(format string, args ...any)
}

// Sweeper runs expiry sweeps against a Target. The last-run marker is
// explicit Sweeper state, never a package global, so tests drive
// scheduling deterministically through the injected clock.
type Sweeper struct {
	target   Target
	interval time.Duration
	now      func() time.Time
	logf     func(string, ...any)

	mu      sync.Mutex
	lastRun time.Time
}

// NewSweeper wires a sweeper to its target.
func NewSweeper(opts Options) *Sweeper {
	logf := opts.Logger
	if logf == nil {
		logf = log.Printf
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		target:   opts.Target,
		interval: opts.Interval,
		now:      now,
		logf:     logf,
	}
}

// LastRun returns when the most recent sweep completed, zero when
// none has run.
func (s *Sweeper) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// MaybeSweep runs a sweep when the configured interval has elapsed
// since the last one. A non-positive interval disables opportunistic
// sweeping entirely. The boolean reports whether a sweep ran.
func (s *Sweeper) MaybeSweep(ctx context.Context) (Report, bool, error) {
	if s.interval <= 0 {
		return Report{}, false, nil
	}
	s.mu.Lock()
	due := ShouldRun(s.lastRun, s.interval, s.now())
	s.mu.Unlock()
	if !due {
		return Report{}, false, nil
	}
	report, err := s.Sweep(ctx)
	return report, true, err
}

// Sweep scans for expired blobs and removes them. The last-run marker
// advances on completion, partial completion included.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	if s.target == nil {
		return Report{}, fmt.Errorf("sweeper missing target")
	}
	candidates, err := s.target.Candidates(ctx)
	if err != nil {
		return Report{}, err
	}
	report, err := s.Cleanup(ctx, ScanExpired(candidates, s.now()))
	report.Scanned = len(candidates)
	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()
	return report, err
}

// Cleanup removes the given blobs best-effort. Per-identifier
// failures are collected into a PartialError; one bad entry never
// blocks the rest of the batch.
func (s *Sweeper) Cleanup(ctx context.Context, ids []string) (Report, error) {
	report := Report{Expired: len(ids)}
	var failures []Failure
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			failures = append(failures, Failure{ID: id, Err: err})
			continue
		}
		if err := s.target.EnsureAbsent(ctx, id); err != nil {
			s.logf("sweep: remove %s: %v", id, err)
			failures = append(failures, Failure{ID: id, Err: err})
			continue
		}
		report.Removed++
	}
	report.Failed = len(failures)
	if len(failures) > 0 {
		return report, xerrors.Wrap(xerrors.KindPartialSweep, "sweep.Cleanup", "", &PartialError{Failures: failures})
	}
	return report, nil
}

// Start launches a background sweep loop until ctx is canceled or the
// returned cancel runs. Long-running servers use this; the engine
// itself only sweeps opportunistically.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) && s.logf != nil {
				s.logf("sweep: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
