package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/klingon-exchange/swapserver/pkg/logging"
)

// ExpireStale moves Created swaps older than the expiry grace period to
// Expired. Swaps whose hold invoice HTLC is held or whose funding is under
// way are left alone. It returns the number of swaps expired.
func (l *Ledger) ExpireStale(now time.Time) int {
	if l.cfg.ExpiryGrace <= 0 {
		return 0
	}
	expired := 0
	for _, e := range l.snapshot() {
		e.mu.Lock()
		rec := e.rec
		stale := rec.State == StateCreated && now.Sub(rec.CreatedAt) >= l.cfg.ExpiryGrace
		hash := rec.PaymentHash
		e.mu.Unlock()
		if !stale {
			continue
		}

		_, err := l.update(hash, func(e *entry) error {
			rec := e.rec
			if rec.State != StateCreated || rec.HTLCAccepted || rec.LockupTxHex != "" || e.funding {
				return errSkip
			}
			rec.FailureReason = fmt.Sprintf("no lockup within %s", l.cfg.ExpiryGrace)
			if err := l.transition(rec, StateExpired); err != nil {
				return err
			}
			if rec.Direction == DirectionNormal {
				l.cancelInvoice(rec.PaymentHash)
			}
			expired++
			return nil
		})
		if err != nil {
			l.log.Warn("Failed to expire swap", "hash", hash, "error", err)
		}
	}
	return expired
}

// Prune drops terminal swaps last updated before now - PruneAfter from
// memory and storage. Swaps with an action in flight are kept. It returns
// the number of swaps removed.
func (l *Ledger) Prune(now time.Time) int {
	if l.cfg.PruneAfter <= 0 {
		return 0
	}
	pruned := 0
	for _, e := range l.snapshot() {
		e.mu.Lock()
		rec := e.rec
		if !rec.State.IsTerminal() || now.Sub(rec.UpdatedAt) < l.cfg.PruneAfter ||
			e.inflight.Load() > 0 {
			e.mu.Unlock()
			continue
		}
		hash := rec.PaymentHash

		if l.cfg.Store != nil {
			if err := l.cfg.Store.DeleteSwap(hash); err != nil {
				l.log.Error("Failed to delete pruned swap", "hash", rec.ID(), "error", err)
				e.mu.Unlock()
				continue
			}
		}
		l.mu.Lock()
		if l.entries[hash] == e {
			delete(l.entries, hash)
			pruned++
		}
		l.mu.Unlock()
		e.mu.Unlock()
	}
	return pruned
}

// Scheduler runs the periodic ledger maintenance jobs.
type Scheduler struct {
	ledger    *Ledger
	scheduler *gocron.Scheduler
	log       *logging.Logger
}

// SchedulerConfig sets the job intervals.
type SchedulerConfig struct {
	PruneInterval time.Duration
	PairsRefresh  time.Duration
}

// NewScheduler registers the expiry, pruning and pair refresh jobs.
func NewScheduler(ledger *Ledger, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.PruneInterval <= 0 || cfg.PairsRefresh <= 0 {
		return nil, fmt.Errorf("scheduler intervals must be positive")
	}
	s := &Scheduler{
		ledger:    ledger,
		scheduler: gocron.NewScheduler(time.UTC),
		log:       logging.GetDefault().Component("pruner"),
	}
	s.scheduler.SingletonModeAll()

	if _, err := s.scheduler.Every(cfg.PruneInterval).WaitForSchedule().Do(s.maintain); err != nil {
		return nil, fmt.Errorf("failed to schedule pruning: %w", err)
	}
	if _, err := s.scheduler.Every(cfg.PairsRefresh).Do(s.refreshPairs); err != nil {
		return nil, fmt.Errorf("failed to schedule pair refresh: %w", err)
	}
	return s, nil
}

// Start runs the jobs in the background.
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops all jobs.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

func (s *Scheduler) maintain() {
	now := s.ledger.cfg.Now()
	expired := s.ledger.ExpireStale(now)
	pruned := s.ledger.Prune(now)
	if expired > 0 || pruned > 0 {
		s.log.Info("Ledger maintenance", "expired", expired, "pruned", pruned, "remaining", s.ledger.Count())
	}
}

func (s *Scheduler) refreshPairs() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.ledger.Pairs().Refresh(ctx); err != nil {
		s.log.Debug("Pair refresh failed", "error", err)
	}
}
