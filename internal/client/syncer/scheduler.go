package syncer

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/logging"
)

// DefaultInterval is how often a non-empty queue is retried without any
// other trigger.
const DefaultInterval = 30 * time.Second

// Scheduler serializes sync triggers into coordinator drain cycles.
// Triggers that arrive while a cycle runs are coalesced into one follow-up
// cycle, so changes queued meanwhile are not left behind.
type Scheduler struct {
	coord    *Coordinator
	interval time.Duration
	trigger  chan struct{}
	log      logging.Logger
}

func NewScheduler(coord *Coordinator, interval time.Duration, logger logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		coord:    coord,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		log:      logger.With("module", "scheduler"),
	}
}

// Trigger requests a drain cycle without waiting for it.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes triggered cycles until ctx is done. The interval timer only
// fires a cycle while changes are pending.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		case <-ticker.C:
			if s.coord.PendingChanges() == 0 {
				continue
			}
		}
		if err := s.coord.TriggerSync(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn(ctx, "scheduled sync failed", "error", err)
		}
	}
}
