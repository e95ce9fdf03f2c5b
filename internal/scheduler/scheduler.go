// Package scheduler periodically advances group cycles that have reached
// their contribution date.
package scheduler

import (
	"context"
	stderrors "errors"
	"log"
	"time"

	"github.com/osusuhq/osusu/internal/circle/allocation"
	circleapp "github.com/osusuhq/osusu/internal/circle/app"
	"github.com/osusuhq/osusu/internal/platform/errors"
	"github.com/osusuhq/osusu/internal/platform/timeouts"
)

// Scheduler polls for due groups and advances their cycles. Groups with
// incomplete contributions or held locks are skipped and retried on the
// next tick.
type Scheduler struct {
	circles  *circleapp.Service
	interval time.Duration
	clock    func() time.Time
}

// New creates a scheduler polling at the given interval.
func New(circles *circleapp.Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = timeouts.SchedulerTick
	}
	return &Scheduler{
		circles:  circles,
		interval: interval,
		clock:    time.Now,
	}
}

// RunOnce advances every due group and returns how many cycles moved.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	groups, err := s.circles.ListDueGroups(ctx, s.clock())
	if err != nil {
		return 0, err
	}

	advanced := 0
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return advanced, err
		}
		err := s.circles.AdvanceCycle(ctx, group.ID)
		switch {
		case err == nil:
			advanced++
		case stderrors.Is(err, allocation.ErrIncompleteCycle):
			log.Printf("cycle skipped group_id=%s reason=incomplete_contributions", group.ID)
		case errors.CodeOf(err) == errors.CodeBusy:
			log.Printf("cycle skipped group_id=%s reason=busy", group.ID)
		default:
			log.Printf("cycle advance failed group_id=%s err=%v", group.ID, err)
		}
	}
	return advanced, nil
}

// Run polls until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if advanced, err := s.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("scheduler tick failed: %v", err)
			} else if advanced > 0 {
				log.Printf("scheduler tick advanced=%d", advanced)
			}
		}
	}
}
