package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nbworkflows/labflow/internal/substrate"
)

// Trigger is the periodic materializer: every poll interval it scans the
// schedule entries and fires the ones that are due. NextRun is persisted
// in the substrate, so a restart never re-fires an already-consumed slot.
type Trigger struct {
	dispatcher *Dispatcher
	sched      substrate.Scheduler
	interval   time.Duration
	logger     *slog.Logger
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewTrigger creates a trigger polling every interval.
func NewTrigger(d *Dispatcher, sched substrate.Scheduler, interval time.Duration, logger *slog.Logger) *Trigger {
	return &Trigger{
		dispatcher: d,
		sched:      sched,
		interval:   interval,
		logger:     logger.With("component", "trigger"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the trigger loop. Blocks until ctx is cancelled or Stop is
// called.
func (t *Trigger) Start(ctx context.Context) error {
	t.logger.Info("trigger started", "poll_interval", t.interval)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("trigger stopping (context cancelled)")
			close(t.doneCh)
			return ctx.Err()
		case <-t.stopCh:
			t.logger.Info("trigger stopping (stop called)")
			close(t.doneCh)
			return nil
		case <-ticker.C:
			if err := t.Tick(ctx, time.Now().UTC()); err != nil {
				t.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop shuts the trigger down and waits for the current tick to finish.
func (t *Trigger) Stop() error {
	close(t.stopCh)
	<-t.doneCh
	return nil
}

// Tick fires every entry whose NextRun has passed and rewrites its
// bookkeeping. Entries that cannot fire this tick are retried next tick;
// entries whose workflow vanished or was disabled evict themselves inside
// EnqueueWorkflow.
func (t *Trigger) Tick(ctx context.Context, now time.Time) error {
	entries, err := t.sched.List(ctx)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.NextRun.After(now) {
			continue
		}

		et, err := t.dispatcher.EnqueueWorkflow(ctx, e.ProjectID, e.ID)
		if err != nil {
			// Transient: leave NextRun untouched so the next tick retries.
			t.logger.Error("fire failed", "wfid", e.ID, "error", err)
			continue
		}
		if et == nil {
			// Cancelled; EnqueueWorkflow already removed the entry.
			continue
		}
		t.logger.Info("schedule fired", "wfid", e.ID, "execid", et.ExecID)

		if e.Left != nil {
			*e.Left--
			if *e.Left <= 0 {
				if err := t.sched.Remove(ctx, e.ID); err != nil {
					t.logger.Warn("exhausted entry removal failed", "wfid", e.ID, "error", err)
				}
				t.logger.Info("schedule exhausted", "wfid", e.ID)
				continue
			}
		}

		next, err := t.nextRun(e, now)
		if err != nil {
			t.logger.Error("next-run computation failed", "wfid", e.ID, "error", err)
			continue
		}
		e.NextRun = next
		if err := t.sched.Update(ctx, e); err != nil {
			t.logger.Warn("entry update failed", "wfid", e.ID, "error", err)
		}
	}
	return nil
}

func (t *Trigger) nextRun(e *substrate.Entry, now time.Time) (time.Time, error) {
	if e.Cron != "" {
		sched, err := cron.ParseStandard(e.Cron)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now), nil
	}
	return now.Add(e.Interval), nil
}
