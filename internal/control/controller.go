// Package control is the surface the presentation layer talks to: a
// read-only status view over settings plus transient run state, and
// intent forwarding to the settings manager and the scheduler. Every
// setter persists first, then re-evaluates the schedule, so changes
// apply without a restart.
package control

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opencivic/civic-sync/internal/scheduler"
	"github.com/opencivic/civic-sync/internal/settings"
	"github.com/opencivic/civic-sync/internal/syncer"
)

// Schedule is the subset of the scheduler the controller drives.
// *scheduler.Scheduler satisfies this interface.
type Schedule interface {
	SchedulePeriodic()
	CancelPeriodic()
	RunOnce()
	HasScheduledWork() bool
}

// Status is the read-only view published to the presentation layer.
type Status struct {
	Enabled          bool   `json:"enabled"`
	AutoSync         bool   `json:"autoSync"`
	FrequencyMinutes int    `json:"frequencyMinutes"`
	WifiOnly         bool   `json:"wifiOnly"`
	LastSyncAt       int64  `json:"lastSyncAt"`
	Scheduled        bool   `json:"scheduled"`
	Syncing          bool   `json:"syncing"`
	LastSyncOK       bool   `json:"lastSyncOk"`
	LastSyncError    string `json:"lastSyncError,omitempty"`
}

// Controller combines settings and transient run state.
type Controller struct {
	config *settings.Manager
	logger *slog.Logger

	mu            sync.Mutex
	sched         Schedule
	syncing       bool
	lastOK        bool
	lastError     string
	manualPending bool
	watchers      []chan Status
}

// New creates a controller. AttachScheduler must be called before any
// intent is forwarded.
func New(cfg *settings.Manager, logger *slog.Logger) *Controller {
	return &Controller{config: cfg, logger: logger}
}

// AttachScheduler wires the scheduler the controller forwards to.
// Separate from New because the scheduler's runner is the controller's
// recording wrapper, so the two are constructed in sequence.
func (c *Controller) AttachScheduler(s Schedule) {
	c.mu.Lock()
	c.sched = s
	c.mu.Unlock()
}

// Wrap returns a runner that records run state around inner. Pass the
// syncer through this when building the scheduler.
func (c *Controller) Wrap(inner scheduler.Runner) scheduler.Runner {
	return &recordingRunner{controller: c, inner: inner}
}

// Status returns the current combined view.
func (c *Controller) Status() Status {
	cfg := c.config.Get()

	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Enabled:          cfg.Enabled,
		AutoSync:         cfg.AutoSync,
		FrequencyMinutes: cfg.FrequencyMinutes,
		WifiOnly:         cfg.WifiOnly,
		LastSyncAt:       cfg.LastSyncAt,
		Scheduled:        c.sched != nil && c.sched.HasScheduledWork(),
		Syncing:          c.syncing,
		LastSyncOK:       c.lastOK,
		LastSyncError:    c.lastError,
	}
}

// Watch returns a channel receiving a status snapshot after every
// settings mutation or run-state transition, plus an unsubscribe func
// that releases the slot. Delivery never blocks; a slow receiver sees
// the latest snapshot, not every intermediate one.
func (c *Controller) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	c.mu.Lock()
	c.watchers = append(c.watchers, ch)
	c.mu.Unlock()

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		for i, w := range c.watchers {
			if w == ch {
				c.watchers = append(c.watchers[:i], c.watchers[i+1:]...)
				break
			}
		}
	}

	return ch, unsubscribe
}

// SetEnabled persists the master toggle, then re-evaluates the schedule.
func (c *Controller) SetEnabled(enabled bool) error {
	if err := c.config.SetEnabled(enabled); err != nil {
		return err
	}

	c.reschedule()

	return nil
}

// SetAutoSync persists the periodic-sync toggle, then re-evaluates the
// schedule.
func (c *Controller) SetAutoSync(auto bool) error {
	if err := c.config.SetAutoSync(auto); err != nil {
		return err
	}

	c.reschedule()

	return nil
}

// SetFrequency persists the interval, then re-evaluates the schedule.
func (c *Controller) SetFrequency(minutes int) error {
	if err := c.config.SetFrequency(minutes); err != nil {
		return err
	}

	c.reschedule()

	return nil
}

// SetWifiOnly persists the network restriction, then re-evaluates the
// schedule.
func (c *Controller) SetWifiOnly(wifiOnly bool) error {
	if err := c.config.SetWifiOnly(wifiOnly); err != nil {
		return err
	}

	c.reschedule()

	return nil
}

// SyncNow requests an immediate cycle. The outcome of this manual run
// (unlike periodic ones, which stay silent) lands in LastSyncOK and
// LastSyncError on the next status snapshot.
func (c *Controller) SyncNow() {
	c.mu.Lock()
	c.manualPending = true
	sched := c.sched
	c.mu.Unlock()

	if sched != nil {
		sched.RunOnce()
	}
}

func (c *Controller) reschedule() {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()

	if sched != nil {
		sched.SchedulePeriodic()
	}

	c.notify()
}

// notify pushes the current status to all watchers without blocking.
func (c *Controller) notify() {
	snap := c.Status()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.watchers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// cycleStarted flips the syncing flag.
func (c *Controller) cycleStarted() {
	c.mu.Lock()
	c.syncing = true
	c.mu.Unlock()

	c.notify()
}

// cycleFinished clears the syncing flag and, when a manual sync was
// pending, records its user-visible result.
func (c *Controller) cycleFinished(out syncer.Outcome) {
	c.mu.Lock()

	c.syncing = false

	if c.manualPending {
		c.manualPending = false
		c.lastOK = out.OK()

		if out.Err != nil {
			c.lastError = out.Err.Error()
		} else {
			c.lastError = ""
		}

		c.logger.Info("manual sync finished",
			slog.Bool("ok", c.lastOK),
			slog.String("status", out.Status.String()),
		)
	}

	c.mu.Unlock()

	c.notify()
}

// recordingRunner surrounds each cycle with run-state bookkeeping.
type recordingRunner struct {
	controller *Controller
	inner      scheduler.Runner
}

func (r *recordingRunner) Sync(ctx context.Context) syncer.Outcome {
	r.controller.cycleStarted()

	out := r.inner.Sync(ctx)

	r.controller.cycleFinished(out)

	return out
}
