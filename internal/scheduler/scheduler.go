// Package scheduler hosts the sync cycle as background work: one named
// periodic task driven by the persisted settings, plus untagged
// one-shot runs for "sync now". It owns retry backoff; the syncer only
// reports whether an outcome is retryable.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/opencivic/civic-sync/internal/settings"
	"github.com/opencivic/civic-sync/internal/syncer"
)

const (
	// PeriodicTaskName is the well-known name of the standing periodic
	// task. Re-scheduling under this name replaces, never duplicates.
	PeriodicTaskName = "civic-sync-periodic"

	// MinInterval is the scheduler's minimum periodic granularity.
	// Requested frequencies below this are clamped up.
	MinInterval = 15 * time.Minute

	// retryBaseDelay is the backoff after the first retryable outcome.
	retryBaseDelay = 30 * time.Second

	// retryMaxDelay caps the exponential retry backoff.
	retryMaxDelay = 15 * time.Minute

	// retryMultiplier is the exponential growth factor applied to the
	// retry backoff after each consecutive retryable outcome.
	retryMultiplier = 2

	// jitterDivisor controls the random jitter added to retry delays:
	// jitter is uniform in [0, delay/jitterDivisor).
	jitterDivisor = 2
)

// Runner executes one sync cycle. *syncer.Syncer satisfies this, as
// does the control surface's recording wrapper.
type Runner interface {
	Sync(ctx context.Context) syncer.Outcome
}

// NetworkMonitor reports current host conditions so constrained tasks
// can skip a tick instead of burning a failed cycle.
type NetworkMonitor interface {
	Online() bool
	Unmetered() bool

	// PowerSufficient reports whether the battery state permits
	// background work. Hosts without a battery always return true.
	PowerSufficient() bool
}

// AlwaysOnline is a NetworkMonitor for hosts with no connectivity or
// power signal: every constraint is considered satisfied.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool          { return true }
func (AlwaysOnline) Unmetered() bool       { return true }
func (AlwaysOnline) PowerSufficient() bool { return true }

// periodicTask is the single standing schedule slot.
type periodicTask struct {
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
	wifiOnly bool
}

// Scheduler registers sync work against an internal task loop. All
// tasks stop when Shutdown is called.
type Scheduler struct {
	config  *settings.Manager
	runner  Runner
	network NetworkMonitor
	logger  *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	// scheduleMu serializes schedule/cancel transitions. It is never
	// held while answering state queries, so a cycle that reports back
	// into HasScheduledWork cannot deadlock a transition draining it.
	scheduleMu sync.Mutex

	// mu guards the periodic pointer only.
	mu       sync.Mutex
	periodic *periodicTask
	oneShots sync.WaitGroup

	// minInterval is MinInterval in production; tests shrink it.
	minInterval time.Duration

	// retryBase is retryBaseDelay in production; tests shrink it.
	retryBase time.Duration
}

// New creates a scheduler. Nothing runs until SchedulePeriodic or
// RunOnce is called.
func New(cfg *settings.Manager, runner Runner, network NetworkMonitor, logger *slog.Logger) *Scheduler {
	if network == nil {
		network = AlwaysOnline{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		config:      cfg,
		runner:      runner,
		network:     network,
		logger:      logger,
		baseCtx:     ctx,
		stop:        cancel,
		minInterval: MinInterval,
		retryBase:   retryBaseDelay,
	}
}

// SchedulePeriodic reads the current settings and (re)registers the
// periodic task. An existing schedule is replaced, so there is never
// more than one standing task regardless of how often settings change.
// With sync or auto-sync disabled the standing task is cancelled.
func (s *Scheduler) SchedulePeriodic() {
	cfg := s.config.Get()

	if !cfg.Enabled || !cfg.AutoSync {
		s.CancelPeriodic()
		return
	}

	interval := time.Duration(cfg.FrequencyMinutes) * time.Minute
	if interval < s.minInterval {
		interval = s.minInterval
	}

	s.scheduleEvery(interval, cfg.WifiOnly)
}

// scheduleEvery registers the periodic task with an explicit interval.
// The old task is drained without holding s.mu: an in-flight cycle may
// query HasScheduledWork on its way out, and waiting under the state
// lock would deadlock against that query.
func (s *Scheduler) scheduleEvery(interval time.Duration, wifiOnly bool) {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	s.mu.Lock()
	old := s.periodic
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	task := &periodicTask{
		cancel:   cancel,
		done:     make(chan struct{}),
		interval: interval,
		wifiOnly: wifiOnly,
	}

	s.mu.Lock()
	s.periodic = task
	s.mu.Unlock()

	s.logger.Info("periodic sync scheduled",
		slog.String("task", PeriodicTaskName),
		slog.Duration("interval", interval),
		slog.Bool("wifi_only", wifiOnly),
	)

	go s.runPeriodic(ctx, task)
}

// CancelPeriodic deregisters the standing periodic task, if any. Like
// scheduleEvery, the drain wait happens outside s.mu.
func (s *Scheduler) CancelPeriodic() {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	s.mu.Lock()
	old := s.periodic
	s.periodic = nil
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done

		s.logger.Info("periodic sync cancelled", slog.String("task", PeriodicTaskName))
	}
}

// HasScheduledWork reports whether the periodic task is registered.
func (s *Scheduler) HasScheduledWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.periodic != nil
}

// RunOnce enqueues an independent one-shot cycle for "sync now". It is
// untagged: it neither touches the periodic schedule nor respects the
// wifi-only constraint, because the user asked explicitly. Concurrent
// invocations coalesce inside the syncer's single-flight guard.
func (s *Scheduler) RunOnce() {
	s.oneShots.Add(1)

	go func() {
		defer s.oneShots.Done()

		out := s.runner.Sync(s.baseCtx)
		s.logger.Debug("one-shot sync finished", slog.String("status", out.Status.String()))
	}()
}

// Shutdown cancels all tasks and waits for in-flight cycles to finish.
func (s *Scheduler) Shutdown() {
	s.CancelPeriodic()
	s.stop()
	s.oneShots.Wait()
}

// runPeriodic is the standing task loop: wait out the interval, check
// constraints, run a cycle, and pick the next delay from the outcome.
func (s *Scheduler) runPeriodic(ctx context.Context, task *periodicTask) {
	defer close(task.done)

	timer := time.NewTimer(task.interval)
	defer timer.Stop()

	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !s.constraintsMet(task.wifiOnly) {
			s.logger.Debug("skipping periodic sync, constraints not met",
				slog.Bool("wifi_only", task.wifiOnly),
			)
			timer.Reset(task.interval)

			continue
		}

		out := s.runner.Sync(ctx)

		if out.Retryable() {
			attempts++
			delay := s.retryDelay(attempts)
			s.logger.Info("sync retryable, backing off",
				slog.Int("attempt", attempts),
				slog.Duration("delay", delay),
				slog.Any("error", out.Err),
			)
			timer.Reset(delay)

			continue
		}

		if out.Status == syncer.StatusFatal {
			// Nothing to do until the next tick; the cycle failed in a
			// way a quick retry will not fix.
			s.logger.Error("sync cycle failed",
				slog.String("state", string(out.State)),
				slog.Any("error", out.Err),
			)
		}

		attempts = 0

		timer.Reset(task.interval)
	}
}

// constraintsMet checks connectivity and power for a periodic fire.
func (s *Scheduler) constraintsMet(wifiOnly bool) bool {
	if !s.network.Online() {
		return false
	}

	if wifiOnly && !s.network.Unmetered() {
		return false
	}

	return s.network.PowerSufficient()
}

// retryDelay computes exponential backoff with jitter for the given
// consecutive attempt count (1-based).
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	delay := s.retryBase

	for i := 1; i < attempt; i++ {
		delay *= retryMultiplier
		if delay >= retryMaxDelay {
			delay = retryMaxDelay
			break
		}
	}

	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}

	return delay + time.Duration(rand.Int63n(int64(delay/jitterDivisor)))
}
