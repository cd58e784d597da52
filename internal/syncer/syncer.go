// Package syncer implements the sync cycle: pull remote deltas, merge
// them into the local store, push the device's current state, advance
// the watermark. One cycle is a pure sequence; scheduling, backoff, and
// user intent live elsewhere.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	syncerrors "github.com/opencivic/civic-sync/internal/errors"
	"github.com/opencivic/civic-sync/internal/identity"
	"github.com/opencivic/civic-sync/internal/remote"
	"github.com/opencivic/civic-sync/internal/settings"
	"github.com/opencivic/civic-sync/internal/store"
)

const (
	// pushPOILimit caps how many cached POIs are sent upstream per cycle.
	pushPOILimit = 50

	// pushHistoryLimit caps how many search entries are sent upstream.
	pushHistoryLimit = 20
)

// RemoteClient is the wire adapter the syncer pulls from and pushes to.
// *remote.Client satisfies this interface.
type RemoteClient interface {
	Push(ctx context.Context, req remote.SyncRequest) error
	Pull(ctx context.Context, ownerID string, lastSyncAt *string) (*remote.SyncResponse, error)
}

// Syncer runs sync cycles against one store and one remote service.
//
// Concurrent callers are coalesced through a single-flight group: a
// manual "sync now" arriving while a periodic cycle is in flight shares
// that cycle's outcome instead of racing it for the watermark.
type Syncer struct {
	store    *store.Store
	settings *settings.Manager
	remote   RemoteClient
	identity identity.Provider
	logger   *slog.Logger

	flight singleflight.Group

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Syncer.
func New(s *store.Store, cfg *settings.Manager, rc RemoteClient, id identity.Provider, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:    s,
		settings: cfg,
		remote:   rc,
		identity: id,
		logger:   logger,
		now:      time.Now,
	}
}

// Sync runs one cycle, or joins the cycle already in flight.
func (s *Syncer) Sync(ctx context.Context) Outcome {
	v, _, shared := s.flight.Do("cycle", func() (interface{}, error) {
		return s.runCycle(ctx), nil
	})

	out := v.(Outcome)
	if shared {
		s.logger.Debug("joined in-flight sync cycle", slog.String("status", out.Status.String()))
	}

	return out
}

// runCycle executes the state machine. Unexpected panics are mapped to
// a fatal outcome so a bad cycle can never crash the host.
func (s *Syncer) runCycle(ctx context.Context) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync cycle panicked", slog.Any("panic", r))
			out = Outcome{Status: StatusFatal, State: out.State, Err: fmt.Errorf("sync cycle panic: %v", r)}
		}
	}()

	started := s.now()
	out.State = StateCheckEnabled

	cfg := s.settings.Get()
	if !cfg.Enabled {
		s.logger.Debug("sync disabled, skipping cycle")
		return Outcome{Status: StatusNoop, State: StateCheckEnabled}
	}

	out.State = StateAuthenticating

	ownerID := s.identity.OwnerID()
	if ownerID == "" {
		return Outcome{Status: StatusRetry, State: StateAuthenticating, Err: syncerrors.ErrIdentityUnavailable}
	}

	deviceID := s.store.DeviceID()

	// The watermark read here is also what a concurrent cycle would
	// read; the compare-and-swap in Advancing sorts out which one wins.
	prevWatermark := cfg.LastSyncAt

	var wireWatermark *string

	if prevWatermark > 0 {
		w := remote.FormatWireTime(prevWatermark)
		wireWatermark = &w
	}

	out.State = StatePulling

	resp, err := s.remote.Pull(ctx, ownerID, wireWatermark)
	if err != nil {
		if remote.IsTransient(err) {
			return Outcome{Status: StatusRetry, State: StatePulling, Err: err}
		}

		return Outcome{Status: StatusFatal, State: StatePulling, Err: err}
	}

	if resp == nil {
		return Outcome{Status: StatusFatal, State: StatePulling, Err: syncerrors.ErrEmptyResponse}
	}

	out.State = StateMerging
	out.Pulled = len(resp.Favorites) + len(resp.CachedPOIs) + len(resp.Searches)

	merged, skipped, err := s.merge(resp)
	if err != nil {
		// A store fault mid-merge means correctness can no longer be
		// guaranteed for this cycle.
		return Outcome{Status: StatusFatal, State: StateMerging, Err: err, Merged: merged, Skipped: skipped}
	}

	out.Merged = merged
	out.Skipped = skipped

	out.State = StatePushing

	pushErr := s.push(ctx, ownerID, deviceID, wireWatermark)
	if pushErr != nil {
		// Push failures are self-healing: the next cycle resends the
		// full current state. The merge above is retained either way.
		s.logger.Warn("push failed, will resend next cycle", slog.Any("error", pushErr))
		out.PushErr = pushErr
	}

	out.State = StateAdvancing

	next, perr := remote.ParseWireTime(resp.ServerTimestamp)
	if perr != nil {
		next = s.now().Unix()
		s.logger.Warn("unparsable server timestamp, falling back to local clock",
			slog.String("server_timestamp", resp.ServerTimestamp),
		)
	}

	advanced, err := s.settings.AdvanceLastSync(prevWatermark, next)
	if err != nil {
		return Outcome{Status: StatusFatal, State: StateAdvancing, Err: err, Merged: merged, Skipped: skipped}
	}

	if !advanced {
		s.logger.Debug("watermark advance discarded, concurrent cycle won",
			slog.Int64("attempted", next),
		)
	}

	s.prune()

	out.Status = StatusSuccess
	out.State = StateDone

	s.logger.Info("sync cycle complete",
		slog.Int("pulled", out.Pulled),
		slog.Int("merged", out.Merged),
		slog.Int("skipped", out.Skipped),
		slog.Bool("push_ok", pushErr == nil),
		slog.Bool("watermark_advanced", advanced),
		slog.Duration("took", s.now().Sub(started)),
	)

	return out
}

// push gathers the entire current local state (capped for the two
// unbounded kinds) and uploads it. Not a delta: the server deduplicates
// by key, and resending everything makes push failures self-healing.
func (s *Syncer) push(ctx context.Context, ownerID, deviceID string, lastSyncAt *string) error {
	favorites, err := s.store.AllFavorites()
	if err != nil {
		return fmt.Errorf("gathering favorites: %w", err)
	}

	pois, err := s.store.RecentCachedPOIs(pushPOILimit)
	if err != nil {
		return fmt.Errorf("gathering cached pois: %w", err)
	}

	searches, err := s.store.RecentSearches(pushHistoryLimit)
	if err != nil {
		return fmt.Errorf("gathering search history: %w", err)
	}

	req := remote.SyncRequest{
		DeviceID:   deviceID,
		OwnerID:    ownerID,
		LastSyncAt: lastSyncAt,
	}

	for _, f := range favorites {
		req.Favorites = append(req.Favorites, favoriteToDTO(f, ownerID))
	}

	for _, p := range pois {
		req.CachedPOIs = append(req.CachedPOIs, cachedPOIToDTO(p, ownerID))
	}

	for _, e := range searches {
		req.Searches = append(req.Searches, searchToDTO(e, ownerID))
	}

	return s.remote.Push(ctx, req)
}

// prune applies the retention policy after a successful cycle. Failures
// here are logged, not escalated: stale cache entries are harmless and
// the next cycle prunes again.
func (s *Syncer) prune() {
	now := s.now()

	if n, err := s.store.PruneCachedPOIs(store.DefaultPOICacheMaxAge, store.DefaultPOICacheMaxRows, store.DefaultPOICacheMaxBytes, now); err != nil {
		s.logger.Warn("pruning poi cache failed", slog.Any("error", err))
	} else if n > 0 {
		s.logger.Debug("pruned poi cache", slog.Int("removed", n))
	}

	if n, err := s.store.PruneSearches(store.DefaultHistoryMaxAge, store.DefaultHistoryMaxRows, now); err != nil {
		s.logger.Warn("pruning search history failed", slog.Any("error", err))
	} else if n > 0 {
		s.logger.Debug("pruned search history", slog.Int("removed", n))
	}
}
