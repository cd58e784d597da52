// Package settings owns the persisted sync configuration: typed
// accessors over the store's settings singleton, push-style observation
// for the control surface, and compare-and-swap watermark advancement.
package settings

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/opencivic/civic-sync/internal/store"
)

// Manager serializes all settings mutations through one mutex and
// writes through to the store before returning, so a value read after
// any setter (even across a restart) is the value that was written.
type Manager struct {
	store  *store.Store
	logger *slog.Logger

	mu       sync.Mutex
	current  store.Settings
	watchers []chan store.Settings
}

// NewManager loads the persisted settings, seeding the given defaults
// on first run.
func NewManager(s *store.Store, defaults store.Settings, logger *slog.Logger) (*Manager, error) {
	cfg, err := s.GetSettings()
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	if cfg == nil {
		if err := s.PutSettings(defaults); err != nil {
			return nil, fmt.Errorf("seeding default settings: %w", err)
		}

		cfg = &defaults

		logger.Info("seeded default sync settings",
			slog.Bool("enabled", defaults.Enabled),
			slog.Int("frequency_minutes", defaults.FrequencyMinutes),
		)
	}

	return &Manager{store: s, logger: logger, current: *cfg}, nil
}

// Get returns a snapshot of the current settings.
func (m *Manager) Get() store.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// Watch returns a channel that receives a settings snapshot after every
// successful mutation, plus an unsubscribe func that releases the slot.
// Delivery never blocks a writer: a slow receiver misses intermediate
// snapshots but always sees the latest one.
func (m *Manager) Watch() (<-chan store.Settings, func()) {
	ch := make(chan store.Settings, 1)

	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		for i, w := range m.watchers {
			if w == ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
	}

	return ch, unsubscribe
}

// SetEnabled toggles whether sync runs at all.
func (m *Manager) SetEnabled(enabled bool) error {
	return m.mutate(func(cfg *store.Settings) error {
		cfg.Enabled = enabled
		return nil
	})
}

// SetAutoSync toggles periodic background sync.
func (m *Manager) SetAutoSync(auto bool) error {
	return m.mutate(func(cfg *store.Settings) error {
		cfg.AutoSync = auto
		return nil
	})
}

// SetFrequency sets the periodic interval in minutes. Clamping to the
// scheduler's minimum granularity happens at scheduling time; here only
// nonsense values are rejected.
func (m *Manager) SetFrequency(minutes int) error {
	if minutes < 1 {
		return fmt.Errorf("frequency must be at least 1 minute, got %d", minutes)
	}

	return m.mutate(func(cfg *store.Settings) error {
		cfg.FrequencyMinutes = minutes
		return nil
	})
}

// SetWifiOnly restricts periodic sync to unmetered networks.
func (m *Manager) SetWifiOnly(wifiOnly bool) error {
	return m.mutate(func(cfg *store.Settings) error {
		cfg.WifiOnly = wifiOnly
		return nil
	})
}

// AdvanceLastSync moves the watermark from prev to next. The write is
// discarded when the stored value no longer equals prev (a concurrent
// cycle advanced first) or when next would move the watermark backward.
// Reports whether the advance was applied.
func (m *Manager) AdvanceLastSync(prev, next int64) (bool, error) {
	advanced := false

	err := m.mutate(func(cfg *store.Settings) error {
		if cfg.LastSyncAt != prev || next < cfg.LastSyncAt {
			return nil
		}

		cfg.LastSyncAt = next
		advanced = true

		return nil
	})

	return advanced, err
}

// mutate applies fn to a copy of the settings, persists the result, and
// notifies watchers. The in-memory snapshot only changes when the store
// write succeeds.
func (m *Manager) mutate(fn func(*store.Settings) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current
	if err := fn(&next); err != nil {
		return err
	}

	if next == m.current {
		return nil
	}

	if err := m.store.PutSettings(next); err != nil {
		return fmt.Errorf("persisting settings: %w", err)
	}

	m.current = next

	for _, ch := range m.watchers {
		// Replace a stale undelivered snapshot rather than blocking.
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- next:
			default:
			}
		}
	}

	return nil
}
