package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

var settingsKey = []byte("sync")

// Settings is the persisted sync configuration singleton. LastSyncAt is
// the watermark: the instant before which the device believes it has
// seen all remote changes, zero meaning never synced.
type Settings struct {
	Enabled          bool  `json:"enabled"`
	AutoSync         bool  `json:"auto_sync"`
	FrequencyMinutes int   `json:"frequency_minutes"`
	WifiOnly         bool  `json:"wifi_only"`
	LastSyncAt       int64 `json:"last_sync_at"`
}

// DefaultSettings are applied when the store has no persisted settings yet.
func DefaultSettings() Settings {
	return Settings{
		Enabled:          true,
		AutoSync:         true,
		FrequencyMinutes: 60,
		WifiOnly:         false,
		LastSyncAt:       0,
	}
}

// GetSettings returns the persisted settings. A store that has never
// been written reports (nil, nil) so the caller can seed defaults.
func (s *Store) GetSettings() (*Settings, error) {
	var cfg *Settings

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get(settingsKey)
		if v == nil {
			return nil
		}

		cfg = &Settings{}

		return json.Unmarshal(v, cfg)
	})

	return cfg, err
}

// PutSettings persists the settings. The write is durable when the
// call returns.
func (s *Store) PutSettings(cfg Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}

		return tx.Bucket(settingsBucket).Put(settingsKey, data)
	})
}
