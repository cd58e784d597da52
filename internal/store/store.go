// Package store is the device-local source of truth: bbolt-backed tables
// for favorites, cached points of interest, and search history, plus the
// persisted sync settings and device identity.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the data directory (~/.civic-sync/).
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second

	// deviceIDBytes is the length of the random device identifier in bytes.
	deviceIDBytes = 16
)

// UnknownDeviceID is the fallback identifier used when a persistent
// device id cannot be read or generated. Pushed data stays valid,
// device attribution just degrades.
const UnknownDeviceID = "unknown"

var (
	favoritesBucket = []byte("favorites")
	poiCacheBucket  = []byte("poi_cache")
	historyBucket   = []byte("search_history")
	settingsBucket  = []byte("settings")
	appBucket       = []byte("app")

	deviceIDKey = []byte("device_id")
)

// Store wraps a bbolt database holding all persistent device state.
// Every Put/Delete runs in its own write transaction, so individual
// record operations are atomic and a cancelled sync cycle can never
// leave a half-written record behind.
type Store struct {
	db *bolt.DB
}

// Open opens the store at ~/.civic-sync/state.db, creating it if needed.
func Open() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return OpenAt(filepath.Join(home, ".civic-sync", "state.db"))
}

// OpenAt opens a store at the given path, creating it if it does not
// exist. Useful for tests that need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{favoritesBucket, poiCacheBucket, historyBucket, settingsBucket, appBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID returns the persistent per-device identifier, generating and
// storing a random one on first use. Returns UnknownDeviceID if the id
// can neither be read nor persisted.
func (s *Store) DeviceID() string {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}

		buf := make([]byte, deviceIDBytes)
		if _, err := rand.Read(buf); err != nil {
			return err
		}

		id = hex.EncodeToString(buf)

		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil || id == "" {
		return UnknownDeviceID
	}

	return id
}
