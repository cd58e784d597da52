package store

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultHistoryMaxAge is how long a search entry is kept before
	// age-based pruning removes it.
	DefaultHistoryMaxAge = 30 * 24 * time.Hour

	// DefaultHistoryMaxRows is the number of most-recent search entries
	// kept locally and sent upstream.
	DefaultHistoryMaxRows = 20
)

// SearchEntry is one executed search. ID is assigned by the store and
// increases monotonically, so key order is insertion order.
type SearchEntry struct {
	ID          uint64 `json:"id"`
	Query       string `json:"query"`
	Category    string `json:"category,omitempty"`
	SearchedAt  int64  `json:"searched_at"`
	ResultCount int    `json:"result_count"`
}

func historyKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)

	return key
}

// AppendSearch stores a new search entry and returns its assigned id.
// The query is NFC-normalized so the same visible text always compares
// equal regardless of how the input method composed it.
func (s *Store) AppendSearch(e SearchEntry) (uint64, error) {
	e.Query = norm.NFC.String(e.Query)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)

		id, err := b.NextSequence()
		if err != nil {
			return err
		}

		e.ID = id

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put(historyKey(id), data)
	})
	if err != nil {
		return 0, err
	}

	return e.ID, nil
}

// PutSearch overwrites a search entry at a known id. Used by merge when
// the server echoes history back; an unknown id inserts.
func (s *Store) PutSearch(e SearchEntry) error {
	e.Query = norm.NFC.String(e.Query)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)

		// Keep the sequence ahead of explicitly written ids so future
		// appends never collide.
		if e.ID > b.Sequence() {
			if err := b.SetSequence(e.ID); err != nil {
				return err
			}
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put(historyKey(e.ID), data)
	})
}

// DeleteSearch removes a search entry by id.
func (s *Store) DeleteSearch(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).Delete(historyKey(id))
	})
}

// DeleteAllSearches clears the search history table.
func (s *Store) DeleteAllSearches() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(historyBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(historyBucket)

		return err
	})
}

// AllSearches returns every search entry, oldest first.
func (s *Store) AllSearches() ([]SearchEntry, error) {
	var entries []SearchEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).ForEach(func(k, v []byte) error {
			var e SearchEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			entries = append(entries, e)

			return nil
		})
	})

	return entries, err
}

// RecentSearches returns up to limit search entries, newest first.
func (s *Store) RecentSearches(limit int) ([]SearchEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	var entries []SearchEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(historyBucket).Cursor()

		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e SearchEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			entries = append(entries, e)
		}

		return nil
	})

	return entries, err
}

// CountSearches returns the number of stored search entries.
func (s *Store) CountSearches() (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(historyBucket).Stats().KeyN

		return nil
	})

	return count, err
}

// PruneSearches removes entries older than maxAge and then all but the
// maxRows most recent. Returns the number removed.
func (s *Store) PruneSearches(maxAge time.Duration, maxRows int, now time.Time) (int, error) {
	cutoff := now.Add(-maxAge).Unix()
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)

		var stale [][]byte

		total := 0
		err := b.ForEach(func(k, v []byte) error {
			total++

			var e SearchEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			if maxAge > 0 && e.SearchedAt < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(stale)

		// Row cap: keys are ordered by insertion, so the oldest surplus
		// entries sit at the front. Collect first, then delete, since
		// mutating a bucket mid-iteration invalidates the cursor.
		if maxRows > 0 && total-removed > maxRows {
			surplus := total - removed - maxRows

			var oldest [][]byte

			c := b.Cursor()
			for k, _ := c.First(); k != nil && len(oldest) < surplus; k, _ = c.Next() {
				oldest = append(oldest, append([]byte(nil), k...))
			}

			for _, k := range oldest {
				if err := b.Delete(k); err != nil {
					return err
				}

				removed++
			}
		}

		return nil
	})

	return removed, err
}
