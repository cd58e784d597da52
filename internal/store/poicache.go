package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultPOICacheMaxAge is how long a cached POI is kept before
	// age-based pruning removes it.
	DefaultPOICacheMaxAge = 7 * 24 * time.Hour

	// DefaultPOICacheMaxRows is the number of most-recent cached POIs
	// kept when the row cap is enforced.
	DefaultPOICacheMaxRows = 50

	// DefaultPOICacheMaxBytes is the aggregate payload size that
	// triggers aggressive oldest-first pruning.
	DefaultPOICacheMaxBytes = 50 * 1024 * 1024
)

// CachedPOI is a point of interest retained for offline detail
// rendering. Payload carries the full server document verbatim.
// Last write wins by POIID across sync sources.
type CachedPOI struct {
	POIID       string  `json:"poi_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Address     string  `json:"address"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Rating      float64 `json:"rating"`
	RatingCount int     `json:"rating_count"`
	Status      string  `json:"status"`
	CachedAt    int64   `json:"cached_at"`
	Payload     []byte  `json:"payload,omitempty"`
}

// PutCachedPOI inserts or overwrites a cached POI by id.
func (s *Store) PutCachedPOI(p CachedPOI) error {
	if p.POIID == "" {
		return fmt.Errorf("cached poi has empty poi id")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}

		return tx.Bucket(poiCacheBucket).Put([]byte(p.POIID), data)
	})
}

// GetCachedPOI returns the cached POI for an id, or nil if not present.
func (s *Store) GetCachedPOI(poiID string) (*CachedPOI, error) {
	var p *CachedPOI

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(poiCacheBucket).Get([]byte(poiID))
		if v == nil {
			return nil
		}

		p = &CachedPOI{}

		return json.Unmarshal(v, p)
	})

	return p, err
}

// DeleteCachedPOI removes a cached POI by id.
func (s *Store) DeleteCachedPOI(poiID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(poiCacheBucket).Delete([]byte(poiID))
	})
}

// DeleteAllCachedPOIs clears the POI cache table.
func (s *Store) DeleteAllCachedPOIs() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(poiCacheBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(poiCacheBucket)

		return err
	})
}

// AllCachedPOIs returns every cached POI, ordered by POI id.
func (s *Store) AllCachedPOIs() ([]CachedPOI, error) {
	var pois []CachedPOI

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(poiCacheBucket).ForEach(func(k, v []byte) error {
			var p CachedPOI
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}

			pois = append(pois, p)

			return nil
		})
	})

	return pois, err
}

// RecentCachedPOIs returns up to limit cached POIs, newest first by
// cache time. A limit of zero or less returns an empty slice.
func (s *Store) RecentCachedPOIs(limit int) ([]CachedPOI, error) {
	if limit <= 0 {
		return nil, nil
	}

	pois, err := s.AllCachedPOIs()
	if err != nil {
		return nil, err
	}

	sort.Slice(pois, func(i, j int) bool {
		return pois[i].CachedAt > pois[j].CachedAt
	})

	if len(pois) > limit {
		pois = pois[:limit]
	}

	return pois, nil
}

// CountCachedPOIs returns the number of cached POIs.
func (s *Store) CountCachedPOIs() (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(poiCacheBucket).Stats().KeyN

		return nil
	})

	return count, err
}

// PruneCachedPOIs evicts cache entries in three passes: everything older
// than maxAge, then all but the maxRows most recent, then oldest-first
// until the aggregate payload size fits under maxBytes. Returns the
// number of entries removed.
func (s *Store) PruneCachedPOIs(maxAge time.Duration, maxRows int, maxBytes int64, now time.Time) (int, error) {
	pois, err := s.AllCachedPOIs()
	if err != nil {
		return 0, err
	}

	// Oldest first so eviction walks from the front.
	sort.Slice(pois, func(i, j int) bool {
		return pois[i].CachedAt < pois[j].CachedAt
	})

	cutoff := now.Add(-maxAge).Unix()
	evict := make(map[string]struct{})

	kept := pois[:0]

	for _, p := range pois {
		if maxAge > 0 && p.CachedAt < cutoff {
			evict[p.POIID] = struct{}{}
			continue
		}

		kept = append(kept, p)
	}

	if maxRows > 0 && len(kept) > maxRows {
		for _, p := range kept[:len(kept)-maxRows] {
			evict[p.POIID] = struct{}{}
		}

		kept = kept[len(kept)-maxRows:]
	}

	if maxBytes > 0 {
		var total int64
		for _, p := range kept {
			total += int64(len(p.Payload))
		}

		for i := 0; total > maxBytes && i < len(kept); i++ {
			evict[kept[i].POIID] = struct{}{}
			total -= int64(len(kept[i].Payload))
		}
	}

	if len(evict) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(poiCacheBucket)

		for id := range evict {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning poi cache: %w", err)
	}

	return len(evict), nil
}
