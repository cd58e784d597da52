package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Favorite is a point of interest the user has marked. Keyed by POIID;
// upserting the same id overwrites, never duplicates.
type Favorite struct {
	POIID       string  `json:"poi_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Address     string  `json:"address"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Rating      float64 `json:"rating"`
	ImageURL    string  `json:"image_url,omitempty"`
	AddedAt     int64   `json:"added_at"`
	UpdatedAt   int64   `json:"updated_at"`
}

// PutFavorite inserts or overwrites a favorite by POI id. UpdatedAt is
// clamped so it never precedes AddedAt.
func (s *Store) PutFavorite(f Favorite) error {
	if f.POIID == "" {
		return fmt.Errorf("favorite has empty poi id")
	}

	if f.UpdatedAt < f.AddedAt {
		f.UpdatedAt = f.AddedAt
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}

		return tx.Bucket(favoritesBucket).Put([]byte(f.POIID), data)
	})
}

// GetFavorite returns the favorite for a POI id, or nil if not present.
func (s *Store) GetFavorite(poiID string) (*Favorite, error) {
	var f *Favorite

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(favoritesBucket).Get([]byte(poiID))
		if v == nil {
			return nil
		}

		f = &Favorite{}

		return json.Unmarshal(v, f)
	})

	return f, err
}

// DeleteFavorite removes a favorite by POI id. Deleting an absent key
// is a no-op, which keeps tombstone replays idempotent.
func (s *Store) DeleteFavorite(poiID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(favoritesBucket).Delete([]byte(poiID))
	})
}

// DeleteAllFavorites clears the favorites table.
func (s *Store) DeleteAllFavorites() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(favoritesBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(favoritesBucket)

		return err
	})
}

// AllFavorites returns every favorite, ordered by POI id.
func (s *Store) AllFavorites() ([]Favorite, error) {
	var favorites []Favorite

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(favoritesBucket).ForEach(func(k, v []byte) error {
			var f Favorite
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}

			favorites = append(favorites, f)

			return nil
		})
	})

	return favorites, err
}

// CountFavorites returns the number of stored favorites.
func (s *Store) CountFavorites() (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(favoritesBucket).Stats().KeyN

		return nil
	})

	return count, err
}
