package remote

import (
	"fmt"
	"time"
)

// wireTimeLayout is the timestamp format used by the sync service:
// ISO-8601 date-time without a zone designator, always rendered and
// interpreted as UTC so devices in different time zones agree on the
// watermark.
const wireTimeLayout = "2006-01-02T15:04:05"

// FormatWireTime renders a unix-seconds instant for the wire.
func FormatWireTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(wireTimeLayout)
}

// ParseWireTime parses a wire timestamp into unix seconds.
func ParseWireTime(s string) (int64, error) {
	t, err := time.Parse(wireTimeLayout, s)
	if err != nil {
		return 0, fmt.Errorf("parsing wire timestamp %q: %w", s, err)
	}

	return t.Unix(), nil
}

// FavoriteDTO is the wire form of a favorite. Deleted marks a tombstone:
// the server propagates the flag instead of a physical delete.
type FavoriteDTO struct {
	POIID       string  `json:"poiId"`
	OwnerID     string  `json:"ownerId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Address     string  `json:"address"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Rating      float64 `json:"rating"`
	ImageURL    string  `json:"imageUrl,omitempty"`
	AddedAt     string  `json:"addedAt"`
	UpdatedAt   string  `json:"updatedAt"`
	Deleted     bool    `json:"deleted"`
}

// CachedPOIDTO is the wire form of a cached point of interest. There is
// no tombstone concept for the cache; entries age out locally.
type CachedPOIDTO struct {
	POIID       string  `json:"poiId"`
	OwnerID     string  `json:"ownerId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Address     string  `json:"address"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Rating      float64 `json:"rating"`
	RatingCount int     `json:"ratingCount"`
	Status      string  `json:"status"`
	CachedAt    string  `json:"cachedAt"`
	Payload     []byte  `json:"payload,omitempty"`
}

// SearchEntryDTO is the wire form of a search history entry.
type SearchEntryDTO struct {
	ID          uint64 `json:"id"`
	OwnerID     string `json:"ownerId"`
	Query       string `json:"query"`
	Category    string `json:"category,omitempty"`
	SearchedAt  string `json:"searchedAt"`
	ResultCount int    `json:"resultCount"`
	Deleted     bool   `json:"deleted"`
}

// SyncRequest is the push payload: the device's current view of all
// three record kinds. A nil slice means "no local records of that kind".
type SyncRequest struct {
	DeviceID   string           `json:"deviceId"`
	OwnerID    string           `json:"ownerId"`
	LastSyncAt *string          `json:"lastSyncAt,omitempty"`
	Favorites  []FavoriteDTO    `json:"favorites,omitempty"`
	CachedPOIs []CachedPOIDTO   `json:"cachedPois,omitempty"`
	Searches   []SearchEntryDTO `json:"searchHistory,omitempty"`
}

// SyncResponse is the pull payload: everything that changed on the
// server since the client's watermark, plus the authoritative new
// watermark in ServerTimestamp.
type SyncResponse struct {
	ServerTimestamp string           `json:"serverTimestamp"`
	Favorites       []FavoriteDTO    `json:"favorites"`
	CachedPOIs      []CachedPOIDTO   `json:"cachedPois"`
	Searches        []SearchEntryDTO `json:"searchHistory"`
}
