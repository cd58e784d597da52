package syncer

import (
	"log/slog"

	"github.com/opencivic/civic-sync/internal/remote"
	"github.com/opencivic/civic-sync/internal/store"
)

// merge applies a pulled response to the local store, one kind at a
// time. Policy is last-writer-wins by server response: a pulled record
// always overwrites the local record with the same key, so replaying
// the same response is idempotent.
//
// A malformed record is logged and skipped, never aborting the batch.
// A store fault aborts immediately: the error return is fatal for the
// cycle.
func (s *Syncer) merge(resp *remote.SyncResponse) (merged, skipped int, err error) {
	now := s.now()

	for _, dto := range resp.Favorites {
		if dto.POIID == "" {
			s.logger.Warn("skipping favorite with empty poi id")
			skipped++

			continue
		}

		if dto.Deleted {
			if err := s.store.DeleteFavorite(dto.POIID); err != nil {
				return merged, skipped, err
			}

			merged++

			continue
		}

		f := store.Favorite{
			POIID:       dto.POIID,
			Name:        dto.Name,
			Description: dto.Description,
			Category:    dto.Category,
			Address:     dto.Address,
			Latitude:    dto.Latitude,
			Longitude:   dto.Longitude,
			Rating:      dto.Rating,
			ImageURL:    dto.ImageURL,
			AddedAt:     parseOrNow(dto.AddedAt, now.Unix(), s.logger),
			UpdatedAt:   parseOrNow(dto.UpdatedAt, now.Unix(), s.logger),
		}

		if err := s.store.PutFavorite(f); err != nil {
			return merged, skipped, err
		}

		merged++
	}

	for _, dto := range resp.CachedPOIs {
		if dto.POIID == "" {
			s.logger.Warn("skipping cached poi with empty poi id")
			skipped++

			continue
		}

		// No tombstones for the cache; every record is an upsert with
		// the cache time re-stamped to the merge.
		p := store.CachedPOI{
			POIID:       dto.POIID,
			Name:        dto.Name,
			Description: dto.Description,
			Category:    dto.Category,
			Address:     dto.Address,
			Latitude:    dto.Latitude,
			Longitude:   dto.Longitude,
			Rating:      dto.Rating,
			RatingCount: dto.RatingCount,
			Status:      dto.Status,
			CachedAt:    now.Unix(),
			Payload:     dto.Payload,
		}

		if err := s.store.PutCachedPOI(p); err != nil {
			return merged, skipped, err
		}

		merged++
	}

	for _, dto := range resp.Searches {
		if dto.ID == 0 {
			s.logger.Warn("skipping search entry with zero id")
			skipped++

			continue
		}

		if dto.Deleted {
			if err := s.store.DeleteSearch(dto.ID); err != nil {
				return merged, skipped, err
			}

			merged++

			continue
		}

		e := store.SearchEntry{
			ID:          dto.ID,
			Query:       dto.Query,
			Category:    dto.Category,
			SearchedAt:  parseOrNow(dto.SearchedAt, now.Unix(), s.logger),
			ResultCount: dto.ResultCount,
		}

		if err := s.store.PutSearch(e); err != nil {
			return merged, skipped, err
		}

		merged++
	}

	return merged, skipped, nil
}

// parseOrNow parses a wire timestamp, falling back to the given instant
// when it is malformed. One bad timestamp degrades a single field, not
// the record or the batch.
func parseOrNow(wire string, now int64, logger *slog.Logger) int64 {
	unix, err := remote.ParseWireTime(wire)
	if err != nil {
		logger.Debug("malformed record timestamp, using local clock", slog.String("value", wire))
		return now
	}

	return unix
}

func favoriteToDTO(f store.Favorite, ownerID string) remote.FavoriteDTO {
	return remote.FavoriteDTO{
		POIID:       f.POIID,
		OwnerID:     ownerID,
		Name:        f.Name,
		Description: f.Description,
		Category:    f.Category,
		Address:     f.Address,
		Latitude:    f.Latitude,
		Longitude:   f.Longitude,
		Rating:      f.Rating,
		ImageURL:    f.ImageURL,
		AddedAt:     remote.FormatWireTime(f.AddedAt),
		UpdatedAt:   remote.FormatWireTime(f.UpdatedAt),
	}
}

func cachedPOIToDTO(p store.CachedPOI, ownerID string) remote.CachedPOIDTO {
	return remote.CachedPOIDTO{
		POIID:       p.POIID,
		OwnerID:     ownerID,
		Name:        p.Name,
		Description: p.Description,
		Category:    p.Category,
		Address:     p.Address,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		Rating:      p.Rating,
		RatingCount: p.RatingCount,
		Status:      p.Status,
		CachedAt:    remote.FormatWireTime(p.CachedAt),
		Payload:     p.Payload,
	}
}

func searchToDTO(e store.SearchEntry, ownerID string) remote.SearchEntryDTO {
	return remote.SearchEntryDTO{
		ID:          e.ID,
		OwnerID:     ownerID,
		Query:       e.Query,
		Category:    e.Category,
		SearchedAt:  remote.FormatWireTime(e.SearchedAt),
		ResultCount: e.ResultCount,
	}
}
