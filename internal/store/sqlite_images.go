package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperengineering/heritage/internal/types"
)

// Image blob bookkeeping. These columns never reach the sync log.

// SetImageLocalPath records where the blob for contentID was stored on disk and
// touches its access time.
func (s *SQLiteStore) SetImageLocalPath(ctx context.Context, contentID, path string, size int64) error {
	now := formatTime(s.now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE image_cache_entries
		SET local_path = ?, size_bytes = CASE WHEN ? > 0 THEN ? ELSE size_bytes END, last_accessed_at = ?
		WHERE content_id = ? AND deleted_at IS NULL
	`, path, size, size, now, contentID)
	if err != nil {
		return fmt.Errorf("set image local path: %w", err)
	}
	return requireRow(result, types.KindImage, contentID)
}

// ClearImageLocalPath forgets the local blob for contentID after eviction.
func (s *SQLiteStore) ClearImageLocalPath(ctx context.Context, contentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE image_cache_entries SET local_path = '' WHERE content_id = ?
	`, contentID)
	if err != nil {
		return fmt.Errorf("clear image local path: %w", err)
	}
	return nil
}

// TouchImage records an access to contentID for least-recently-used eviction.
func (s *SQLiteStore) TouchImage(ctx context.Context, contentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE image_cache_entries SET last_accessed_at = ? WHERE content_id = ?
	`, formatTime(at), contentID)
	if err != nil {
		return fmt.Errorf("touch image: %w", err)
	}
	return nil
}

// SetImagePermanent pins (or unpins) contentID against eviction.
func (s *SQLiteStore) SetImagePermanent(ctx context.Context, contentID string, permanent bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE image_cache_entries SET is_permanent = ? WHERE content_id = ? AND deleted_at IS NULL
	`, intBool{&permanent}, contentID)
	if err != nil {
		return fmt.Errorf("set image permanent: %w", err)
	}
	return requireRow(result, types.KindImage, contentID)
}

// CachedImageBytes sums the size of every image with a local blob.
func (s *SQLiteStore) CachedImageBytes(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0) FROM image_cache_entries WHERE local_path != ''
	`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum cached image bytes: %w", err)
	}
	return total, nil
}

// EvictableImages returns non-permanent images with a local blob, least
// recently accessed first.
func (s *SQLiteStore) EvictableImages(ctx context.Context) ([]*types.ImageCacheEntry, error) {
	schema := schemas[types.KindImage]
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM image_cache_entries
		WHERE local_path != '' AND is_permanent = 0
		ORDER BY COALESCE(last_accessed_at, '') ASC, content_id ASC
	`, schema.selectList()))
	if err != nil {
		return nil, fmt.Errorf("query evictable images: %w", err)
	}
	defer rows.Close()

	var out []*types.ImageCacheEntry
	for rows.Next() {
		e, err := schema.scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, e.(*types.ImageCacheEntry))
	}
	return out, rows.Err()
}

func requireRow(result interface{ RowsAffected() (int64, error) }, kind types.Kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
