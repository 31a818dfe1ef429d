// Package imagecache keeps local copies of mirrored image blobs within a byte
// budget. Blob bookkeeping (path, last access, pin) lives in the mirror's
// image rows; eviction removes the least recently accessed unpinned blobs
// first.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/heritage/internal/types"
)

// Store is the subset of the mirror the image cache needs.
type Store interface {
	Get(ctx context.Context, kind types.Kind, id string) (types.Entity, error)
	SetImageLocalPath(ctx context.Context, contentID, path string, size int64) error
	ClearImageLocalPath(ctx context.Context, contentID string) error
	TouchImage(ctx context.Context, contentID string, at time.Time) error
	SetImagePermanent(ctx context.Context, contentID string, permanent bool) error
	CachedImageBytes(ctx context.Context) (int64, error)
	EvictableImages(ctx context.Context) ([]*types.ImageCacheEntry, error)
}

// EvictStats summarises one eviction pass.
type EvictStats struct {
	Removed    int
	FreedBytes int64
	TotalBytes int64
}

// Cache manages image blobs under a directory.
type Cache struct {
	store   Store
	fetcher Fetcher
	dir     string
	now     func() time.Time
	flight  singleflight.Group
}

// New creates a Cache storing blobs in dir.
func New(store Store, fetcher Fetcher, dir string) *Cache {
	return &Cache{
		store:   store,
		fetcher: fetcher,
		dir:     dir,
		now:     time.Now,
	}
}

// Ensure returns the local path of the blob for contentID, downloading it
// first if needed. Concurrent calls for the same image share one download.
func (c *Cache) Ensure(ctx context.Context, contentID string) (string, error) {
	img, err := c.image(ctx, contentID)
	if err != nil {
		return "", err
	}
	if img.LocalPath != "" {
		if _, err := os.Stat(img.LocalPath); err == nil {
			if err := c.store.TouchImage(ctx, contentID, c.now()); err != nil {
				return "", err
			}
			return img.LocalPath, nil
		}
		slog.Warn("cached image blob missing, refetching",
			"component", "imagecache",
			"content_id", contentID,
			"path", img.LocalPath,
		)
	}
	return c.download(ctx, img)
}

// Refresh re-downloads the blob of an image row that is already cached or
// pinned. It is meant for rows just replaced by a pull; other rows are left
// for Ensure to fetch on demand.
func (c *Cache) Refresh(ctx context.Context, ent types.Entity) {
	if ent.Kind() != types.KindImage {
		return
	}
	img, err := c.image(ctx, ent.Key())
	if err != nil || (img.LocalPath == "" && !img.IsPermanent) {
		return
	}
	if _, err := c.download(ctx, img); err != nil && !errors.Is(err, ErrNotConfigured) {
		slog.Warn("image refresh failed",
			"component", "imagecache",
			"content_id", img.ContentID,
			"error", err,
		)
	}
}

// SetPermanent pins or unpins an image against eviction.
func (c *Cache) SetPermanent(ctx context.Context, contentID string, permanent bool) error {
	return c.store.SetImagePermanent(ctx, contentID, permanent)
}

// Evict deletes unpinned blobs, least recently accessed first, until the
// cached total is at most budget bytes.
func (c *Cache) Evict(ctx context.Context, budget int64) (*EvictStats, error) {
	total, err := c.store.CachedImageBytes(ctx)
	if err != nil {
		return nil, err
	}
	stats := &EvictStats{TotalBytes: total}
	if total <= budget {
		return stats, nil
	}

	candidates, err := c.store.EvictableImages(ctx)
	if err != nil {
		return nil, err
	}
	for _, img := range candidates {
		if stats.TotalBytes <= budget {
			break
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := os.Remove(img.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return stats, fmt.Errorf("remove image blob: %w", err)
		}
		if err := c.store.ClearImageLocalPath(ctx, img.ContentID); err != nil {
			return stats, err
		}
		stats.Removed++
		stats.FreedBytes += img.SizeBytes
		stats.TotalBytes -= img.SizeBytes
	}

	slog.Info("image cache evicted",
		"component", "imagecache",
		"action", "evict",
		"removed", stats.Removed,
		"freed_bytes", stats.FreedBytes,
		"total_bytes", stats.TotalBytes,
		"budget_bytes", budget,
	)
	return stats, nil
}

func (c *Cache) image(ctx context.Context, contentID string) (*types.ImageCacheEntry, error) {
	ent, err := c.store.Get(ctx, types.KindImage, contentID)
	if err != nil {
		return nil, err
	}
	return ent.(*types.ImageCacheEntry), nil
}

func (c *Cache) download(ctx context.Context, img *types.ImageCacheEntry) (string, error) {
	v, err, _ := c.flight.Do(img.ContentID, func() (any, error) {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return "", fmt.Errorf("create image dir: %w", err)
		}
		dest := c.blobPath(img.ContentID)
		tmp := dest + ".part"
		if err := c.fetcher.Fetch(ctx, img.ObjectKey, tmp); err != nil {
			os.Remove(tmp)
			return "", fmt.Errorf("fetch image %s: %w", img.ContentID, err)
		}
		info, err := os.Stat(tmp)
		if err != nil {
			return "", fmt.Errorf("stat image blob: %w", err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			return "", fmt.Errorf("store image blob: %w", err)
		}
		if err := c.store.SetImageLocalPath(ctx, img.ContentID, dest, info.Size()); err != nil {
			return "", err
		}
		slog.Debug("image cached",
			"component", "imagecache",
			"content_id", img.ContentID,
			"size_bytes", info.Size(),
		)
		return dest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// blobPath maps a content id to its file. Ids never contain separators.
func (c *Cache) blobPath(contentID string) string {
	return filepath.Join(c.dir, "img-"+contentID)
}
