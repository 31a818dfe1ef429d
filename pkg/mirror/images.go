package mirror

import (
	"context"

	"github.com/hyperengineering/heritage/internal/imagecache"
	"github.com/hyperengineering/heritage/internal/types"
)

// ImageEntry reads an image row from the local mirror.
func (m *Mirror) ImageEntry(ctx context.Context, contentID string) (*types.ImageCacheEntry, error) {
	return getAs[*types.ImageCacheEntry](ctx, m, types.KindImage, contentID)
}

// Image returns a local file path for the image blob, downloading it when
// it is not cached yet.
func (m *Mirror) Image(ctx context.Context, contentID string) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	return m.images.Ensure(ctx, contentID)
}

// PinImage protects (or releases) an image blob from eviction.
func (m *Mirror) PinImage(ctx context.Context, contentID string, pinned bool) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.images.SetPermanent(ctx, contentID, pinned)
}

// EvictImages trims the blob cache to the configured budget now.
func (m *Mirror) EvictImages(ctx context.Context) (*imagecache.EvictStats, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.images.Evict(ctx, m.cfg.Images.BudgetBytes)
}
