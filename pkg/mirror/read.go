package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperengineering/heritage/internal/cache"
	"github.com/hyperengineering/heritage/internal/engine"
	"github.com/hyperengineering/heritage/internal/pager"
	"github.com/hyperengineering/heritage/internal/types"
)

// Get reads one live row from the local mirror. It never blocks on the
// network.
func (m *Mirror) Get(ctx context.Context, kind types.Kind, id string) (types.Entity, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	m.triggerIfStale()
	return m.store.Get(ctx, kind, id)
}

// getAs reads id and asserts its concrete type.
func getAs[T types.Entity](ctx context.Context, m *Mirror, kind types.Kind, id string) (T, error) {
	var zero T
	e, err := m.Get(ctx, kind, id)
	if err != nil {
		return zero, err
	}
	return e.(T), nil
}

// Church reads a church from the local mirror.
func (m *Mirror) Church(ctx context.Context, id string) (*types.Church, error) {
	return getAs[*types.Church](ctx, m, types.KindChurch, id)
}

// Announcement reads an announcement from the local mirror.
func (m *Mirror) Announcement(ctx context.Context, id string) (*types.Announcement, error) {
	return getAs[*types.Announcement](ctx, m, types.KindAnnouncement, id)
}

// UserProfile reads a user profile from the local mirror.
func (m *Mirror) UserProfile(ctx context.Context, id string) (*types.UserProfile, error) {
	return getAs[*types.UserProfile](ctx, m, types.KindUserProfile, id)
}

// List reads one page of kind from the local mirror. First pages are served
// through the query cache; later pages always hit the store.
func (m *Mirror) List(ctx context.Context, kind types.Kind, q types.Query) (*types.Page, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	m.triggerIfStale()
	if q.Cursor != "" || q.IncludeDeleted {
		return m.store.List(ctx, kind, q)
	}

	key := cache.Key(string(kind), fmt.Sprintf("list:%s:%d", q.Filter.Shape(), q.Limit))
	if page, ok := cache.Get[types.Page](m.cache, key); ok {
		return clonePage(page), nil
	}
	page, err := m.store.List(ctx, kind, q)
	if err != nil {
		return nil, err
	}
	cache.Set(m.cache, key, *clonePage(*page), 0)
	return page, nil
}

// clonePage deep-copies a page so the cache and its callers never share
// entities.
func clonePage(p types.Page) *types.Page {
	items := make([]types.Entity, len(p.Items))
	for i, e := range p.Items {
		items[i] = e.Clone()
	}
	p.Items = items
	return &p
}

// Churches lists churches matching q from the local mirror.
func (m *Mirror) Churches(ctx context.Context, q types.Query) ([]*types.Church, *types.Page, error) {
	page, err := m.List(ctx, types.KindChurch, q)
	if err != nil {
		return nil, nil, err
	}
	out := make([]*types.Church, len(page.Items))
	for i, e := range page.Items {
		out[i] = e.(*types.Church)
	}
	return out, page, nil
}

// ChurchCountsByRegion counts live churches per region, served through the
// query cache.
func (m *Mirror) ChurchCountsByRegion(ctx context.Context) (map[string]int, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	key := cache.Key(string(types.KindChurch), "count_by:region")
	if counts, ok := cache.Get[map[string]int](m.cache, key); ok {
		return copyCounts(counts), nil
	}
	counts, err := m.store.CountBy(ctx, types.KindChurch, "region")
	if err != nil {
		return nil, err
	}
	cache.Set(m.cache, key, copyCounts(counts), 0)
	return counts, nil
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// RemotePage fetches the first page of a remote query and applies it to the
// mirror under the usual conflict policy. pageSize 0 uses the configured size.
func (m *Mirror) RemotePage(ctx context.Context, kind types.Kind, filter types.Filter, pageSize int) (*pager.Page, error) {
	if err := m.remoteReady(); err != nil {
		return nil, err
	}
	return m.pager.FirstPage(ctx, kind, filter, pageSize)
}

// NextRemotePage continues a remote query from cursor.
func (m *Mirror) NextRemotePage(ctx context.Context, kind types.Kind, filter types.Filter, cursor string, pageSize int) (*pager.Page, error) {
	if err := m.remoteReady(); err != nil {
		return nil, err
	}
	return m.pager.NextPage(ctx, kind, filter, cursor, pageSize)
}

// ResumeRemotePage continues a remote query from the last cursor recorded
// for its shape, or starts it.
func (m *Mirror) ResumeRemotePage(ctx context.Context, kind types.Kind, filter types.Filter, pageSize int) (*pager.Page, error) {
	if err := m.remoteReady(); err != nil {
		return nil, err
	}
	return m.pager.Resume(ctx, kind, filter, pageSize)
}

func (m *Mirror) remoteReady() error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if m.pager == nil || !m.engine.Status().Online {
		return ErrOffline
	}
	return nil
}

// triggerIfStale asks for a pull when no cycle has run within the
// configured staleness window.
func (m *Mirror) triggerIfStale() {
	s := m.engine.Status()
	if !s.Online || s.State != engine.StateIdle {
		return
	}
	if s.LastCycle != nil && lastSyncAge(s, m.now()) < m.cfg.Sync.StaleAfter.Std() {
		return
	}
	m.engine.Trigger(engine.ReasonStaleRead)
}

// lastSyncAge reports how long ago the last cycle finished, or zero.
func lastSyncAge(s engine.Status, now time.Time) time.Duration {
	if s.LastCycle == nil {
		return 0
	}
	return now.Sub(s.LastCycle.StartedAt.Add(s.LastCycle.Duration))
}
