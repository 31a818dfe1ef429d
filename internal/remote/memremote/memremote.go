// Package memremote is an in-memory remote.Store. It backs the development
// server and the engine tests, and supports fault injection.
package memremote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/heritage/internal/remote"
	"github.com/hyperengineering/heritage/internal/types"
)

// Op names a remote operation for fault injection and call counting.
type Op string

const (
	OpFetch  Op = "fetch"
	OpWrite  Op = "write"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

const defaultPageSize = 50

type record struct {
	fields    json.RawMessage
	updatedAt time.Time
	deleted   bool
}

// Store is a concurrency-safe in-memory document store. Every write gets a
// strictly increasing updated_at, so change feeds never tie.
type Store struct {
	mu     sync.Mutex
	docs   map[types.Kind]map[string]*record
	last   time.Time
	now    func() time.Time
	faults map[Op][]error
	calls  map[Op]int
	hook   func(Op)

	subs    map[int]func(remote.Change)
	nextSub int
}

var (
	_ remote.Store   = (*Store)(nil)
	_ remote.Watcher = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		docs:   make(map[types.Kind]map[string]*record),
		now:    time.Now,
		faults: make(map[Op][]error),
		calls:  make(map[Op]int),
		subs:   make(map[int]func(remote.Change)),
	}
}

// SetClock overrides the time source used to stamp writes.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Fail queues errs to be returned by the next calls of op, one per call.
func (s *Store) Fail(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// OnCall registers fn to run (outside the lock) at the start of every call.
func (s *Store) OnCall(fn func(Op)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Calls reports how many times op was invoked, including failed calls.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Len returns the number of live documents of kind.
func (s *Store) Len(kind types.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.docs[kind] {
		if !r.deleted {
			n++
		}
	}
	return n
}

// Get returns the stored document, tombstones included.
func (s *Store) Get(kind types.Kind, id string) (types.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.docs[kind][id]
	if !ok {
		return types.Document{}, false
	}
	return r.document(id), true
}

// Put writes kind/id directly, bypassing faults and version checks. It is
// how fixtures and "other devices" change the remote.
func (s *Store) Put(kind types.Kind, id string, fields json.RawMessage) time.Time {
	s.mu.Lock()
	r := s.putLocked(kind, id, fields)
	change := remote.Change{Kind: kind, ID: id, UpdatedAt: r.updatedAt}
	s.mu.Unlock()
	s.publish(change)
	return change.UpdatedAt
}

// Subscribe registers fn for every committed change and returns a cancel func.
func (s *Store) Subscribe(fn func(remote.Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Watch implements remote.Watcher.
func (s *Store) Watch(ctx context.Context, fn func(remote.Change)) error {
	cancel := s.Subscribe(fn)
	defer cancel()
	<-ctx.Done()
	return ctx.Err()
}

func (s *Store) publish(c remote.Change) {
	s.mu.Lock()
	subs := make([]func(remote.Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

// begin counts the call and pops an injected fault, if any.
func (s *Store) begin(ctx context.Context, op Op) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hook
	var err error
	if q := s.faults[op]; len(q) > 0 {
		err, s.faults[op] = q[0], q[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return nil
}

func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func (s *Store) putLocked(kind types.Kind, id string, fields json.RawMessage) *record {
	if s.docs[kind] == nil {
		s.docs[kind] = make(map[string]*record)
	}
	r := &record{fields: append(json.RawMessage(nil), fields...), updatedAt: s.stamp()}
	s.docs[kind][id] = r
	return r
}

func (r *record) document(id string) types.Document {
	return types.Document{ID: id, Fields: r.fields, UpdatedAt: r.updatedAt, Deleted: r.deleted}
}

// FetchChanged implements remote.Store.
func (s *Store) FetchChanged(ctx context.Context, kind types.Kind, since time.Time, limit int) ([]types.Document, error) {
	if err := s.begin(ctx, OpFetch); err != nil {
		return nil, err
	}
	if _, err := types.ParseKind(string(kind)); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrRejected, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Document, 0)
	for id, r := range s.docs[kind] {
		if r.updatedAt.After(since) {
			out = append(out, r.document(id))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WriteDocument implements remote.Store. Writes are keyed by id, so
// replaying the same write never creates a second document.
func (s *Store) WriteDocument(ctx context.Context, kind types.Kind, id string, fields json.RawMessage, expectedVersion *time.Time) (*remote.WriteResult, error) {
	if err := s.begin(ctx, OpWrite); err != nil {
		return nil, err
	}
	if _, err := types.Decode(kind, types.Document{ID: id, Fields: fields, UpdatedAt: time.Now()}); err != nil {
		return nil, fmt.Errorf("%w: %w", remote.ErrRejected, err)
	}

	s.mu.Lock()
	cur := s.docs[kind][id]
	if expectedVersion != nil {
		if cur == nil || cur.deleted || !cur.updatedAt.Equal(*expectedVersion) {
			s.mu.Unlock()
			return nil, fmt.Errorf("write %s/%s: %w", kind, id, remote.ErrConflict)
		}
	}
	created := cur == nil || cur.deleted
	r := s.putLocked(kind, id, fields)
	result := &remote.WriteResult{UpdatedAt: r.updatedAt, Created: created}
	s.mu.Unlock()

	s.publish(remote.Change{Kind: kind, ID: id, UpdatedAt: result.UpdatedAt})
	return result, nil
}

// DeleteDocument implements remote.Store. The document is kept as a
// tombstone so that change feeds carry the delete.
func (s *Store) DeleteDocument(ctx context.Context, kind types.Kind, id string) error {
	if err := s.begin(ctx, OpDelete); err != nil {
		return err
	}

	s.mu.Lock()
	cur := s.docs[kind][id]
	if cur == nil || cur.deleted {
		s.mu.Unlock()
		return fmt.Errorf("delete %s/%s: %w", kind, id, remote.ErrNotFound)
	}
	cur.deleted = true
	cur.fields = nil
	cur.updatedAt = s.stamp()
	change := remote.Change{Kind: kind, ID: id, UpdatedAt: cur.updatedAt, Deleted: true}
	s.mu.Unlock()

	s.publish(change)
	return nil
}

// ListPage implements remote.Store.
func (s *Store) ListPage(ctx context.Context, kind types.Kind, req remote.ListRequest) (*remote.ListResult, error) {
	if err := s.begin(ctx, OpList); err != nil {
		return nil, err
	}
	m, err := newMatcher(req.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrRejected, err)
	}
	var after *pageCursor
	if req.Cursor != "" {
		c, err := decodeCursor(req.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrRejected, err)
		}
		after = &c
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	s.mu.Lock()
	rows := make([]row, 0)
	for id, r := range s.docs[kind] {
		if r.deleted {
			continue
		}
		values, err := fieldValues(id, r)
		if err != nil {
			continue
		}
		if !m.match(values) {
			continue
		}
		rows = append(rows, row{doc: r.document(id), order: values[m.orderBy]})
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return m.less(rows[i], rows[j]) })

	result := &remote.ListResult{Documents: make([]types.Document, 0, limit)}
	var last row
	for _, r := range rows {
		if after != nil && !m.isAfter(r, *after) {
			continue
		}
		result.Documents = append(result.Documents, r.doc)
		last = r
		if len(result.Documents) == limit {
			break
		}
	}
	if len(result.Documents) > 0 {
		result.NextCursor = encodeCursor(pageCursor{V: last.order, K: last.doc.ID})
	}
	return result, nil
}
