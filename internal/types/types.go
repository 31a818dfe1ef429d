package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind names a mirrored remote collection.
type Kind string

const (
	KindChurch       Kind = "church"
	KindAnnouncement Kind = "announcement"
	KindUserProfile  Kind = "user_profile"
	KindImage        Kind = "image"
)

// Kinds lists every mirrored kind in pull order.
var Kinds = []Kind{KindChurch, KindAnnouncement, KindUserProfile, KindImage}

var (
	// ErrUnknownKind is returned for a kind outside Kinds.
	ErrUnknownKind = errors.New("unknown entity kind")
	// ErrDecode is returned when a remote document cannot be turned into a
	// valid entity. Callers must skip the document rather than default it.
	ErrDecode = errors.New("decode remote document")
)

// ParseKind validates s against the known kinds.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Mirror is the bookkeeping every mirrored row carries next to its remote fields.
// It is never part of the pushed payload.
type Mirror struct {
	UpdatedAt    time.Time  `json:"-"`
	LastSyncedAt *time.Time `json:"-"`
	NeedsSync    bool       `json:"-"`
	DeletedAt    *time.Time `json:"-"`
}

// Meta gives access to the mirror bookkeeping of an entity.
func (m *Mirror) Meta() *Mirror { return m }

func (m Mirror) clone() Mirror {
	m.LastSyncedAt = cloneTime(m.LastSyncedAt)
	m.DeletedAt = cloneTime(m.DeletedAt)
	return m
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Entity is implemented by the typed mirror rows.
type Entity interface {
	Kind() Kind
	Key() string
	SetKey(id string)
	Meta() *Mirror
	Validate() error
	// Clone returns a deep copy that shares no memory with the receiver.
	Clone() Entity
}

// New returns an empty entity of the given kind.
func New(kind Kind) (Entity, error) {
	switch kind {
	case KindChurch:
		return &Church{}, nil
	case KindAnnouncement:
		return &Announcement{}, nil
	case KindUserProfile:
		return &UserProfile{}, nil
	case KindImage:
		return &ImageCacheEntry{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Fields returns the remote payload for e: the entity's JSON form without
// mirror bookkeeping or local-only columns.
func Fields(e Entity) (json.RawMessage, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s fields: %w", e.Kind(), err)
	}
	return data, nil
}

// Document is the remote representation of one entity.
type Document struct {
	ID        string          `json:"id"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Decode turns a remote document into a validated entity. The document key and
// timestamp are authoritative over anything inside Fields. Any failure wraps
// ErrDecode.
func Decode(kind Kind, doc Document) (Entity, error) {
	e, err := New(kind)
	if err != nil {
		return nil, err
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("%w: %s document without id", ErrDecode, kind)
	}
	if doc.UpdatedAt.IsZero() {
		return nil, fmt.Errorf("%w: %s/%s without updated_at", ErrDecode, kind, doc.ID)
	}
	if !doc.Deleted {
		if len(doc.Fields) == 0 {
			return nil, fmt.Errorf("%w: %s/%s without fields", ErrDecode, kind, doc.ID)
		}
		if err := json.Unmarshal(doc.Fields, e); err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %w", ErrDecode, kind, doc.ID, err)
		}
	}
	e.SetKey(doc.ID)
	m := e.Meta()
	m.UpdatedAt = doc.UpdatedAt.UTC()
	if doc.Deleted {
		t := m.UpdatedAt
		m.DeletedAt = &t
		return e, nil
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", ErrDecode, kind, doc.ID, err)
	}
	return e, nil
}
