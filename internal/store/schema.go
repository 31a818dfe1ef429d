package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/heritage/internal/types"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// tableSchema maps one entity kind onto its mirror table.
type tableSchema struct {
	kind  types.Kind
	table string
	key   string
	// columns are the remote fields, key first.
	columns []string
	// local columns live only on this device. Remote applies never overwrite them.
	local []string
	// bind returns scan/bind targets for columns followed by local.
	bind func(e types.Entity) []any
}

var mirrorColumns = []string{"updated_at", "last_synced_at", "needs_sync", "deleted_at"}

func bindMirror(m *types.Mirror) []any {
	return []any{timeText{&m.UpdatedAt}, nullTimeText{&m.LastSyncedAt}, intBool{&m.NeedsSync}, nullTimeText{&m.DeletedAt}}
}

var schemas = map[types.Kind]*tableSchema{
	types.KindChurch: {
		kind:  types.KindChurch,
		table: "churches",
		key:   "id",
		columns: []string{"id", "name", "denomination", "address", "city", "region", "latitude", "longitude",
			"founded_year", "description", "heritage_status", "image_id", "approval_status", "created_by", "created_at"},
		bind: func(e types.Entity) []any {
			c := e.(*types.Church)
			return []any{&c.ID, &c.Name, &c.Denomination, &c.Address, &c.City, &c.Region, &c.Latitude, &c.Longitude,
				&c.FoundedYear, &c.Description, &c.HeritageStatus, &c.ImageID, &c.ApprovalStatus, &c.CreatedBy, timeText{&c.CreatedAt}}
		},
	},
	types.KindAnnouncement: {
		kind:    types.KindAnnouncement,
		table:   "announcements",
		key:     "id",
		columns: []string{"id", "church_id", "title", "body", "author_id", "published_at", "expires_at", "approval_status"},
		bind: func(e types.Entity) []any {
			a := e.(*types.Announcement)
			return []any{&a.ID, &a.ChurchID, &a.Title, &a.Body, &a.AuthorID, timeText{&a.PublishedAt}, nullTimeText{&a.ExpiresAt}, &a.ApprovalStatus}
		},
	},
	types.KindUserProfile: {
		kind:    types.KindUserProfile,
		table:   "user_profiles",
		key:     "id",
		columns: []string{"id", "display_name", "email", "role", "home_church_id", "favorite_church_ids"},
		bind: func(e types.Entity) []any {
			u := e.(*types.UserProfile)
			return []any{&u.ID, &u.DisplayName, &u.Email, &u.Role, &u.HomeChurchID, jsonText{&u.FavoriteChurchIDs}}
		},
	},
	types.KindImage: {
		kind:    types.KindImage,
		table:   "image_cache_entries",
		key:     "content_id",
		columns: []string{"content_id", "object_key", "content_type", "size_bytes", "caption"},
		local:   []string{"local_path", "last_accessed_at", "is_permanent"},
		bind: func(e types.Entity) []any {
			i := e.(*types.ImageCacheEntry)
			return []any{&i.ContentID, &i.ObjectKey, &i.ContentType, &i.SizeBytes, &i.Caption,
				&i.LocalPath, nullTimeText{&i.LastAccessedAt}, intBool{&i.IsPermanent}}
		},
	},
}

func schemaFor(kind types.Kind) (*tableSchema, error) {
	s, ok := schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownKind, kind)
	}
	return s, nil
}

// selectList is the column list read back by scanEntity.
func (s *tableSchema) selectList() string {
	cols := make([]string, 0, len(s.columns)+len(s.local)+len(mirrorColumns))
	cols = append(cols, s.columns...)
	cols = append(cols, s.local...)
	cols = append(cols, mirrorColumns...)
	return strings.Join(cols, ", ")
}

// filterable reports whether col may appear in a predicate or ORDER BY.
func (s *tableSchema) filterable(col string) bool {
	if col == "updated_at" {
		return true
	}
	for _, c := range s.columns {
		if c == col {
			return true
		}
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}

// scanEntity reads one row selected with selectList, plus any extra targets.
func (s *tableSchema) scanEntity(row scanner, extra ...any) (types.Entity, error) {
	e, err := types.New(s.kind)
	if err != nil {
		return nil, err
	}
	dest := append(s.bind(e), bindMirror(e.Meta())...)
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return e, nil
}

// upsertSQL builds INSERT ... ON CONFLICT DO UPDATE for a full row write.
// Local columns are inserted but never updated on conflict.
func (s *tableSchema) upsertSQL() string {
	cols := make([]string, 0, len(s.columns)+len(s.local)+len(mirrorColumns))
	cols = append(cols, s.columns...)
	cols = append(cols, s.local...)
	cols = append(cols, mirrorColumns...)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	updates := make([]string, 0, len(s.columns)+len(mirrorColumns))
	for _, c := range s.columns[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	for _, c := range mirrorColumns {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		s.table, strings.Join(cols, ", "), placeholders, s.key, strings.Join(updates, ", "))
}

func (s *tableSchema) upsertArgs(e types.Entity) []any {
	return append(s.bind(e), bindMirror(e.Meta())...)
}

// timeText stores a time.Time as fixed-width UTC text.
type timeText struct{ t *time.Time }

func (v timeText) Value() (driver.Value, error) {
	return formatTime(*v.t), nil
}

func (v timeText) Scan(src any) error {
	s, err := asString(src)
	if err != nil {
		return err
	}
	t, err := parseTime(s)
	if err != nil {
		return fmt.Errorf("parse time %q: %w", s, err)
	}
	*v.t = t
	return nil
}

// nullTimeText stores a *time.Time as text or NULL.
type nullTimeText struct{ t **time.Time }

func (v nullTimeText) Value() (driver.Value, error) {
	if *v.t == nil {
		return nil, nil
	}
	return formatTime(**v.t), nil
}

func (v nullTimeText) Scan(src any) error {
	if src == nil {
		*v.t = nil
		return nil
	}
	s, err := asString(src)
	if err != nil {
		return err
	}
	t, err := parseTime(s)
	if err != nil {
		return fmt.Errorf("parse time %q: %w", s, err)
	}
	*v.t = &t
	return nil
}

// intBool stores a bool as INTEGER 0/1.
type intBool struct{ b *bool }

func (v intBool) Value() (driver.Value, error) {
	if *v.b {
		return int64(1), nil
	}
	return int64(0), nil
}

func (v intBool) Scan(src any) error {
	switch x := src.(type) {
	case int64:
		*v.b = x != 0
	case bool:
		*v.b = x
	case nil:
		*v.b = false
	default:
		return fmt.Errorf("scan bool: unexpected %T", src)
	}
	return nil
}

// jsonText stores any JSON-encodable value as TEXT.
type jsonText struct{ v any }

func (j jsonText) Value() (driver.Value, error) {
	data, err := json.Marshal(j.v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func (j jsonText) Scan(src any) error {
	if src == nil {
		return nil
	}
	s, err := asString(src)
	if err != nil {
		return err
	}
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), j.v)
}

func asString(src any) (string, error) {
	switch x := src.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("expected text, got %T", src)
	}
}
