package types

import (
	"time"

	"github.com/hyperengineering/heritage/internal/validation"
)

// Allowed values for enumerated entity fields.
var (
	HeritageStatuses = []string{"listed", "candidate", "none"}
	ApprovalStatuses = []string{"pending", "approved", "rejected"}
	Roles            = []string{"visitor", "editor", "admin"}
)

const (
	maxNameLength = 200
	maxTextLength = 10000
)

// Church is a mirrored heritage site.
type Church struct {
	Mirror `json:"-"`

	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Denomination   string    `json:"denomination,omitempty"`
	Address        string    `json:"address,omitempty"`
	City           string    `json:"city,omitempty"`
	Region         string    `json:"region,omitempty"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	FoundedYear    int       `json:"founded_year,omitempty"`
	Description    string    `json:"description,omitempty"`
	HeritageStatus string    `json:"heritage_status"`
	ImageID        string    `json:"image_id,omitempty"`
	ApprovalStatus string    `json:"approval_status"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (c *Church) Kind() Kind       { return KindChurch }
func (c *Church) Key() string      { return c.ID }
func (c *Church) SetKey(id string) { c.ID = id }

func (c *Church) Clone() Entity {
	out := *c
	out.Mirror = c.Mirror.clone()
	return &out
}

// Validate checks a church before it is stored or accepted from the remote.
func (c *Church) Validate() error {
	v := &validation.Collector{}
	v.Add(validation.ValidateKey("id", c.ID))
	v.Add(validation.ValidateRequired("name", c.Name))
	v.Text("name", c.Name, maxNameLength)
	v.Text("denomination", c.Denomination, maxNameLength)
	v.Text("address", c.Address, maxNameLength)
	v.Text("city", c.City, maxNameLength)
	v.Text("region", c.Region, maxNameLength)
	v.Text("description", c.Description, maxTextLength)
	v.Add(validation.ValidateRange("latitude", c.Latitude, -90, 90))
	v.Add(validation.ValidateRange("longitude", c.Longitude, -180, 180))
	v.Add(validation.ValidateEnum("heritage_status", c.HeritageStatus, HeritageStatuses))
	v.Add(validation.ValidateEnum("approval_status", c.ApprovalStatus, ApprovalStatuses))
	return v.Err()
}

// Announcement is a notice published by a church.
type Announcement struct {
	Mirror `json:"-"`

	ID             string     `json:"id"`
	ChurchID       string     `json:"church_id"`
	Title          string     `json:"title"`
	Body           string     `json:"body,omitempty"`
	AuthorID       string     `json:"author_id,omitempty"`
	PublishedAt    time.Time  `json:"published_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ApprovalStatus string     `json:"approval_status"`
}

func (a *Announcement) Kind() Kind       { return KindAnnouncement }
func (a *Announcement) Key() string      { return a.ID }
func (a *Announcement) SetKey(id string) { a.ID = id }

func (a *Announcement) Clone() Entity {
	out := *a
	out.Mirror = a.Mirror.clone()
	out.ExpiresAt = cloneTime(a.ExpiresAt)
	return &out
}

func (a *Announcement) Validate() error {
	v := &validation.Collector{}
	v.Add(validation.ValidateKey("id", a.ID))
	v.Add(validation.ValidateKey("church_id", a.ChurchID))
	v.Add(validation.ValidateRequired("title", a.Title))
	v.Text("title", a.Title, maxNameLength)
	v.Text("body", a.Body, maxTextLength)
	v.Add(validation.ValidateEnum("approval_status", a.ApprovalStatus, ApprovalStatuses))
	if a.PublishedAt.IsZero() {
		v.Add(&validation.ValidationError{Field: "published_at", Message: "is required"})
	}
	if a.ExpiresAt != nil && a.ExpiresAt.Before(a.PublishedAt) {
		v.Add(&validation.ValidationError{Field: "expires_at", Message: "must not precede published_at"})
	}
	return v.Err()
}

// UserProfile is the public profile of an app user.
type UserProfile struct {
	Mirror `json:"-"`

	ID                string   `json:"id"`
	DisplayName       string   `json:"display_name"`
	Email             string   `json:"email,omitempty"`
	Role              string   `json:"role"`
	HomeChurchID      string   `json:"home_church_id,omitempty"`
	FavoriteChurchIDs []string `json:"favorite_church_ids,omitempty"`
}

func (u *UserProfile) Kind() Kind       { return KindUserProfile }
func (u *UserProfile) Key() string      { return u.ID }
func (u *UserProfile) SetKey(id string) { u.ID = id }

func (u *UserProfile) Clone() Entity {
	out := *u
	out.Mirror = u.Mirror.clone()
	if u.FavoriteChurchIDs != nil {
		out.FavoriteChurchIDs = append([]string(nil), u.FavoriteChurchIDs...)
	}
	return &out
}

func (u *UserProfile) Validate() error {
	v := &validation.Collector{}
	v.Add(validation.ValidateKey("id", u.ID))
	v.Add(validation.ValidateRequired("display_name", u.DisplayName))
	v.Text("display_name", u.DisplayName, maxNameLength)
	v.Text("email", u.Email, maxNameLength)
	v.Add(validation.ValidateEnum("role", u.Role, Roles))
	for _, id := range u.FavoriteChurchIDs {
		v.Add(validation.ValidateKey("favorite_church_ids", id))
	}
	return v.Err()
}

// ImageCacheEntry describes a remote image blob and its local copy.
// LocalPath, LastAccessedAt and IsPermanent never leave the device.
type ImageCacheEntry struct {
	Mirror `json:"-"`

	ContentID   string `json:"content_id"`
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	Caption     string `json:"caption,omitempty"`

	LocalPath      string     `json:"-"`
	LastAccessedAt *time.Time `json:"-"`
	IsPermanent    bool       `json:"-"`
}

func (i *ImageCacheEntry) Kind() Kind       { return KindImage }
func (i *ImageCacheEntry) Key() string      { return i.ContentID }
func (i *ImageCacheEntry) SetKey(id string) { i.ContentID = id }

func (i *ImageCacheEntry) Clone() Entity {
	out := *i
	out.Mirror = i.Mirror.clone()
	out.LastAccessedAt = cloneTime(i.LastAccessedAt)
	return &out
}

func (i *ImageCacheEntry) Validate() error {
	v := &validation.Collector{}
	v.Add(validation.ValidateKey("content_id", i.ContentID))
	v.Add(validation.ValidateRequired("object_key", i.ObjectKey))
	v.Text("object_key", i.ObjectKey, 1024)
	v.Text("caption", i.Caption, maxNameLength)
	if i.SizeBytes < 0 {
		v.Add(&validation.ValidationError{Field: "size_bytes", Message: "must not be negative"})
	}
	return v.Err()
}
