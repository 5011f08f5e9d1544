package models

import (
	"strings"
	"time"
)

// ResourceType identifies one of the upstream catalog resources we ingest.
type ResourceType string

const (
	ResourceManga   ResourceType = "manga"
	ResourceChapter ResourceType = "chapter"
	ResourceAuthor  ResourceType = "author"
	ResourceTag     ResourceType = "tag"
)

// WriteOrder lists resource types in relational dependency order:
// referenced entities first, referencing entities (chapters) last.
var WriteOrder = []ResourceType{ResourceAuthor, ResourceTag, ResourceManga, ResourceChapter}

func (r ResourceType) Valid() bool {
	switch r {
	case ResourceManga, ResourceChapter, ResourceAuthor, ResourceTag:
		return true
	}
	return false
}

// Publication status of a manga, normalized across upstream spellings.
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusHiatus    Status = "hiatus"
	StatusCancelled Status = "cancelled"
	// StatusUnknown absorbs spellings no mapping covers, so the status
	// column only ever holds values from this enum.
	StatusUnknown Status = "unknown"
)

// Ref is a foreign reference to another canonical entity by upstream ID.
type Ref struct {
	Resource ResourceType `json:"resource"`
	ID       string       `json:"id"`
}

// Entity is the normalized, internal form of one upstream record.
//
// All upstream payloads are mapped into one of the concrete types below
// first, then hashed, reconciled and written from that representation.
type Entity interface {
	EntityID() string
	Resource() ResourceType
	Refs() []Ref
	// ModifiedAt is the upstream-reported modification time, used for
	// last-write-wins when two runs race on the same entity. Zero when
	// the upstream did not report one.
	ModifiedAt() time.Time
}

// Manga is the canonical form of a series entry.
type Manga struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	AltTitles        []string  `json:"alt_titles,omitempty"`
	Description      string    `json:"description,omitempty"`
	Status           Status    `json:"status,omitempty"`
	Year             int       `json:"year,omitempty"`
	OriginalLanguage string    `json:"original_language,omitempty"`
	CoverURL         string    `json:"cover_url,omitempty"`
	AuthorIDs        []string  `json:"author_ids,omitempty"`
	TagIDs           []string  `json:"tag_ids,omitempty"`
	CreatedAt        time.Time `json:"created_at,omitzero"`
	UpdatedAt        time.Time `json:"updated_at,omitzero"`
}

func (m Manga) EntityID() string { return m.ID }
func (m Manga) Resource() ResourceType { return ResourceManga }
func (m Manga) ModifiedAt() time.Time { return m.UpdatedAt }

func (m Manga) Refs() []Ref {
	refs := make([]Ref, 0, len(m.AuthorIDs)+len(m.TagIDs))
	for _, id := range m.AuthorIDs {
		refs = append(refs, Ref{Resource: ResourceAuthor, ID: id})
	}
	for _, id := range m.TagIDs {
		refs = append(refs, Ref{Resource: ResourceTag, ID: id})
	}
	return refs
}

// Chapter is the canonical form of a single chapter release.
type Chapter struct {
	ID        string    `json:"id"`
	MangaID   string    `json:"manga_id"`
	Number    string    `json:"number,omitempty"` // upstream sends "12.5", "Extra", ...
	Volume    string    `json:"volume,omitempty"`
	Title     string    `json:"title,omitempty"`
	Language  string    `json:"language,omitempty"`
	Pages     int       `json:"pages,omitempty"`
	PublishAt time.Time `json:"publish_at,omitzero"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

func (c Chapter) EntityID() string { return c.ID }
func (c Chapter) Resource() ResourceType { return ResourceChapter }
func (c Chapter) ModifiedAt() time.Time { return c.UpdatedAt }

func (c Chapter) Refs() []Ref {
	return []Ref{{Resource: ResourceManga, ID: c.MangaID}}
}

// Author is the canonical form of an author or artist.
type Author struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Biography string    `json:"biography,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

func (a Author) EntityID() string { return a.ID }
func (a Author) Resource() ResourceType { return ResourceAuthor }
func (a Author) ModifiedAt() time.Time { return a.UpdatedAt }
func (a Author) Refs() []Ref { return nil }

// Tag is the canonical form of a genre/theme tag.
type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group,omitempty"` // genre, theme, format, ...
}

func (t Tag) EntityID() string { return t.ID }
func (t Tag) Resource() ResourceType { return ResourceTag }
func (t Tag) ModifiedAt() time.Time { return time.Time{} }
func (t Tag) Refs() []Ref { return nil }

// NormalizeStatus maps upstream status spellings onto the Status enum.
// Absent stays absent; anything unrecognized becomes StatusUnknown
// rather than leaking a raw upstream value into the enum.
func NormalizeStatus(s string) Status {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	switch Status(s) {
	case StatusOngoing, StatusCompleted, StatusHiatus, StatusCancelled:
		return Status(s)
	}
	switch s {
	case "canceled":
		return StatusCancelled
	case "finished", "end":
		return StatusCompleted
	case "publishing", "running":
		return StatusOngoing
	default:
		return StatusUnknown
	}
}
