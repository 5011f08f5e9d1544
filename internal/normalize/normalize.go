package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"mangapipe/pkg/models"
)

// Error is a per-record normalization failure. One bad record never
// aborts its page; the caller accumulates these and keeps going.
type Error struct {
	Resource models.ResourceType
	RecordID string
	Field    string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s %s: field %q: %s", e.Resource, e.RecordID, e.Field, e.Reason)
}

// Result is the outcome for one raw record: either a canonical entity
// (possibly with side entities embedded in the payload, e.g. the
// authors and tags included in a manga record) or an Error.
type Result struct {
	Entity models.Entity
	Extras []models.Entity
	Err    *Error
}

// Normalizer maps raw upstream payloads into canonical entities.
type Normalizer struct {
	// Locale picked first when a field comes in several localizations.
	// Fallback is the first entry in upstream-provided order.
	Locale string
}

func New(locale string) *Normalizer {
	if locale == "" {
		locale = "en"
	}
	return &Normalizer{Locale: locale}
}

// Record normalizes one raw record according to its resource type.
func (n *Normalizer) Record(rec models.RawRecord) Result {
	switch rec.Resource {
	case models.ResourceManga:
		return n.manga(rec)
	case models.ResourceChapter:
		return n.chapter(rec)
	case models.ResourceAuthor:
		return n.author(rec)
	case models.ResourceTag:
		return n.tag(rec)
	default:
		return Result{Err: &Error{Resource: rec.Resource, RecordID: rec.ID, Field: "type", Reason: "unknown resource type"}}
	}
}

// Page normalizes a whole page, splitting successes from failures and
// deduplicating side entities within the page.
func (n *Normalizer) Page(page *models.RawPage) ([]models.Entity, []*Error) {
	var entities []models.Entity
	var errs []*Error
	seen := make(map[models.Ref]struct{}, len(page.Records))

	add := func(e models.Entity) {
		key := models.Ref{Resource: e.Resource(), ID: e.EntityID()}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		entities = append(entities, e)
	}

	for _, rec := range page.Records {
		res := n.Record(rec)
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		// side entities first so they precede the record that embeds them
		for _, ex := range res.Extras {
			add(ex)
		}
		add(res.Entity)
	}
	return entities, errs
}

type mangaAttrs struct {
	Title            json.RawMessage   `json:"title"`
	AltTitles        []json.RawMessage `json:"altTitles"`
	Description      json.RawMessage   `json:"description"`
	Status           string            `json:"status"`
	Year             int               `json:"year"`
	OriginalLanguage string            `json:"originalLanguage"`
	CreatedAt        string            `json:"createdAt"`
	UpdatedAt        string            `json:"updatedAt"`
	Tags             []struct {
		ID         string `json:"id"`
		Attributes struct {
			Name  json.RawMessage `json:"name"`
			Group string          `json:"group"`
		} `json:"attributes"`
	} `json:"tags"`
}

type relationship struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Name      string          `json:"name"`
		Biography json.RawMessage `json:"biography"`
		FileName  string          `json:"fileName"`
	} `json:"attributes"`
}

func (n *Normalizer) manga(rec models.RawRecord) Result {
	var item struct {
		Attributes    mangaAttrs     `json:"attributes"`
		Relationships []relationship `json:"relationships"`
	}
	if err := json.Unmarshal(rec.Payload, &item); err != nil {
		return fail(rec, "attributes", "decode: "+err.Error())
	}

	title := n.pickLocalized(item.Attributes.Title)
	if title == "" {
		// a manga without any title anywhere is unusable downstream
		for _, alt := range item.Attributes.AltTitles {
			if title = n.pickLocalized(alt); title != "" {
				break
			}
		}
	}
	if title == "" {
		return fail(rec, "title", "missing required field")
	}

	createdAt, err := parseTime(item.Attributes.CreatedAt)
	if err != nil {
		return fail(rec, "createdAt", err.Error())
	}
	updatedAt, err := parseTime(item.Attributes.UpdatedAt)
	if err != nil {
		return fail(rec, "updatedAt", err.Error())
	}

	var altTitles []string
	for _, alt := range item.Attributes.AltTitles {
		if v := n.pickLocalized(alt); v != "" && v != title {
			altTitles = appendIfMissing(altTitles, v)
		}
	}

	// A reference is only kept when its side entity can be emitted too;
	// a ref without one would make the relational link point at a row
	// that is never written, and the page could never commit.
	var extras []models.Entity
	var tagIDs []string
	for _, t := range item.Attributes.Tags {
		if t.ID == "" {
			continue
		}
		name := n.pickLocalized(t.Attributes.Name)
		if name == "" {
			log.Printf("[normalize] manga %s: dropping tag ref %s (no resolvable name)", rec.ID, t.ID)
			continue
		}
		tagIDs = appendIfMissing(tagIDs, t.ID)
		extras = append(extras, models.Tag{ID: t.ID, Name: name, Group: t.Attributes.Group})
	}

	var authorIDs []string
	coverURL := ""
	for _, rel := range item.Relationships {
		switch rel.Type {
		case "author", "artist":
			if rel.ID == "" {
				continue
			}
			if rel.Attributes.Name == "" {
				// relationship came back unexpanded
				log.Printf("[normalize] manga %s: dropping %s ref %s (no attributes)", rec.ID, rel.Type, rel.ID)
				continue
			}
			authorIDs = appendIfMissing(authorIDs, rel.ID)
			extras = append(extras, models.Author{
				ID:        rel.ID,
				Name:      rel.Attributes.Name,
				Biography: n.pickLocalized(rel.Attributes.Biography),
			})
		case "cover_art":
			if coverURL == "" && rel.Attributes.FileName != "" {
				coverURL = fmt.Sprintf("https://uploads.mangadex.org/covers/%s/%s", rec.ID, rel.Attributes.FileName)
			}
		}
	}

	// sorted reference sets keep the content hash independent of the
	// upstream's relationship ordering
	sort.Strings(tagIDs)
	sort.Strings(authorIDs)

	return Result{
		Entity: models.Manga{
			ID:               rec.ID,
			Title:            title,
			AltTitles:        altTitles,
			Description:      n.pickLocalized(item.Attributes.Description),
			Status:           models.NormalizeStatus(item.Attributes.Status),
			Year:             item.Attributes.Year,
			OriginalLanguage: item.Attributes.OriginalLanguage,
			CoverURL:         coverURL,
			AuthorIDs:        authorIDs,
			TagIDs:           tagIDs,
			CreatedAt:        createdAt,
			UpdatedAt:        updatedAt,
		},
		Extras: extras,
	}
}

func (n *Normalizer) chapter(rec models.RawRecord) Result {
	var item struct {
		Attributes struct {
			Chapter            string `json:"chapter"`
			Volume             string `json:"volume"`
			Title              string `json:"title"`
			TranslatedLanguage string `json:"translatedLanguage"`
			Pages              int    `json:"pages"`
			PublishAt          string `json:"publishAt"`
			CreatedAt          string `json:"createdAt"`
			UpdatedAt          string `json:"updatedAt"`
		} `json:"attributes"`
		Relationships []relationship `json:"relationships"`
	}
	if err := json.Unmarshal(rec.Payload, &item); err != nil {
		return fail(rec, "attributes", "decode: "+err.Error())
	}

	mangaID := ""
	for _, rel := range item.Relationships {
		if rel.Type == "manga" && rel.ID != "" {
			mangaID = rel.ID
			break
		}
	}
	if mangaID == "" {
		return fail(rec, "manga", "missing manga reference")
	}

	publishAt, err := parseTime(item.Attributes.PublishAt)
	if err != nil {
		return fail(rec, "publishAt", err.Error())
	}
	createdAt, err := parseTime(item.Attributes.CreatedAt)
	if err != nil {
		return fail(rec, "createdAt", err.Error())
	}
	updatedAt, err := parseTime(item.Attributes.UpdatedAt)
	if err != nil {
		return fail(rec, "updatedAt", err.Error())
	}

	return Result{Entity: models.Chapter{
		ID:        rec.ID,
		MangaID:   mangaID,
		Number:    item.Attributes.Chapter,
		Volume:    item.Attributes.Volume,
		Title:     item.Attributes.Title,
		Language:  item.Attributes.TranslatedLanguage,
		Pages:     item.Attributes.Pages,
		PublishAt: publishAt,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}}
}

func (n *Normalizer) author(rec models.RawRecord) Result {
	var item struct {
		Attributes struct {
			Name      string          `json:"name"`
			Biography json.RawMessage `json:"biography"`
			CreatedAt string          `json:"createdAt"`
			UpdatedAt string          `json:"updatedAt"`
		} `json:"attributes"`
	}
	if err := json.Unmarshal(rec.Payload, &item); err != nil {
		return fail(rec, "attributes", "decode: "+err.Error())
	}
	if item.Attributes.Name == "" {
		return fail(rec, "name", "missing required field")
	}

	createdAt, err := parseTime(item.Attributes.CreatedAt)
	if err != nil {
		return fail(rec, "createdAt", err.Error())
	}
	updatedAt, err := parseTime(item.Attributes.UpdatedAt)
	if err != nil {
		return fail(rec, "updatedAt", err.Error())
	}

	return Result{Entity: models.Author{
		ID:        rec.ID,
		Name:      item.Attributes.Name,
		Biography: n.pickLocalized(item.Attributes.Biography),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}}
}

func (n *Normalizer) tag(rec models.RawRecord) Result {
	var item struct {
		Attributes struct {
			Name  json.RawMessage `json:"name"`
			Group string          `json:"group"`
		} `json:"attributes"`
	}
	if err := json.Unmarshal(rec.Payload, &item); err != nil {
		return fail(rec, "attributes", "decode: "+err.Error())
	}

	name := n.pickLocalized(item.Attributes.Name)
	if name == "" {
		return fail(rec, "name", "missing required field")
	}

	return Result{Entity: models.Tag{ID: rec.ID, Name: name, Group: item.Attributes.Group}}
}

func fail(rec models.RawRecord, field, reason string) Result {
	return Result{Err: &Error{Resource: rec.Resource, RecordID: rec.ID, Field: field, Reason: reason}}
}

// pickLocalized picks a value from a localized string map, preferring
// the configured locale and falling back to the first entry in
// upstream-provided order. Decoding tokens by hand keeps the fallback
// deterministic — a Go map would randomize it.
func (n *Normalizer) pickLocalized(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var byLocale map[string]string
	if err := json.Unmarshal(raw, &byLocale); err != nil {
		return ""
	}
	if v := byLocale[n.Locale]; v != "" {
		return v
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil { // opening brace
		return ""
	}
	for dec.More() {
		if _, err := dec.Token(); err != nil { // key
			return ""
		}
		var v string
		if err := dec.Decode(&v); err != nil {
			return ""
		}
		if v != "" {
			return v
		}
	}
	return ""
}

// parseTime accepts the upstream's RFC3339 timestamps; empty is fine
// (not every record carries every timestamp).
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return t.UTC(), nil
}

func appendIfMissing(slice []string, v string) []string {
	for _, x := range slice {
		if x == v {
			return slice
		}
	}
	return append(slice, v)
}
