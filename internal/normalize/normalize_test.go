package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangapipe/pkg/models"
)

func mangaRecord(id string, payload string) models.RawRecord {
	return models.RawRecord{Resource: models.ResourceManga, ID: id, Payload: json.RawMessage(payload)}
}

const fullManga = `{
	"id": "m1",
	"type": "manga",
	"attributes": {
		"title": {"ja": "ワンピース", "en": "One Piece"},
		"altTitles": [{"en": "OP"}, {"fr": "One Piece (FR)"}],
		"description": {"en": "Pirates."},
		"status": "Ongoing",
		"year": 1997,
		"originalLanguage": "ja",
		"createdAt": "2024-01-02T03:04:05+00:00",
		"updatedAt": "2024-02-02T03:04:05+00:00",
		"tags": [
			{"id": "t2", "attributes": {"name": {"en": "Adventure"}, "group": "genre"}},
			{"id": "t1", "attributes": {"name": {"en": "Action"}, "group": "genre"}}
		]
	},
	"relationships": [
		{"id": "a1", "type": "author", "attributes": {"name": "Oda Eiichiro"}},
		{"id": "c1", "type": "cover_art", "attributes": {"fileName": "cover.jpg"}}
	]
}`

func TestNormalize_Manga(t *testing.T) {
	n := New("en")
	res := n.Record(mangaRecord("m1", fullManga))
	require.Nil(t, res.Err)

	m, ok := res.Entity.(models.Manga)
	require.True(t, ok)

	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "One Piece", m.Title, "configured locale wins over upstream order")
	assert.Equal(t, []string{"OP", "One Piece (FR)"}, m.AltTitles)
	assert.Equal(t, models.StatusOngoing, m.Status)
	assert.Equal(t, 1997, m.Year)
	assert.Equal(t, "https://uploads.mangadex.org/covers/m1/cover.jpg", m.CoverURL)
	assert.Equal(t, []string{"a1"}, m.AuthorIDs)
	assert.Equal(t, []string{"t1", "t2"}, m.TagIDs, "tag refs are sorted")
	assert.Equal(t, time.Date(2024, 2, 2, 3, 4, 5, 0, time.UTC), m.UpdatedAt)

	// embedded author and tags come out as side entities
	require.Len(t, res.Extras, 3)
	assert.Equal(t, models.Tag{ID: "t2", Name: "Adventure", Group: "genre"}, res.Extras[0])
	assert.Equal(t, models.Tag{ID: "t1", Name: "Action", Group: "genre"}, res.Extras[1])
	assert.Equal(t, models.Author{ID: "a1", Name: "Oda Eiichiro"}, res.Extras[2])
}

func TestNormalize_LocaleFallbackIsDeterministic(t *testing.T) {
	n := New("en")
	payload := `{"attributes": {"title": {"ja": "日本語", "ko": "한국어"}, "createdAt": "2024-01-01T00:00:00+00:00"}}`

	// no "en" entry: fall back to the first upstream entry, every time
	for range 20 {
		res := n.Record(mangaRecord("m2", payload))
		require.Nil(t, res.Err)
		assert.Equal(t, "日本語", res.Entity.(models.Manga).Title)
	}
}

func TestNormalize_DropsRefsWithoutSideEntities(t *testing.T) {
	n := New("en")

	// the artist relationship is unexpanded (no attributes) and the
	// second tag has no resolvable name; neither may survive as a ref,
	// or the relational link would point at a row that never exists
	res := n.Record(mangaRecord("m1", `{
		"attributes": {
			"title": {"en": "One"},
			"tags": [
				{"id": "t1", "attributes": {"name": {"en": "Action"}, "group": "genre"}},
				{"id": "t2", "attributes": {"name": {}}}
			]
		},
		"relationships": [
			{"id": "a1", "type": "author", "attributes": {"name": "Writer"}},
			{"id": "artist-1", "type": "artist"}
		]
	}`))
	require.Nil(t, res.Err)

	m := res.Entity.(models.Manga)
	assert.Equal(t, []string{"a1"}, m.AuthorIDs)
	assert.Equal(t, []string{"t1"}, m.TagIDs)

	require.Len(t, res.Extras, 2)
	assert.Equal(t, models.Tag{ID: "t1", Name: "Action", Group: "genre"}, res.Extras[0])
	assert.Equal(t, models.Author{ID: "a1", Name: "Writer"}, res.Extras[1])
}

func TestNormalize_ArtistCountsAsAuthorRef(t *testing.T) {
	n := New("en")
	res := n.Record(mangaRecord("m1", `{
		"attributes": {"title": {"en": "One"}},
		"relationships": [{"id": "artist-1", "type": "artist", "attributes": {"name": "Illustrator"}}]
	}`))
	require.Nil(t, res.Err)

	m := res.Entity.(models.Manga)
	assert.Equal(t, []string{"artist-1"}, m.AuthorIDs)
	require.Len(t, res.Extras, 1)
	assert.Equal(t, models.Author{ID: "artist-1", Name: "Illustrator"}, res.Extras[0])
}

func TestNormalize_MissingTitle(t *testing.T) {
	n := New("en")
	res := n.Record(mangaRecord("m3", `{"attributes": {"title": {}, "status": "ongoing"}}`))

	require.NotNil(t, res.Err)
	assert.Equal(t, "title", res.Err.Field)
	assert.Equal(t, "m3", res.Err.RecordID)
}

func TestNormalize_BadTimestamp(t *testing.T) {
	n := New("en")
	res := n.Record(mangaRecord("m4", `{"attributes": {"title": {"en": "X"}, "createdAt": "yesterday"}}`))

	require.NotNil(t, res.Err)
	assert.Equal(t, "createdAt", res.Err.Field)
}

func TestNormalize_ChapterRequiresMangaRef(t *testing.T) {
	n := New("en")

	rec := models.RawRecord{Resource: models.ResourceChapter, ID: "c1", Payload: json.RawMessage(`{
		"attributes": {"chapter": "12.5", "translatedLanguage": "en", "pages": 20},
		"relationships": [{"id": "sg1", "type": "scanlation_group"}]
	}`)}
	res := n.Record(rec)
	require.NotNil(t, res.Err)
	assert.Equal(t, "manga", res.Err.Field)

	rec.Payload = json.RawMessage(`{
		"attributes": {"chapter": "12.5", "translatedLanguage": "en", "pages": 20},
		"relationships": [{"id": "m1", "type": "manga"}]
	}`)
	res = n.Record(rec)
	require.Nil(t, res.Err)

	ch := res.Entity.(models.Chapter)
	assert.Equal(t, "m1", ch.MangaID)
	assert.Equal(t, "12.5", ch.Number)
	assert.Equal(t, []models.Ref{{Resource: models.ResourceManga, ID: "m1"}}, ch.Refs())
}

func TestNormalize_AuthorAndTag(t *testing.T) {
	n := New("en")

	res := n.Record(models.RawRecord{Resource: models.ResourceAuthor, ID: "a1",
		Payload: json.RawMessage(`{"attributes": {"name": "CLAMP", "biography": {"en": "Collective."}}}`)})
	require.Nil(t, res.Err)
	assert.Equal(t, models.Author{ID: "a1", Name: "CLAMP", Biography: "Collective."}, res.Entity)

	res = n.Record(models.RawRecord{Resource: models.ResourceAuthor, ID: "a2",
		Payload: json.RawMessage(`{"attributes": {}}`)})
	require.NotNil(t, res.Err)
	assert.Equal(t, "name", res.Err.Field)

	res = n.Record(models.RawRecord{Resource: models.ResourceTag, ID: "t1",
		Payload: json.RawMessage(`{"attributes": {"name": {"en": "Action"}, "group": "genre"}}`)})
	require.Nil(t, res.Err)
	assert.Equal(t, models.Tag{ID: "t1", Name: "Action", Group: "genre"}, res.Entity)
}

func TestNormalize_PageKeepsGoingPastBadRecords(t *testing.T) {
	n := New("en")
	page := &models.RawPage{
		Resource: models.ResourceManga,
		Records: []models.RawRecord{
			mangaRecord("m1", `{"attributes": {"title": {"en": "First"}}}`),
			mangaRecord("m2", `{"attributes": {"title": {}}}`), // missing title
			mangaRecord("m3", `{"attributes": {"title": {"en": "Third"}}}`),
		},
	}

	entities, errs := n.Page(page)
	require.Len(t, errs, 1)
	assert.Equal(t, "m2", errs[0].RecordID)

	require.Len(t, entities, 2)
	assert.Equal(t, "m1", entities[0].EntityID())
	assert.Equal(t, "m3", entities[1].EntityID())
}

func TestNormalize_PageDedupesEmbeddedEntities(t *testing.T) {
	n := New("en")
	page := &models.RawPage{
		Resource: models.ResourceManga,
		Records: []models.RawRecord{
			mangaRecord("m1", `{"attributes": {"title": {"en": "One"}}, "relationships": [{"id": "a1", "type": "author", "attributes": {"name": "Same Author"}}]}`),
			mangaRecord("m2", `{"attributes": {"title": {"en": "Two"}}, "relationships": [{"id": "a1", "type": "author", "attributes": {"name": "Same Author"}}]}`),
		},
	}

	entities, errs := n.Page(page)
	require.Empty(t, errs)

	// a1 appears once, before the manga that reference it
	require.Len(t, entities, 3)
	assert.Equal(t, models.ResourceAuthor, entities[0].Resource())
	assert.Equal(t, "m1", entities[1].EntityID())
	assert.Equal(t, "m2", entities[2].EntityID())
}
