package rss

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func TestParseRSSWithEnclosures(t *testing.T) {
	doc, err := NewParser().Parse(readFixture(t, "podcast.xml"))
	require.NoError(t, err)

	assert.Equal(t, "Example Podcast", doc.Title)
	assert.Equal(t, "https://podcast.example.com/logo.png", doc.Logo)
	require.Len(t, doc.Entries, 4)

	ep2 := doc.Entries[0]
	assert.Equal(t, "ep-2", ep2.ID)
	assert.Equal(t, "Second episode", ep2.Summary)
	require.NotNil(t, ep2.Published)
	assert.True(t, ep2.Published.Equal(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)))
	require.Len(t, ep2.Media, 1)
	assert.Equal(t, []MediaContent{{Type: "audio/mpeg", URL: "https://podcast.example.com/ep2.mp3"}}, ep2.Media[0].Contents)
	assert.Equal(t, []string{"https://podcast.example.com/ep2.png"}, ep2.Media[0].Thumbnails)

	ep1 := doc.Entries[1]
	require.Len(t, ep1.Media, 1)
	assert.Empty(t, ep1.Media[0].Thumbnails)

	assert.Empty(t, doc.Entries[2].Media)
	assert.Empty(t, doc.Entries[3].ID)
}

func TestParseAtomMediaGroup(t *testing.T) {
	doc, err := NewParser().Parse(readFixture(t, "youtube.xml"))
	require.NoError(t, err)

	assert.Empty(t, doc.Logo)
	require.Len(t, doc.Entries, 1)

	e := doc.Entries[0]
	assert.Equal(t, "yt:video:abc123", e.ID)
	assert.Equal(t, "First Video", e.Title)
	assert.Equal(t, "A short summary", e.Summary)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", e.Link)
	assert.Equal(t, []string{"Bob", "Carol"}, e.Authors)
	require.NotNil(t, e.Updated)
	require.Len(t, e.Media, 1)
	assert.Equal(t, "https://www.youtube.com/v/abc123?version=3", e.Media[0].Contents[0].URL)
	assert.Equal(t, "application/x-shockwave-flash", e.Media[0].Contents[0].Type)
	assert.Equal(t, []string{"https://i.ytimg.com/vi/abc123/hqdefault.jpg"}, e.Media[0].Thumbnails)
}

func TestParseRejectsNonFeed(t *testing.T) {
	_, err := NewParser().Parse([]byte("<html><body>not a feed</body></html>"))
	assert.Error(t, err)
}
