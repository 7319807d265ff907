package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bryan-buckman/lipu/internal/database"
	"github.com/bryan-buckman/lipu/internal/download"
	"github.com/bryan-buckman/lipu/internal/logging"
	"github.com/bryan-buckman/lipu/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	id    string
	title string
	media string
	thumb string
}

// upstream serves RSS documents and media files and counts requests per path.
type upstream struct {
	t     *testing.T
	srv   *httptest.Server
	mu    sync.Mutex
	feeds map[string][]entry
	fail  map[string]bool
	hits  map[string]int
	// etags enables conditional GET; the tag changes whenever a feed is set.
	etags    bool
	versions map[string]int
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{
		t:     t,
		feeds: make(map[string][]entry),
		fail:  make(map[string]bool),
		hits:  make(map[string]int),

		versions: make(map[string]int),
	}
	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hits[r.URL.Path]++

	if u.fail[r.URL.Path] {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/media/") {
		fmt.Fprintf(w, "bytes of %s", r.URL.Path)
		return
	}
	entries, ok := u.feeds[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if u.etags {
		tag := fmt.Sprintf(`"v%d"`, u.versions[r.URL.Path])
		if r.Header.Get("If-None-Match") == tag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", tag)
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0" xmlns:media="http://search.yahoo.com/mrss/"><channel><title>t</title>`)
	for _, e := range entries {
		fmt.Fprintf(&b, "<item><guid>%s</guid><title>%s</title>", e.id, e.title)
		if e.media != "" || e.thumb != "" {
			b.WriteString("<media:group>")
			if e.media != "" {
				fmt.Fprintf(&b, `<media:content url="%s%s" type="audio/mpeg"/>`, u.srv.URL, e.media)
			}
			if e.thumb != "" {
				fmt.Fprintf(&b, `<media:thumbnail url="%s%s"/>`, u.srv.URL, e.thumb)
			}
			b.WriteString("</media:group>")
		}
		b.WriteString("</item>")
	}
	b.WriteString("</channel></rss>")
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.Write([]byte(b.String()))
}

func (u *upstream) set(path string, entries ...entry) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.feeds[path] = entries
	u.versions[path]++
	return u.srv.URL + path
}

func (u *upstream) setFail(path string, fail bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fail[path] = fail
}

func (u *upstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func openEngine(t *testing.T, dir string, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{DataDir: dir}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := Open(opts, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func ids(list []model.Metadata) []string {
	out := []string{}
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func TestAddFeedIdempotent(t *testing.T) {
	e := openEngine(t, t.TempDir())
	e.AddFeed("https://example.com/feed")
	e.AddFeed("https://example.com/feed")
	assert.Equal(t, []string{"https://example.com/feed"}, e.Feeds())
}

func TestSupplementaryFeedURLs(t *testing.T) {
	e := openEngine(t, t.TempDir())

	assert.Equal(t, "https://mastodon.social/@alice.rss", e.AddMastodonFeed("https://mastodon.social/", "@alice"))
	assert.Equal(t, "https://www.youtube.com/feeds/videos.xml?channel_id=UC123", e.AddYouTubeChannel("UC123"))
	assert.Len(t, e.Feeds(), 2)
}

func TestRefreshMergesAndPreservesState(t *testing.T) {
	up := newUpstream(t)
	f1 := up.set("/one", entry{id: "a", title: "A"}, entry{id: "b", title: "B"})
	f2 := up.set("/two", entry{id: "c", title: "C"})

	e := openEngine(t, t.TempDir())
	e.AddFeed(f1)
	e.AddFeed(f2)

	report, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.NewItems)
	assert.Equal(t, []string{"a", "b", "c"}, ids(e.List()))

	require.NoError(t, e.AddTag("a", "fav"))
	require.NoError(t, e.SetViewingProgress("a", model.UntilParagraph(7)))

	up.set("/one", entry{id: "a", title: "A renamed"}, entry{id: "b", title: "B"})
	report, err = e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.NewItems)
	assert.Len(t, e.List(), 3)

	a, ok := e.Load("a")
	require.True(t, ok)
	assert.Equal(t, "A", a.Metadata.Name)
	assert.Equal(t, []string{"fav"}, a.Metadata.Tags)
	assert.Equal(t, model.UntilParagraph(7), a.Metadata.Viewed)

	up.set("/two", entry{id: "c", title: "C"}, entry{id: "d", title: "D"})
	report, err = e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewItems)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(e.List()))
}

func TestRefreshDedupsAcrossFeeds(t *testing.T) {
	up := newUpstream(t)
	e := openEngine(t, t.TempDir())
	e.AddFeed(up.set("/one", entry{id: "shared", title: "from one"}))
	e.AddFeed(up.set("/two", entry{id: "shared", title: "from two"}))

	_, err := e.Refresh(context.Background())
	require.NoError(t, err)
	list := e.List()
	require.Len(t, list, 1)
	assert.Equal(t, "from one", list[0].Name)
}

func TestRefreshAbortsOnFailingFeed(t *testing.T) {
	up := newUpstream(t)
	e := openEngine(t, t.TempDir())
	e.AddFeed(up.set("/good", entry{id: "a", title: "A"}))
	e.AddFeed(up.set("/bad", entry{id: "b", title: "B"}))
	up.setFail("/bad", true)

	_, err := e.Refresh(context.Background())
	assert.True(t, errors.Is(err, model.ErrNoNetwork))
	assert.Empty(t, e.List())

	up.setFail("/bad", false)
	report, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.NewItems)
}

func TestRefreshParallelAbortsToo(t *testing.T) {
	up := newUpstream(t)
	e := openEngine(t, t.TempDir(), func(o *Options) { o.Fetch.Concurrency = 4 })
	e.AddFeed(up.set("/a", entry{id: "a", title: "A"}))
	e.AddFeed(up.set("/b", entry{id: "b", title: "B"}))
	e.AddFeed(up.set("/c", entry{id: "c", title: "C"}))
	up.setFail("/b", true)

	_, err := e.Refresh(context.Background())
	assert.Error(t, err)
	assert.Empty(t, e.List())
}

func TestRefreshIsolatesFailuresWhenConfigured(t *testing.T) {
	up := newUpstream(t)
	e := openEngine(t, t.TempDir(), func(o *Options) { o.IsolateFailures = true })
	good := up.set("/good", entry{id: "a", title: "A"})
	bad := up.set("/bad", entry{id: "b", title: "B"})
	e.AddFeed(bad)
	e.AddFeed(good)
	up.setFail("/bad", true)

	report, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewItems)
	require.Contains(t, report.Failed, bad)
	assert.True(t, errors.Is(report.Failed[bad], model.ErrNoNetwork))
	assert.Equal(t, []string{"a"}, ids(e.List()))
}

func TestRemoveFeedCascade(t *testing.T) {
	up := newUpstream(t)
	f1 := up.set("/f1", entry{id: "a", title: "A"}, entry{id: "b", title: "B"})
	f2 := up.set("/f2", entry{id: "c", title: "C"})

	e := openEngine(t, t.TempDir())
	e.AddFeed(f1)
	e.AddFeed(f2)
	_, err := e.Refresh(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.RemoveFeed(f1))
	assert.Equal(t, []string{"c"}, ids(e.List()))
	assert.Equal(t, []string{f2}, e.Feeds())

	// Re-subscribing fetches the entries again.
	e.AddFeed(f1)
	report, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.NewItems)
}

func TestMissingEntitiesReportNotFound(t *testing.T) {
	up := newUpstream(t)
	e := openEngine(t, t.TempDir())
	e.AddFeed(up.set("/f", entry{id: "a", title: "A"}))
	_, err := e.Refresh(context.Background())
	require.NoError(t, err)
	before := e.List()

	assert.True(t, errors.Is(e.AddTag("nonexistent", "x"), model.ErrNotFound))
	assert.True(t, errors.Is(e.RemoveFeed("nonexistent"), model.ErrNotFound))
	assert.True(t, errors.Is(e.SetViewingProgress("nonexistent", model.Fully()), model.ErrNotFound))
	assert.True(t, errors.Is(e.RemoveTag("a", "x"), model.ErrNotFound))
	assert.True(t, errors.Is(e.DownloadItem(context.Background(), "nonexistent"), model.ErrNotFound))
	_, ok := e.Load("nonexistent")
	assert.False(t, ok)

	assert.Equal(t, before, e.List())
	assert.Len(t, e.Feeds(), 1)
}

func TestDownloadItemIsMonotonic(t *testing.T) {
	up := newUpstream(t)
	dir := t.TempDir()
	e := openEngine(t, dir)
	e.AddFeed(up.set("/f", entry{id: "ep", title: "Episode", media: "/media/ep.mp3", thumb: "/media/ep.jpg"}))
	_, err := e.Refresh(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.DownloadItem(context.Background(), "ep"))
	first, _ := e.Load("ep")
	require.True(t, first.Body.IsFile())
	require.True(t, first.Metadata.Thumbnail.IsFile())
	assert.Equal(t, "audio/mpeg", first.Body.MimeType)
	assert.Equal(t, download.Filename(up.srv.URL+"/media/ep.mp3"), first.Body.Path)

	data, err := os.ReadFile(filepath.Join(dir, first.Body.Path))
	require.NoError(t, err)
	assert.Equal(t, "bytes of /media/ep.mp3", string(data))

	require.NoError(t, e.DownloadItem(context.Background(), "ep"))
	second, _ := e.Load("ep")
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 1, up.count("/media/ep.mp3"))
	assert.Equal(t, 1, up.count("/media/ep.jpg"))
}

func TestDownloadItemKeepsThumbnailWhenBodyFails(t *testing.T) {
	up := newUpstream(t)
	e := openEngine(t, t.TempDir())
	e.AddFeed(up.set("/f", entry{id: "ep", title: "Episode", media: "/media/ep.mp3", thumb: "/media/ep.jpg"}))
	_, err := e.Refresh(context.Background())
	require.NoError(t, err)

	up.setFail("/media/ep.mp3", true)
	err = e.DownloadItem(context.Background(), "ep")
	assert.True(t, errors.Is(err, model.ErrNoNetwork))

	got, _ := e.Load("ep")
	assert.True(t, got.Metadata.Thumbnail.IsFile())
	assert.True(t, got.Body.IsLink())

	up.setFail("/media/ep.mp3", false)
	require.NoError(t, e.DownloadItem(context.Background(), "ep"))
	got, _ = e.Load("ep")
	assert.True(t, got.Body.IsFile())
	assert.Equal(t, 1, up.count("/media/ep.jpg"))
}

func TestWriteToDiskRoundTrip(t *testing.T) {
	for _, backend := range []string{database.BackendJSON, database.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			up := newUpstream(t)
			dir := t.TempDir()
			withBackend := func(o *Options) { o.Backend = backend }

			e, err := Open(Options{DataDir: dir, Backend: backend}, logging.Discard())
			require.NoError(t, err)
			e.AddFeed(up.set("/f", entry{id: "ep", title: "Episode", media: "/media/ep.mp3"}, entry{id: "txt", title: "Text"}))
			_, err = e.Refresh(context.Background())
			require.NoError(t, err)
			require.NoError(t, e.AddTag("txt", "later"))
			require.NoError(t, e.SetViewingProgress("ep", model.UntilSecond(12)))
			require.NoError(t, e.DownloadItem(context.Background(), "ep"))
			require.NoError(t, e.WriteToDisk())
			want := e.List()
			wantFeeds := e.Feeds()
			wantBody, _ := e.Load("ep")
			require.NoError(t, e.Close())

			reopened := openEngine(t, dir, withBackend)
			assert.Equal(t, wantFeeds, reopened.Feeds())
			assert.Equal(t, ids(want), ids(reopened.List()))
			ep, ok := reopened.Load("ep")
			require.True(t, ok)
			assert.Equal(t, wantBody.Body, ep.Body)
			assert.Equal(t, model.UntilSecond(12), ep.Metadata.Viewed)
			assert.Equal(t, []string{"txt"}, ids(reopened.WithTag("later")))
		})
	}
}

func TestOpenDegradesCorruptStateToEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, database.FeedsFile), []byte("{nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, database.ItemsFile), []byte("[1, 2"), 0o644))

	e := openEngine(t, dir)
	assert.Empty(t, e.Feeds())
	assert.Empty(t, e.List())
}

func TestOpenLocksDataDir(t *testing.T) {
	dir := t.TempDir()
	first := openEngine(t, dir)

	_, err := Open(Options{DataDir: dir}, logging.Discard())
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, first.Close())
	second, err := Open(Options{DataDir: dir}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestOPMLImportExport(t *testing.T) {
	e := openEngine(t, t.TempDir())
	e.AddFeed("https://a.example.com/feed")

	added, err := e.ImportOPML(strings.NewReader(`<opml version="2.0"><body>
		<outline text="a" xmlUrl="https://a.example.com/feed"/>
		<outline text="b" xmlUrl="https://b.example.com/feed"/>
	</body></opml>`))
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"https://a.example.com/feed", "https://b.example.com/feed"}, e.Feeds())

	data, err := e.ExportOPML()
	require.NoError(t, err)
	assert.Contains(t, string(data), `xmlUrl="https://b.example.com/feed"`)

	_, err = e.ImportOPML(strings.NewReader("garbage"))
	assert.True(t, errors.Is(err, model.ErrCorruptedData))
}

func TestRemoveFeedRestoresDuplicateFromOtherFeed(t *testing.T) {
	up := newUpstream(t)
	up.etags = true
	b := up.set("/b", entry{id: "X", title: "from b"})
	a := up.set("/a", entry{id: "X", title: "from a"})

	e := openEngine(t, t.TempDir())
	e.AddFeed(b)
	e.AddFeed(a)

	_, err := e.Refresh(context.Background())
	require.NoError(t, err)
	list := e.List()
	require.Len(t, list, 1)
	assert.Equal(t, b, list[0].FeedURL)

	// Unchanged feeds answer 304 while nothing is removed.
	report, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.NewItems)

	require.NoError(t, e.RemoveFeed(b))
	assert.Empty(t, e.List())

	report, err = e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewItems)
	list = e.List()
	require.Len(t, list, 1)
	assert.Equal(t, "X", list[0].ID)
	assert.Equal(t, a, list[0].FeedURL)
}

func TestOpenReplacesCorruptSQLiteDatabase(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, database.SQLiteFile), []byte(strings.Repeat("garbage ", 200)), 0o644))

	e := openEngine(t, dir, func(o *Options) { o.Backend = database.BackendSQLite })
	assert.Empty(t, e.List())
	assert.Empty(t, e.Feeds())

	e.AddFeed("https://example.com/feed")
	require.NoError(t, e.WriteToDisk())
}
