// Package engine is the library facade used by the CLI and the HTTP API.
//
// An Engine owns the feed list, the items, the fetcher and the persistence
// backend. Every operation holds a single mutex for its whole duration,
// including the network round-trips of Refresh and DownloadItem.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/lipu/internal/config"
	"github.com/bryan-buckman/lipu/internal/database"
	"github.com/bryan-buckman/lipu/internal/download"
	"github.com/bryan-buckman/lipu/internal/library"
	"github.com/bryan-buckman/lipu/internal/model"
	"github.com/bryan-buckman/lipu/internal/opml"
	"github.com/bryan-buckman/lipu/internal/rss"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// LockFile is created in the data directory while an Engine is open.
const LockFile = ".lipu.lock"

// ErrLocked is returned by Open when another process holds the data directory.
var ErrLocked = errors.New("library is in use by another process")

// Options configures an Engine.
type Options struct {
	DataDir string
	Backend string
	// IsolateFailures merges the feeds that succeeded even when others fail.
	// By default one failing feed aborts the whole refresh.
	IsolateFailures bool
	Fetch           rss.Options
	// HTTPClient overrides the client built from Fetch.Timeout.
	HTTPClient *http.Client
}

// OptionsFromConfig maps the user configuration onto engine options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		DataDir:         cfg.DataDir,
		Backend:         cfg.Storage.Backend,
		IsolateFailures: cfg.Refresh.IsolateFailures,
		Fetch: rss.Options{
			Timeout:     cfg.HTTPTimeout(),
			UserAgent:   cfg.HTTP.UserAgent,
			Concurrency: cfg.Refresh.Concurrency,
			DomainDelay: cfg.DomainDelay(),
		},
	}
}

// Engine is the shared library context.
type Engine struct {
	mu      sync.Mutex
	lib     *library.Library
	store   database.Store
	fetcher *rss.Fetcher
	lock    *flock.Flock
	dataDir string
	isolate bool
	log     logrus.FieldLogger
}

// Open locks the data directory and loads the persisted library. Unreadable
// state is logged and replaced by an empty library.
func Open(opts Options, log logrus.FieldLogger) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, model.NewError(model.CreateFileFailed, "create data dir", err)
	}

	lock := flock.New(filepath.Join(opts.DataDir, LockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", opts.DataDir, ErrLocked)
	}

	store, err := database.Open(opts.Backend, opts.DataDir)
	switch {
	case errors.Is(err, database.ErrReset):
		log.WithError(err).Warn("unreadable database moved aside, starting empty")
	case err != nil:
		_ = lock.Unlock()
		return nil, fmt.Errorf("open store: %w", err)
	}

	snap, err := store.Load()
	if err != nil {
		log.WithError(err).WithField("backend", store.Backend()).Warn("unreadable library state, starting empty")
	}

	fetchOpts := opts.Fetch
	fetchOpts.FailFast = !opts.IsolateFailures

	e := &Engine{
		lib:     library.New(snap.Feeds, snap.Items),
		store:   store,
		fetcher: rss.NewFetcher(opts.HTTPClient, fetchOpts, log),
		lock:    lock,
		dataDir: opts.DataDir,
		isolate: opts.IsolateFailures,
		log:     log,
	}
	log.WithFields(logrus.Fields{
		"data_dir": opts.DataDir,
		"backend":  store.Backend(),
		"feeds":    len(snap.Feeds),
		"items":    e.lib.Len(),
	}).Debug("library opened")
	return e, nil
}

// Close releases the store and the data directory lock. It does not save.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.store.Close()
	if uerr := e.lock.Unlock(); uerr != nil && err == nil {
		err = fmt.Errorf("release lock: %w", uerr)
	}
	return err
}

// DataDir is where the library files and downloads live.
func (e *Engine) DataDir() string {
	return e.dataDir
}

// --- Feed Operations ---

// AddFeed subscribes url. Subscribing twice is a no-op.
func (e *Engine) AddFeed(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lib.AddFeed(url) {
		e.log.WithField("feed", url).Info("feed added")
	}
}

// AddMastodonFeed subscribes the public RSS feed of a Mastodon account and
// returns its URL.
func (e *Engine) AddMastodonFeed(instance, user string) string {
	u := MastodonFeedURL(instance, user)
	e.AddFeed(u)
	return u
}

// AddYouTubeChannel subscribes the Atom feed of a YouTube channel and returns
// its URL.
func (e *Engine) AddYouTubeChannel(channelID string) string {
	u := YouTubeFeedURL(channelID)
	e.AddFeed(u)
	return u
}

// MastodonFeedURL builds the RSS URL of user on instance.
func MastodonFeedURL(instance, user string) string {
	instance = strings.TrimPrefix(strings.TrimPrefix(instance, "https://"), "http://")
	instance = strings.TrimSuffix(instance, "/")
	user = strings.TrimPrefix(user, "@")
	return fmt.Sprintf("https://%s/@%s.rss", instance, user)
}

// YouTubeFeedURL builds the Atom URL of a channel.
func YouTubeFeedURL(channelID string) string {
	return "https://www.youtube.com/feeds/videos.xml?channel_id=" + url.QueryEscape(channelID)
}

// RemoveFeed unsubscribes url and deletes its items.
func (e *Engine) RemoveFeed(url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.lib.RemoveFeed(url); err != nil {
		return err
	}
	e.fetcher.ForgetAll()
	e.log.WithField("feed", url).Info("feed removed")
	return nil
}

// Feeds returns the subscribed URLs.
func (e *Engine) Feeds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib.Feeds()
}

// RefreshReport summarizes one refresh.
type RefreshReport struct {
	Feeds    int
	NewItems int
	// Failed lists feeds skipped in isolation mode.
	Failed map[string]error
}

// Refresh fetches every feed and appends entries whose id is not yet in the
// library. Unless failures are isolated, any failing feed aborts the refresh
// and nothing is merged.
func (e *Engine) Refresh(ctx context.Context) (RefreshReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	feeds := e.lib.Feeds()
	report := RefreshReport{Feeds: len(feeds)}

	results := e.fetcher.FetchAll(ctx, feeds)

	var fresh []model.Item
	var merged []rss.FetchResult
	for _, res := range results {
		if res.Error != nil {
			if !e.isolate {
				return RefreshReport{Feeds: len(feeds)}, fmt.Errorf("refresh %s: %w", res.URL, res.Error)
			}
			if report.Failed == nil {
				report.Failed = make(map[string]error)
			}
			report.Failed[res.URL] = res.Error
			continue
		}
		fresh = append(fresh, res.Items...)
		merged = append(merged, res)
	}

	report.NewItems = e.lib.Merge(fresh)
	e.fetcher.Remember(merged)

	e.log.WithFields(logrus.Fields{
		"feeds":     report.Feeds,
		"new_items": report.NewItems,
		"failed":    len(report.Failed),
		"elapsed":   time.Since(start).Round(time.Millisecond).String(),
	}).Info("refresh complete")
	return report, nil
}

// --- Item Operations ---

// List returns the metadata of every item in insertion order.
func (e *Engine) List() []model.Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib.List()
}

// Search returns items whose name, author or a tag contains query.
func (e *Engine) Search(query string) []model.Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib.Search(query)
}

// WithTag returns items carrying tag.
func (e *Engine) WithTag(tag string) []model.Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib.WithTag(tag)
}

// Tags returns every tag in use.
func (e *Engine) Tags() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib.Tags()
}

// AddTag tags an item.
func (e *Engine) AddTag(itemID, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib.AddTag(itemID, tag)
}

// RemoveTag untags an item.
func (e *Engine) RemoveTag(itemID, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib.RemoveTag(itemID, tag)
}

// DropTag removes tag from every item.
func (e *Engine) DropTag(tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib.DropTag(tag)
}

// Load returns a full copy of an item.
func (e *Engine) Load(itemID string) (model.Item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib.Load(itemID)
}

// SetViewingProgress overwrites an item's progress.
func (e *Engine) SetViewingProgress(itemID string, p model.ViewingProgress) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib.SetViewingProgress(itemID, p)
}

// DownloadItem downloads the item's thumbnail and then its body into the data
// directory. A downloaded thumbnail is kept even when the body fails.
func (e *Engine) DownloadItem(ctx context.Context, itemID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	thumb, body, err := e.lib.Resources(itemID)
	if err != nil {
		return err
	}
	log := e.log.WithField("item", itemID)

	if thumb != nil && thumb.IsLink() {
		if err := download.Download(ctx, e.fetcher, thumb, e.dataDir); err != nil {
			return fmt.Errorf("download thumbnail: %w", err)
		}
		if err := e.lib.SetThumbnail(itemID, *thumb); err != nil {
			return err
		}
		log.WithField("path", thumb.Path).Debug("thumbnail downloaded")
	}

	if body.IsLink() {
		if err := download.Download(ctx, e.fetcher, &body, e.dataDir); err != nil {
			return fmt.Errorf("download body: %w", err)
		}
		if err := e.lib.SetBody(itemID, body); err != nil {
			return err
		}
		log.WithField("path", body.Path).Info("item downloaded")
	}
	return nil
}

// HasFile reports whether name in the data directory belongs to a downloaded
// resource.
func (e *Engine) HasFile(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib.HasFile(name)
}

// --- Persistence ---

// WriteToDisk saves the current feeds and items.
func (e *Engine) WriteToDisk() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := database.Snapshot{Feeds: e.lib.Feeds(), Items: e.lib.Items()}
	if err := e.store.Save(snap); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"feeds": len(snap.Feeds),
		"items": len(snap.Items),
	}).Debug("library saved")
	return nil
}

// ImportOPML subscribes every feed in an OPML document and returns how many
// were new.
func (e *Engine) ImportOPML(r io.Reader) (int, error) {
	urls, err := opml.Parse(r)
	if err != nil {
		return 0, model.NewError(model.CorruptedData, "import opml", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	added := 0
	for _, u := range urls {
		if e.lib.AddFeed(u) {
			added++
		}
	}
	e.log.WithFields(logrus.Fields{"imported": added, "total": len(urls)}).Info("opml imported")
	return added, nil
}

// ExportOPML renders the subscriptions as OPML.
func (e *Engine) ExportOPML() ([]byte, error) {
	return opml.Export("lipu feeds", e.Feeds())
}
