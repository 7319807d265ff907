package rss

import (
	"errors"
	"strings"

	"github.com/bryan-buckman/lipu/internal/model"
	"github.com/sirupsen/logrus"
)

// Normalize converts one entry into a library item owned by feedURL.
// feedThumbnail is the feed-level logo used when the entry has no thumbnail.
func Normalize(entry Entry, feedURL, feedThumbnail string) (model.Item, error) {
	if entry.ID == "" {
		return model.Item{}, model.NewError(model.CorruptedData, "normalize entry", errors.New("entry has no id"))
	}

	meta := model.Metadata{
		ID:      entry.ID,
		Name:    entry.Title,
		Tags:    []string{},
		FeedURL: feedURL,
		Link:    entry.Link,
		Created: entry.Published,
		Updated: entry.Updated,
		Viewed:  model.Zero(),
	}
	if meta.Name == "" {
		meta.Name = entry.ID
	}
	if len(entry.Authors) > 0 {
		meta.Author = model.String(strings.Join(entry.Authors, ", "))
	}
	if entry.Summary != "" {
		meta.Description = model.String(entry.Summary)
	}

	var first *Media
	if len(entry.Media) > 0 {
		first = &entry.Media[0]
	}

	switch {
	case first != nil && len(first.Thumbnails) > 0:
		thumb := model.Link("", first.Thumbnails[0])
		meta.Thumbnail = &thumb
	case feedThumbnail != "":
		thumb := model.Link("", feedThumbnail)
		meta.Thumbnail = &thumb
	}

	return model.Item{Metadata: meta, Body: bodyOf(first)}, nil
}

func bodyOf(m *Media) model.Resource {
	if m == nil || len(m.Contents) == 0 {
		return model.Missing()
	}
	content := m.Contents[0]
	if content.URL == "" {
		return model.Missing()
	}
	return model.Link(content.Type, content.URL)
}

// NormalizeAll normalizes every entry of doc, skipping the ones that fail.
func NormalizeAll(doc *Document, feedURL string, log logrus.FieldLogger) []model.Item {
	if doc == nil {
		return nil
	}
	items := make([]model.Item, 0, len(doc.Entries))
	for i, entry := range doc.Entries {
		item, err := Normalize(entry, feedURL, doc.Logo)
		if err != nil {
			log.WithFields(logrus.Fields{
				"feed":  feedURL,
				"entry": i,
			}).WithError(err).Debug("skipping entry")
			continue
		}
		items = append(items, item)
	}
	return items
}
