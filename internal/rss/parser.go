package rss

import (
	"bytes"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

// Document is a parsed feed reduced to the fields the library consumes.
// RSS, Atom and JSON Feed documents all end up in this shape.
type Document struct {
	Title   string
	Logo    string
	Entries []Entry
}

// Entry is one feed entry independent of the upstream dialect.
type Entry struct {
	ID        string
	Title     string
	Summary   string
	Content   string
	Link      string
	Published *time.Time
	Updated   *time.Time
	Authors   []string
	Media     []Media
}

// Media is one attachment of an entry. Contents are alternative encodings of the
// same payload.
type Media struct {
	Contents   []MediaContent
	Thumbnails []string
}

// MediaContent is one variant of a media attachment. Type and URL may be empty.
type MediaContent struct {
	Type string
	URL  string
}

// Parser wraps gofeed so nothing else depends on its types.
type Parser struct {
	fp *gofeed.Parser
}

// NewParser creates a parser able to read RSS, Atom and JSON feeds.
func NewParser() *Parser {
	return &Parser{fp: gofeed.NewParser()}
}

// Parse decodes raw feed bytes into a Document.
func (p *Parser) Parse(data []byte) (*Document, error) {
	parsed, err := p.fp.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	doc := &Document{
		Title:   parsed.Title,
		Entries: make([]Entry, 0, len(parsed.Items)),
	}
	if parsed.Image != nil {
		doc.Logo = parsed.Image.URL
	}
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		doc.Entries = append(doc.Entries, convertItem(item))
	}
	return doc, nil
}

func convertItem(item *gofeed.Item) Entry {
	e := Entry{
		ID:        item.GUID,
		Title:     item.Title,
		Summary:   item.Description,
		Content:   item.Content,
		Link:      item.Link,
		Published: item.PublishedParsed,
		Updated:   item.UpdatedParsed,
		Media:     mediaOf(item),
	}
	for _, author := range item.Authors {
		if author != nil && author.Name != "" {
			e.Authors = append(e.Authors, author.Name)
		}
	}
	if len(e.Authors) == 0 && item.Author != nil && item.Author.Name != "" {
		e.Authors = append(e.Authors, item.Author.Name)
	}
	return e
}

// mediaOf collects attachments in document order of preference: media:group
// elements, bare media:content/media:thumbnail, then RSS enclosures.
func mediaOf(item *gofeed.Item) []Media {
	var out []Media
	if media, ok := item.Extensions["media"]; ok {
		for _, group := range media["group"] {
			if m, ok := mediaFromElements(group.Children["content"], group.Children["thumbnail"]); ok {
				out = append(out, m)
			}
		}
		if m, ok := mediaFromElements(media["content"], media["thumbnail"]); ok {
			out = append(out, m)
		}
	}

	itemImage := ""
	switch {
	case item.ITunesExt != nil && item.ITunesExt.Image != "":
		itemImage = item.ITunesExt.Image
	case item.Image != nil:
		itemImage = item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc == nil {
			continue
		}
		m := Media{Contents: []MediaContent{{Type: enc.Type, URL: enc.URL}}}
		if itemImage != "" {
			m.Thumbnails = []string{itemImage}
		}
		out = append(out, m)
	}
	return out
}

func mediaFromElements(contents, thumbnails []ext.Extension) (Media, bool) {
	var m Media
	for _, c := range contents {
		m.Contents = append(m.Contents, MediaContent{Type: c.Attrs["type"], URL: c.Attrs["url"]})
	}
	for _, t := range thumbnails {
		if url := t.Attrs["url"]; url != "" {
			m.Thumbnails = append(m.Thumbnails, url)
		}
	}
	return m, len(m.Contents) > 0 || len(m.Thumbnails) > 0
}
