// Package library holds the subscribed feeds and the normalized item collection.
//
// A Library is not safe for concurrent use; the engine serializes access.
package library

import (
	"slices"
	"strings"

	"github.com/bryan-buckman/lipu/internal/model"
)

// Library is the in-memory feed list and item collection.
type Library struct {
	feeds []string
	items []model.Item
	index map[string]int // item id -> position in items
}

// New builds a library from previously persisted state.
// Duplicate feed URLs and item ids keep their first occurrence.
func New(feeds []string, items []model.Item) *Library {
	l := &Library{}
	for _, u := range feeds {
		l.AddFeed(u)
	}
	l.items = make([]model.Item, 0, len(items))
	l.index = make(map[string]int, len(items))
	l.Merge(items)
	return l
}

// --- Feed Methods ---

// Feeds returns the subscribed feed URLs in subscription order.
func (l *Library) Feeds() []string {
	return slices.Clone(l.feeds)
}

// HasFeed reports whether url is subscribed.
func (l *Library) HasFeed(url string) bool {
	return slices.Contains(l.feeds, url)
}

// AddFeed subscribes url. It returns false if url was already subscribed.
func (l *Library) AddFeed(url string) bool {
	if l.HasFeed(url) {
		return false
	}
	l.feeds = append(l.feeds, url)
	return true
}

// RemoveFeed unsubscribes url and deletes every item it produced.
func (l *Library) RemoveFeed(url string) error {
	pos := slices.Index(l.feeds, url)
	if pos < 0 {
		return model.NotFoundf("remove feed", "feed %q", url)
	}

	kept := make([]model.Item, 0, len(l.items))
	for _, it := range l.items {
		if it.Metadata.FeedURL != url {
			kept = append(kept, it)
		}
	}

	l.feeds = slices.Delete(slices.Clone(l.feeds), pos, pos+1)
	l.items = kept
	l.reindex()
	return nil
}

// --- Item Methods ---

// Merge appends items whose id is not yet in the library and returns how many
// were added. Existing items are never touched, which keeps tags, progress and
// downloaded files intact across refreshes.
func (l *Library) Merge(items []model.Item) int {
	if l.index == nil {
		l.index = make(map[string]int)
	}
	added := 0
	for _, it := range items {
		if _, ok := l.index[it.Metadata.ID]; ok {
			continue
		}
		it = it.Clone()
		l.index[it.Metadata.ID] = len(l.items)
		l.items = append(l.items, it)
		added++
	}
	return added
}

// Items returns a deep copy of every item in storage order.
func (l *Library) Items() []model.Item {
	out := make([]model.Item, len(l.items))
	for i, it := range l.items {
		out[i] = it.Clone()
	}
	return out
}

// Len returns the number of items.
func (l *Library) Len() int {
	return len(l.items)
}

// List returns the metadata of every item in storage order.
func (l *Library) List() []model.Metadata {
	return l.filter(func(model.Metadata) bool { return true })
}

// Search returns items whose name, author or any tag contains query.
// Matching is case-sensitive.
func (l *Library) Search(query string) []model.Metadata {
	return l.filter(func(m model.Metadata) bool {
		if strings.Contains(m.Name, query) {
			return true
		}
		if m.Author != nil && strings.Contains(*m.Author, query) {
			return true
		}
		return slices.ContainsFunc(m.Tags, func(tag string) bool {
			return strings.Contains(tag, query)
		})
	})
}

// WithTag returns items carrying exactly tag.
func (l *Library) WithTag(tag string) []model.Metadata {
	return l.filter(func(m model.Metadata) bool { return m.HasTag(tag) })
}

// Tags returns every distinct tag in order of first use.
func (l *Library) Tags() []string {
	seen := make(map[string]bool)
	var out []string
	for _, it := range l.items {
		for _, tag := range it.Metadata.Tags {
			if !seen[tag] {
				seen[tag] = true
				out = append(out, tag)
			}
		}
	}
	return out
}

func (l *Library) filter(keep func(model.Metadata) bool) []model.Metadata {
	out := []model.Metadata{}
	for _, it := range l.items {
		if keep(it.Metadata) {
			out = append(out, it.Metadata.Clone())
		}
	}
	return out
}

// Load returns a copy of the item with the given id.
func (l *Library) Load(id string) (model.Item, bool) {
	it := l.get(id)
	if it == nil {
		return model.Item{}, false
	}
	return it.Clone(), true
}

// AddTag appends tag to the item. Tags are a multiset: adding an existing tag
// again records it twice.
func (l *Library) AddTag(id, tag string) error {
	it := l.get(id)
	if it == nil {
		return model.NotFoundf("add tag", "item %q", id)
	}
	it.Metadata.Tags = append(it.Metadata.Tags, tag)
	return nil
}

// RemoveTag removes the first occurrence of tag from the item.
func (l *Library) RemoveTag(id, tag string) error {
	it := l.get(id)
	if it == nil {
		return model.NotFoundf("remove tag", "item %q", id)
	}
	pos := slices.Index(it.Metadata.Tags, tag)
	if pos < 0 {
		return model.NotFoundf("remove tag", "tag %q on item %q", tag, id)
	}
	it.Metadata.Tags = slices.Delete(it.Metadata.Tags, pos, pos+1)
	return nil
}

// DropTag removes tag from every item that has it, one removal at a time.
// It stops at the first failed removal and leaves the remaining items as they are.
func (l *Library) DropTag(tag string) error {
	var ids []string
	for _, it := range l.items {
		if it.Metadata.HasTag(tag) {
			ids = append(ids, it.Metadata.ID)
		}
	}
	for _, id := range ids {
		for l.get(id).Metadata.HasTag(tag) {
			if err := l.RemoveTag(id, tag); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetViewingProgress overwrites the item's progress.
func (l *Library) SetViewingProgress(id string, p model.ViewingProgress) error {
	it := l.get(id)
	if it == nil {
		return model.NotFoundf("set viewing progress", "item %q", id)
	}
	it.Metadata.Viewed = p
	return nil
}

// Resources returns copies of the item's thumbnail and body.
func (l *Library) Resources(id string) (*model.Resource, model.Resource, error) {
	it := l.get(id)
	if it == nil {
		return nil, model.Resource{}, model.NotFoundf("resources", "item %q", id)
	}
	var thumb *model.Resource
	if it.Metadata.Thumbnail != nil {
		t := *it.Metadata.Thumbnail
		thumb = &t
	}
	return thumb, it.Body, nil
}

// HasFile reports whether name is the path of a downloaded body or thumbnail.
func (l *Library) HasFile(name string) bool {
	for _, it := range l.items {
		if it.Body.IsFile() && it.Body.Path == name {
			return true
		}
		if t := it.Metadata.Thumbnail; t != nil && t.IsFile() && t.Path == name {
			return true
		}
	}
	return false
}

// SetThumbnail replaces the item's thumbnail wholesale.
func (l *Library) SetThumbnail(id string, r model.Resource) error {
	it := l.get(id)
	if it == nil {
		return model.NotFoundf("set thumbnail", "item %q", id)
	}
	it.Metadata.Thumbnail = &r
	return nil
}

// SetBody replaces the item's body wholesale.
func (l *Library) SetBody(id string, r model.Resource) error {
	it := l.get(id)
	if it == nil {
		return model.NotFoundf("set body", "item %q", id)
	}
	it.Body = r
	return nil
}

func (l *Library) get(id string) *model.Item {
	pos, ok := l.index[id]
	if !ok {
		return nil
	}
	return &l.items[pos]
}

func (l *Library) reindex() {
	l.index = make(map[string]int, len(l.items))
	for i, it := range l.items {
		l.index[it.Metadata.ID] = i
	}
}
