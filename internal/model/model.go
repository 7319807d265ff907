// Package model defines shared data structures.
package model

import (
	"slices"
	"time"
)

// Metadata is everything about an item except its primary payload.
type Metadata struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Tags        []string        `json:"tags"`
	FeedURL     string          `json:"feed_url"`
	Link        string          `json:"link,omitempty"`
	Author      *string         `json:"author,omitempty"`
	Description *string         `json:"description,omitempty"`
	Thumbnail   *Resource       `json:"thumbnail,omitempty"`
	Created     *time.Time      `json:"created,omitempty"`
	Updated     *time.Time      `json:"updated,omitempty"`
	Viewed      ViewingProgress `json:"viewed"`
}

// Item is one normalized library entry derived from a feed entry.
type Item struct {
	Metadata Metadata `json:"metadata"`
	Body     Resource `json:"body"`
}

// Clone returns a deep copy so callers never share state with the library.
func (m Metadata) Clone() Metadata {
	out := m
	out.Tags = slices.Clone(m.Tags)
	if out.Tags == nil {
		out.Tags = []string{}
	}
	out.Author = clonePtr(m.Author)
	out.Description = clonePtr(m.Description)
	if m.Thumbnail != nil {
		thumb := *m.Thumbnail
		out.Thumbnail = &thumb
	}
	out.Created = clonePtr(m.Created)
	out.Updated = clonePtr(m.Updated)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// String returns a pointer to s, for optional fields.
func String(s string) *string { return &s }

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	return Item{Metadata: it.Metadata.Clone(), Body: it.Body}
}

// HasTag reports whether tag is assigned to the item.
func (m Metadata) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}
