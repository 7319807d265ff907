package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ResourceKind discriminates the Resource variant.
type ResourceKind int

const (
	// ResourceMissing means the entry carried no retrievable payload.
	ResourceMissing ResourceKind = iota
	// ResourceLink is a remote payload that has not been downloaded.
	ResourceLink
	// ResourceFile is a payload materialized in the data directory.
	ResourceFile
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceLink:
		return "DownloadLink"
	case ResourceFile:
		return "File"
	default:
		return "Missing"
	}
}

// Resource is either a remote link, a downloaded file, or nothing.
// An empty MimeType means the type is unknown.
// Path of a File is relative to the data directory.
type Resource struct {
	Kind     ResourceKind
	MimeType string
	URL      string
	Path     string
}

// Link builds a not yet downloaded resource.
func Link(mimeType, url string) Resource {
	return Resource{Kind: ResourceLink, MimeType: mimeType, URL: url}
}

// File builds a downloaded resource.
func File(mimeType, path string) Resource {
	return Resource{Kind: ResourceFile, MimeType: mimeType, Path: path}
}

// Missing builds the empty resource.
func Missing() Resource {
	return Resource{Kind: ResourceMissing}
}

// IsLink reports whether the resource still needs downloading.
func (r Resource) IsLink() bool { return r.Kind == ResourceLink }

// IsFile reports whether the resource is materialized locally.
func (r Resource) IsFile() bool { return r.Kind == ResourceFile }

type linkPayload struct {
	MimeType *string `json:"mime_type"`
	URL      string  `json:"url"`
}

type filePayload struct {
	MimeType *string `json:"mime_type"`
	Path     string  `json:"path"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// MarshalJSON encodes the resource as "Missing", {"DownloadLink":{...}} or {"File":{...}}.
func (r Resource) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case ResourceLink:
		return json.Marshal(map[string]linkPayload{
			"DownloadLink": {MimeType: optional(r.MimeType), URL: r.URL},
		})
	case ResourceFile:
		return json.Marshal(map[string]filePayload{
			"File": {MimeType: optional(r.MimeType), Path: r.Path},
		})
	default:
		return json.Marshal("Missing")
	}
}

// UnmarshalJSON decodes the representation written by MarshalJSON.
func (r *Resource) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != "Missing" {
			return fmt.Errorf("unknown resource %q", s)
		}
		*r = Missing()
		return nil
	}

	var variant map[string]json.RawMessage
	if err := json.Unmarshal(data, &variant); err != nil {
		return err
	}
	if len(variant) != 1 {
		return fmt.Errorf("resource must have exactly one variant, got %d", len(variant))
	}
	for key, raw := range variant {
		switch key {
		case "DownloadLink":
			var p linkPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode link: %w", err)
			}
			*r = Link(deref(p.MimeType), p.URL)
		case "File":
			var p filePayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode file: %w", err)
			}
			*r = File(deref(p.MimeType), p.Path)
		default:
			return fmt.Errorf("unknown resource variant %q", key)
		}
	}
	return nil
}
