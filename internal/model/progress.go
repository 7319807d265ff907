package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProgressKind discriminates the ViewingProgress variant.
type ProgressKind int

const (
	ProgressZero ProgressKind = iota
	ProgressUntilParagraph
	ProgressUntilSecond
	ProgressFully
)

// ViewingProgress tracks how far an item has been read, listened to or watched.
// Position is only meaningful for UntilParagraph and UntilSecond.
type ViewingProgress struct {
	Kind     ProgressKind
	Position uint64
}

// Zero is the progress of an untouched item.
func Zero() ViewingProgress { return ViewingProgress{Kind: ProgressZero} }

// UntilParagraph marks a text item as read up to paragraph n.
func UntilParagraph(n uint64) ViewingProgress {
	return ViewingProgress{Kind: ProgressUntilParagraph, Position: n}
}

// UntilSecond marks a media item as played up to second n.
func UntilSecond(n uint64) ViewingProgress {
	return ViewingProgress{Kind: ProgressUntilSecond, Position: n}
}

// Fully marks an item as completely consumed.
func Fully() ViewingProgress { return ViewingProgress{Kind: ProgressFully} }

func (p ViewingProgress) String() string {
	switch p.Kind {
	case ProgressUntilParagraph:
		return fmt.Sprintf("paragraph %d", p.Position)
	case ProgressUntilSecond:
		return fmt.Sprintf("second %d", p.Position)
	case ProgressFully:
		return "fully"
	default:
		return "zero"
	}
}

// MarshalJSON encodes "Zero", "Fully", {"UntilParagraph":n} or {"UntilSecond":n}.
func (p ViewingProgress) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case ProgressUntilParagraph:
		return json.Marshal(map[string]uint64{"UntilParagraph": p.Position})
	case ProgressUntilSecond:
		return json.Marshal(map[string]uint64{"UntilSecond": p.Position})
	case ProgressFully:
		return json.Marshal("Fully")
	default:
		return json.Marshal("Zero")
	}
}

// UnmarshalJSON decodes the representation written by MarshalJSON.
func (p *ViewingProgress) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "Zero":
			*p = Zero()
		case "Fully":
			*p = Fully()
		default:
			return fmt.Errorf("unknown viewing progress %q", s)
		}
		return nil
	}

	var variant map[string]uint64
	if err := json.Unmarshal(data, &variant); err != nil {
		return err
	}
	if len(variant) != 1 {
		return fmt.Errorf("viewing progress must have exactly one variant, got %d", len(variant))
	}
	for key, n := range variant {
		switch key {
		case "UntilParagraph":
			*p = UntilParagraph(n)
		case "UntilSecond":
			*p = UntilSecond(n)
		default:
			return fmt.Errorf("unknown viewing progress %q", key)
		}
	}
	return nil
}
