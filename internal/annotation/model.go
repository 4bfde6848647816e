package annotation

import (
	"bytes"
	"encoding/json"
	"strings"
)

const positionKeySeparator = "|"

// Annotation models a single highlight, note or bookmark as exchanged with
// the sync server. The payload fields (drawer, color, text, note, chapter)
// are opaque to the merge algorithm; identity and ordering are derived from
// the datetime and position fields only.
type Annotation struct {
	Datetime        string          `json:"datetime"`
	DatetimeUpdated string          `json:"datetime_updated,omitempty"`
	Drawer          string          `json:"drawer,omitempty"`
	Color           string          `json:"color,omitempty"`
	Text            string          `json:"text,omitempty"`
	TextEdited      *bool           `json:"text_edited,omitempty"`
	Note            string          `json:"note,omitempty"`
	Chapter         string          `json:"chapter,omitempty"`
	PageNumber      *int            `json:"pageno,omitempty"`
	Page            json.RawMessage `json:"page"`
	Pos0            json.RawMessage `json:"pos0,omitempty"`
	Pos1            json.RawMessage `json:"pos1,omitempty"`
}

// ID returns the identifier used for deletion tracking across replicas.
// This is the creation datetime, matching the value stored in tombstone
// lists even when the annotation content was updated afterwards.
func (a Annotation) ID() string {
	return a.Datetime
}

// EffectiveTime returns the update time when present, else the creation
// time. Timestamps are compared lexicographically; a malformed or absent
// value yields the empty string and therefore sorts oldest.
func (a Annotation) EffectiveTime() string {
	if a.DatetimeUpdated != "" {
		return a.DatetimeUpdated
	}
	return a.Datetime
}

// PositionKey returns the composite page|pos0|pos1 identity used to match
// annotations across replicas. Segments are JSON-compacted so that
// formatting differences between encoders do not split a conflict slot.
func (a Annotation) PositionKey() string {
	segments := []string{
		compactSegment(a.Page),
		compactSegment(a.Pos0),
		compactSegment(a.Pos1),
	}
	return strings.Join(segments, positionKeySeparator)
}

func compactSegment(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return ""
	}
	return compacted.String()
}
