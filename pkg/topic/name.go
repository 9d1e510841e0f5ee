package topic

import (
	"fmt"
	"regexp"
	"strings"
)

// Wildcard as record id matches every record of the collection.
const Wildcard = "*"

var topicNameRegex = regexp.MustCompile(`^[^/\s]+(/[^/\s]+)?$`)

// Name is a realtime topic: a collection, optionally scoped to one record.
type Name struct {
	Collection string `json:"collection"`
	RecordID   string `json:"record_id,omitempty"`
}

func NewName(value string) (*Name, error) {
	if value == "" {
		return nil, fmt.Errorf("topic name: %s cannot be empty", value)
	}

	if len(value) > 65535 {
		return nil, fmt.Errorf("topic name: %s cannot be have more than 65535 bytes", value)
	}

	if !topicNameRegex.MatchString(value) {
		return nil, fmt.Errorf("topic name: %s format is invalid", value)
	}

	collection, recordID, _ := strings.Cut(value, "/")

	return &Name{collection, recordID}, nil
}

// Collection returns the topic receiving every change of a collection.
func Collection(name string) string {
	return name
}

// Record returns the topic receiving the changes of a single record.
func Record(collection string, id string) string {
	return collection + "/" + id
}

func (t *Name) String() string {
	if t.RecordID == "" {
		return t.Collection
	}

	return Record(t.Collection, t.RecordID)
}

func (t *Name) IsRecord() bool {
	return t.RecordID != "" && t.RecordID != Wildcard
}

// Match reports whether a change of recordID in collection is delivered on this topic.
func (t *Name) Match(collection string, recordID string) bool {
	if t.Collection != collection {
		return false
	}

	return !t.IsRecord() || t.RecordID == recordID
}
