package realtime

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/vaphes/pocketbase/pkg/models"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

var ErrMalformedMessage = errors.New("realtime message: action and record are required")

// Message is a record change delivered to a subscription callback.
type Message struct {
	Action string         `json:"action"`
	Record *models.Record `json:"record"`
}

type wireMessage struct {
	Action *string        `json:"action"`
	Record map[string]any `json:"record"`
}

// DecodeMessage parses the data of a realtime event.
func DecodeMessage(data string) (*Message, error) {
	var wire wireMessage
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		return nil, errors.Wrap(err, "realtime message")
	}

	if wire.Action == nil || wire.Record == nil {
		return nil, ErrMalformedMessage
	}

	return &Message{
		Action: *wire.Action,
		Record: models.NewRecord(wire.Record),
	}, nil
}
