package models

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// DateLayout is the format used by the server for the created/updated fields.
const DateLayout = "2006-01-02 15:04:05.000Z"

// Record is a collection record with dynamic fields. Data keeps every field
// of the payload, including the system ones mirrored in the struct fields.
type Record struct {
	ID             string
	CollectionID   string
	CollectionName string
	Created        time.Time
	Updated        time.Time
	Expand         map[string]any
	Data           map[string]any
}

func NewRecord(data map[string]any) *Record {
	if data == nil {
		data = make(map[string]any)
	}

	r := &Record{
		Data:   data,
		Expand: make(map[string]any),
	}

	r.ID = stringField(data, "id")
	r.CollectionID = stringField(data, "collectionId", "@collectionId")
	r.CollectionName = stringField(data, "collectionName", "@collectionName")
	r.Created = parseDate(stringField(data, "created"))
	r.Updated = parseDate(stringField(data, "updated"))

	if expand, ok := data["expand"].(map[string]any); ok {
		for key, value := range expand {
			r.Expand[key] = expandValue(value)
		}
	}

	return r
}

// expandValue turns nested record objects into *Record, leaving other values as is.
func expandValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return NewRecord(v)
	case []any:
		records := make([]*Record, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return value
			}
			records = append(records, NewRecord(m))
		}
		return records
	default:
		return value
	}
}

func (r *Record) Get(key string) any {
	return r.Data[key]
}

func (r *Record) GetString(key string) string {
	return stringField(r.Data, key)
}

// Decode copies the record fields into out using the json tags of the
// destination struct.
func (r *Record) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			emptyStringToTimeHook,
			mapstructure.StringToTimeHookFunc(DateLayout),
		),
	})
	if err != nil {
		return errors.Wrap(err, "record decoder")
	}

	if err := decoder.Decode(r.Data); err != nil {
		return errors.Wrapf(err, "decode record %s", r.ID)
	}

	return nil
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}

	*r = *NewRecord(data)

	return nil
}

func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Data)
}

func stringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}

	return ""
}

func parseDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}

	for _, layout := range []string{DateLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}

	return time.Time{}
}

// emptyStringToTimeHook maps unset date fields to the zero time.
func emptyStringToTimeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() == reflect.String && to == reflect.TypeOf(time.Time{}) && data.(string) == "" {
		return time.Time{}, nil
	}

	return data, nil
}
