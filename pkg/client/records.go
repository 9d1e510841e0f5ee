package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/vaphes/pocketbase/pkg/models"
	"github.com/vaphes/pocketbase/pkg/realtime"
	"github.com/vaphes/pocketbase/pkg/topic"
)

const defaultBatch = 200

// RecordService wraps the record endpoints of one collection.
type RecordService struct {
	client     *Client
	collection string
}

type AuthResponse struct {
	Token  string         `json:"token"`
	Record *models.Record `json:"record"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func (s *RecordService) basePath() string {
	return "/api/collections/" + url.PathEscape(s.collection)
}

func (s *RecordService) crudPath() string {
	return s.basePath() + "/records"
}

func (s *RecordService) recordPath(id string) string {
	return s.crudPath() + "/" + url.PathEscape(id)
}

func (s *RecordService) GetList(ctx context.Context, page int, perPage int, params url.Values) (*models.ListResult, error) {
	params = cloneParams(params)
	params.Set("page", strconv.Itoa(page))
	params.Set("perPage", strconv.Itoa(perPage))

	var result models.ListResult
	if err := s.client.Send(ctx, s.crudPath(), &Request{Params: params}, &result); err != nil {
		return nil, err
	}

	if result.Items == nil {
		result.Items = []*models.Record{}
	}

	return &result, nil
}

// GetFullList pages through the whole collection, batch records at a time.
func (s *RecordService) GetFullList(ctx context.Context, batch int, params url.Values) ([]*models.Record, error) {
	if batch <= 0 {
		batch = defaultBatch
	}

	var records []*models.Record

	for page := 1; ; page++ {
		list, err := s.GetList(ctx, page, batch, params)
		if err != nil {
			return nil, err
		}

		records = append(records, list.Items...)

		if len(list.Items) == 0 || list.TotalItems <= len(records) {
			return records, nil
		}
	}
}

// GetFirstListItem returns the first record matching filter, or a 404
// *ResponseError when there is none.
func (s *RecordService) GetFirstListItem(ctx context.Context, filter string, params url.Values) (*models.Record, error) {
	params = cloneParams(params)
	params.Set("filter", filter)

	list, err := s.GetList(ctx, 1, 1, params)
	if err != nil {
		return nil, err
	}

	if len(list.Items) == 0 {
		return nil, &ResponseError{
			URL:    s.client.BuildURL(s.crudPath()),
			Status: http.StatusNotFound,
			Data:   map[string]any{"code": http.StatusNotFound, "message": "The requested resource wasn't found."},
		}
	}

	return list.Items[0], nil
}

func (s *RecordService) GetOne(ctx context.Context, id string, params url.Values) (*models.Record, error) {
	var record models.Record
	if err := s.client.Send(ctx, s.recordPath(id), &Request{Params: params}, &record); err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *RecordService) Create(ctx context.Context, body any, params url.Values) (*models.Record, error) {
	var record models.Record
	req := &Request{Method: http.MethodPost, Params: params, Body: body}
	if err := s.client.Send(ctx, s.crudPath(), req, &record); err != nil {
		return nil, err
	}

	return &record, nil
}

// Update patches a record. When it is the authenticated record, the auth
// store model is replaced with the result.
func (s *RecordService) Update(ctx context.Context, id string, body any, params url.Values) (*models.Record, error) {
	var record models.Record
	req := &Request{Method: http.MethodPatch, Params: params, Body: body}
	if err := s.client.Send(ctx, s.recordPath(id), req, &record); err != nil {
		return nil, err
	}

	if s.isAuthRecord(record.ID) {
		if err := s.client.AuthStore.Save(s.client.AuthStore.Token(), &record); err != nil {
			return nil, err
		}
	}

	return &record, nil
}

// Delete removes a record. Deleting the authenticated record clears the
// auth store.
func (s *RecordService) Delete(ctx context.Context, id string, params url.Values) error {
	req := &Request{Method: http.MethodDelete, Params: params}
	if err := s.client.Send(ctx, s.recordPath(id), req, nil); err != nil {
		return err
	}

	if s.isAuthRecord(id) {
		return s.client.AuthStore.Clear()
	}

	return nil
}

func (s *RecordService) AuthWithPassword(ctx context.Context, identity string, password string) (*AuthResponse, error) {
	req := &Request{
		Method:  http.MethodPost,
		Body:    map[string]any{"identity": identity, "password": password},
		Headers: map[string]string{"Authorization": ""},
	}

	return s.authenticate(ctx, s.basePath()+"/auth-with-password", req)
}

func (s *RecordService) AuthRefresh(ctx context.Context) (*AuthResponse, error) {
	return s.authenticate(ctx, s.basePath()+"/auth-refresh", &Request{Method: http.MethodPost})
}

func (s *RecordService) authenticate(ctx context.Context, path string, req *Request) (*AuthResponse, error) {
	var resp AuthResponse
	if err := s.client.Send(ctx, path, req, &resp); err != nil {
		return nil, err
	}

	if resp.Token != "" && resp.Record != nil {
		if err := s.client.AuthStore.Save(resp.Token, resp.Record); err != nil {
			return nil, err
		}
	}

	return &resp, nil
}

// Subscribe receives the changes of every record of the collection.
func (s *RecordService) Subscribe(ctx context.Context, callback realtime.Callback) error {
	return s.client.Realtime.Subscribe(ctx, topic.Collection(s.collection), callback)
}

// SubscribeOne receives the changes of a single record.
func (s *RecordService) SubscribeOne(ctx context.Context, id string, callback realtime.Callback) error {
	return s.client.Realtime.Subscribe(ctx, topic.Record(s.collection, id), callback)
}

// Unsubscribe drops the given record subscriptions, or every subscription
// of the collection when no id is given.
func (s *RecordService) Unsubscribe(ctx context.Context, ids ...string) error {
	var topics []string

	if len(ids) == 0 {
		for _, t := range s.client.Realtime.Topics() {
			if name, err := topic.NewName(t); err == nil && name.Collection == s.collection {
				topics = append(topics, t)
			}
		}

		if len(topics) == 0 {
			return nil
		}
	}

	for _, id := range ids {
		topics = append(topics, topic.Record(s.collection, id))
	}

	return s.client.Realtime.Unsubscribe(ctx, topics...)
}

func (s *RecordService) isAuthRecord(id string) bool {
	model := s.client.AuthStore.Model()
	if model == nil || model.ID != id {
		return false
	}

	return model.CollectionID == s.collection || model.CollectionName == s.collection
}

func cloneParams(params url.Values) url.Values {
	out := make(url.Values, len(params))
	for key, values := range params {
		out[key] = append([]string(nil), values...)
	}

	return out
}
