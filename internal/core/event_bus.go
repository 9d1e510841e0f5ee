package core

import (
	"encoding/json"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vaphes/pocketbase/internal/sse"
	"github.com/vaphes/pocketbase/pkg/topic"
)

var ErrClientNotFound = errors.New("missing or invalid client id")

// Event is a record change published to the subscribed clients.
type Event struct {
	Collection string         `mapstructure:"collection" json:"collection"`
	Action     string         `mapstructure:"action" json:"action"`
	Record     map[string]any `mapstructure:"record" json:"record"`
}

// DecodeEvent reads a publish payload.
func DecodeEvent(input map[string]any) (*Event, error) {
	var event Event
	if err := mapstructure.Decode(input, &event); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}

	if event.Collection == "" || event.Action == "" || event.Record == nil {
		return nil, errors.New("decode event: collection, action and record are required")
	}

	return &event, nil
}

func (e *Event) recordID() string {
	id, _ := e.Record["id"].(string)
	return id
}

type EventBusOptions struct {
	Server *sse.Server
	Logger logrus.FieldLogger
}

type EventBus struct {
	mux           sync.RWMutex
	server        *sse.Server
	logger        logrus.FieldLogger
	subscriptions map[string]*Subscription
}

func NewEventBus(options *EventBusOptions) *EventBus {
	bus := &EventBus{
		server:        options.Server,
		logger:        options.Logger,
		subscriptions: make(map[string]*Subscription),
	}

	if bus.logger == nil {
		bus.logger = logrus.StandardLogger()
	}

	options.Server.CloseSessionHandler = func(session *sse.Session) {
		bus.mux.Lock()
		defer bus.mux.Unlock()

		delete(bus.subscriptions, session.ID)
	}

	return bus
}

// Send delivers event once for every matching topic of every client.
func (bus *EventBus) Send(event *Event) int {
	data, err := json.Marshal(map[string]any{
		"action": event.Action,
		"record": event.Record,
	})
	if err != nil {
		bus.logger.WithError(err).Error("encode event")
		return 0
	}

	bus.mux.RLock()
	defer bus.mux.RUnlock()

	sent := 0
	for _, subscription := range bus.subscriptions {
		sent += subscription.send(event, string(data))
	}

	return sent
}

// Subscribe replaces the topics of clientID.
func (bus *EventBus) Subscribe(clientID string, topics []string) error {
	session, ok := bus.server.Get(clientID)
	if !ok {
		return ErrClientNotFound
	}

	names := make([]*topic.Name, 0, len(topics))
	for _, value := range topics {
		name, err := topic.NewName(value)
		if err != nil {
			return err
		}
		names = append(names, name)
	}

	bus.mux.Lock()
	defer bus.mux.Unlock()

	subscription, ok := bus.subscriptions[clientID]
	if !ok {
		subscription = &Subscription{session: session}
		bus.subscriptions[clientID] = subscription
	}

	subscription.set(names)

	return nil
}

// Topics returns the topics of clientID.
func (bus *EventBus) Topics(clientID string) []string {
	bus.mux.RLock()
	defer bus.mux.RUnlock()

	subscription, ok := bus.subscriptions[clientID]
	if !ok {
		return nil
	}

	return subscription.list()
}

type Subscription struct {
	mux     sync.RWMutex
	topics  []*topic.Name
	session *sse.Session
}

func (s *Subscription) set(topics []*topic.Name) {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.topics = topics
}

func (s *Subscription) list() []string {
	s.mux.RLock()
	defer s.mux.RUnlock()

	out := make([]string, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t.String())
	}

	return out
}

func (s *Subscription) send(event *Event, data string) int {
	s.mux.RLock()
	defer s.mux.RUnlock()

	sent := 0
	for _, t := range s.topics {
		if !t.Match(event.Collection, event.recordID()) {
			continue
		}

		if s.session.Send(&sse.Event{Name: t.String(), Data: data}) {
			sent++
		}
	}

	return sent
}
