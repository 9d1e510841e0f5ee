package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Path = "/api/realtime"

var (
	ErrEmptyTopic   = errors.New("realtime: topic cannot be empty")
	ErrNilCallback  = errors.New("realtime: callback cannot be nil")
	ErrNotConnected = errors.New("realtime: no connection id")
)

// Requester sends authorized API requests. out may be nil.
type Requester interface {
	BuildURL(path string) string
	Do(ctx context.Context, method string, path string, body any, out any) error
}

// Callback receives the changes of a subscribed topic. It runs on the
// stream goroutine and should hand off slow work.
type Callback func(message *Message)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

type submission struct {
	ClientID      string   `json:"clientId"`
	Subscriptions []string `json:"subscriptions"`
}

type connectPayload struct {
	ClientID string `json:"clientId"`
}

// Service manages the realtime subscriptions of a client. Every topic
// change made while connected is submitted to the server before returning.
type Service struct {
	mux       sync.Mutex
	requester Requester
	options   options

	topics    []string
	callbacks map[string]Callback
	clientID  string
	stream    *Stream
	ready     chan struct{}
	// readyErr is the result of the last submission.
	readyErr error
}

func NewService(requester Requester, opts ...Option) *Service {
	s := &Service{
		requester: requester,
		callbacks: make(map[string]Callback),
		options: options{
			logger:        logrus.StandardLogger(),
			submitTimeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(&s.options)
	}

	return s
}

// Subscribe registers callback for topic, replacing the previous one. The
// stream is opened if needed.
func (s *Service) Subscribe(ctx context.Context, topic string, callback Callback) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	if callback == nil {
		return ErrNilCallback
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.callbacks[topic]; !ok {
		s.topics = append(s.topics, topic)
	}
	s.callbacks[topic] = callback
	s.options.metrics.setSubscriptions(len(s.topics))

	if s.stream == nil || !s.stream.Running() {
		s.connectLocked()
		return nil
	}

	s.stream.AddListener(topic, s.listener(topic, callback))

	if s.clientID == "" {
		return nil
	}

	return s.submitLocked(ctx)
}

// Unsubscribe removes the given topics, or every topic when none is given.
// The stream is closed once no topic is left.
func (s *Service) Unsubscribe(ctx context.Context, topics ...string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if len(topics) == 0 {
		return s.unsubscribeAllLocked(ctx)
	}

	return s.unsubscribeLocked(ctx, topics)
}

// UnsubscribeByPrefix removes every topic starting with prefix.
func (s *Service) UnsubscribeByPrefix(ctx context.Context, prefix string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	var matched []string
	for _, topic := range s.topics {
		if strings.HasPrefix(topic, prefix) {
			matched = append(matched, topic)
		}
	}

	if len(matched) == 0 {
		return nil
	}

	return s.unsubscribeLocked(ctx, matched)
}

// Reconnect opens a new stream when the previous one went down and waits
// for the connect event and its submission. On a live connection whose last
// submission failed, it submits the topics again.
func (s *Service) Reconnect(ctx context.Context) error {
	s.mux.Lock()

	if len(s.topics) == 0 {
		s.mux.Unlock()
		return nil
	}

	if s.stream == nil || !s.stream.Running() {
		s.connectLocked()
	} else if s.clientID != "" && s.readyErr != nil {
		// Connected, but the server does not have the topics yet.
		err := s.submitLocked(ctx)
		s.mux.Unlock()
		return err
	}

	stream, ready := s.stream, s.ready
	s.mux.Unlock()

	select {
	case <-ready:
		s.mux.Lock()
		defer s.mux.Unlock()
		return s.readyErr
	case <-stream.Done():
		if err := stream.Err(); err != nil {
			return err
		}
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops every subscription and closes the stream without notifying
// the server.
func (s *Service) Close() {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.topics = nil
	s.callbacks = make(map[string]Callback)
	s.options.metrics.setSubscriptions(0)
	s.disconnectLocked()
}

func (s *Service) ClientID() string {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.clientID
}

// Topics returns the subscribed topics in subscription order.
func (s *Service) Topics() []string {
	s.mux.Lock()
	defer s.mux.Unlock()

	return append([]string(nil), s.topics...)
}

func (s *Service) State() State {
	s.mux.Lock()
	defer s.mux.Unlock()

	switch {
	case s.stream == nil || !s.stream.Running():
		return StateIdle
	case s.clientID == "":
		return StateConnecting
	default:
		return StateActive
	}
}

func (s *Service) unsubscribeAllLocked(ctx context.Context) error {
	if s.stream == nil && len(s.topics) == 0 {
		return nil
	}

	s.topics = nil
	s.callbacks = make(map[string]Callback)
	s.options.metrics.setSubscriptions(0)

	var err error
	if s.clientID != "" {
		err = s.submitLocked(ctx)
	}

	s.disconnectLocked()

	return err
}

func (s *Service) unsubscribeLocked(ctx context.Context, topics []string) error {
	removed := false

	for _, topic := range topics {
		if _, ok := s.callbacks[topic]; !ok {
			continue
		}

		delete(s.callbacks, topic)
		s.topics = removeTopic(s.topics, topic)

		if s.stream != nil {
			s.stream.RemoveListener(topic)
		}

		removed = true
	}

	if !removed {
		return nil
	}

	s.options.metrics.setSubscriptions(len(s.topics))

	var err error
	if s.clientID != "" {
		err = s.submitLocked(ctx)
	}

	if len(s.topics) == 0 {
		s.disconnectLocked()
	}

	return err
}

func (s *Service) connectLocked() {
	if s.stream != nil {
		s.stream.Stop()
	}

	stream := NewStream(&StreamOptions{
		URL:          s.requester.BuildURL(Path),
		HTTPClient:   s.options.httpClient,
		Logger:       s.options.logger,
		Metrics:      s.options.metrics,
		MaxRetries:   s.options.maxRetries,
		BackOff:      s.options.backOff,
		MaxEventSize: s.options.maxEventSize,
	})

	stream.OnDisconnect = func(err error, retrying bool) {
		s.handleDisconnect(stream, err, retrying)
	}

	stream.AddListener(ConnectTopic, func(event *Event) {
		s.handleConnect(stream, event)
	})

	for _, topic := range s.topics {
		stream.AddListener(topic, s.listener(topic, s.callbacks[topic]))
	}

	s.stream = stream
	s.clientID = ""
	s.ready = make(chan struct{})
	s.readyErr = nil
	s.options.metrics.setConnected(false)

	stream.Start()
}

func (s *Service) disconnectLocked() {
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}

	s.clientID = ""
	s.options.metrics.setConnected(false)
}

func (s *Service) listener(topic string, callback Callback) Handler {
	return func(event *Event) {
		message, err := DecodeMessage(event.Data)
		if err != nil {
			s.options.metrics.malformed()
			s.options.logger.WithError(err).WithField("topic", topic).Warn("dropping realtime event")
			return
		}

		callback(message)
	}
}

func (s *Service) handleConnect(stream *Stream, event *Event) {
	clientID := event.ID
	if clientID == "" {
		var payload connectPayload
		if err := json.Unmarshal([]byte(event.Data), &payload); err == nil {
			clientID = payload.ClientID
		}
	}

	s.mux.Lock()

	if s.stream != stream {
		s.mux.Unlock()
		return
	}

	if clientID == "" {
		s.mux.Unlock()
		s.reportError(errors.New("realtime: connect event without connection id"))
		return
	}

	s.clientID = clientID
	s.options.metrics.setConnected(true)
	s.options.logger.WithField("client_id", clientID).Debug("realtime connected")

	ctx := context.Background()
	var cancel context.CancelFunc
	if s.options.submitTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.options.submitTimeout)
		defer cancel()
	}

	err := s.submitLocked(ctx)
	s.closeReadyLocked()
	s.mux.Unlock()

	if err != nil {
		s.options.logger.WithError(err).WithField("client_id", clientID).Error("realtime handshake submission failed")
		s.reportError(err)
	}
}

func (s *Service) handleDisconnect(stream *Stream, err error, retrying bool) {
	s.mux.Lock()

	if s.stream != stream {
		s.mux.Unlock()
		return
	}

	s.clientID = ""
	s.options.metrics.setConnected(false)
	s.mux.Unlock()

	s.reportError(err)
}

func (s *Service) closeReadyLocked() {
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

// submitLocked sends the whole topic list for the current connection.
func (s *Service) submitLocked(ctx context.Context) error {
	if s.clientID == "" {
		return ErrNotConnected
	}

	body := &submission{
		ClientID:      s.clientID,
		Subscriptions: append([]string{}, s.topics...),
	}

	err := s.requester.Do(ctx, http.MethodPost, Path, body, nil)
	s.options.metrics.submission(err)

	if err != nil {
		s.readyErr = errors.Wrap(err, "submit realtime subscriptions")
		return s.readyErr
	}
	s.readyErr = nil

	s.options.logger.WithFields(logrus.Fields{
		"client_id":     s.clientID,
		"subscriptions": len(body.Subscriptions),
	}).Debug("realtime subscriptions submitted")

	return nil
}

func (s *Service) reportError(err error) {
	if err != nil && s.options.errorHandler != nil {
		s.options.errorHandler(err)
	}
}

func removeTopic(topics []string, topic string) []string {
	for i, t := range topics {
		if t == topic {
			return append(topics[:i], topics[i+1:]...)
		}
	}

	return topics
}
