package realtime

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrStreamClosed is reported when the server ends the stream.
var ErrStreamClosed = errors.New("realtime stream closed by server")

// Handler receives the events of one topic. It runs on the read goroutine
// of the stream, so a slow handler delays every other topic.
type Handler func(event *Event)

// DisconnectHandler is called from the read goroutine each time the
// connection drops. retrying is false once the stream gave up.
type DisconnectHandler func(err error, retrying bool)

type StreamOptions struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
	Metrics    *Metrics
	// MaxRetries bounds the reconnection attempts after a drop. Zero means
	// the stream stays down until started again.
	MaxRetries int
	BackOff    func() backoff.BackOff

	// MaxEventSize is passed to NewParserSize. Zero means
	// DefaultMaxEventSize.
	MaxEventSize int
}

// Stream reads a realtime endpoint and dispatches its events by topic.
type Stream struct {
	url        string
	header     http.Header
	client     *http.Client
	logger     logrus.FieldLogger
	metrics    *Metrics
	maxRetries int
	newBackOff func() backoff.BackOff
	maxSize    int

	OnDisconnect DisconnectHandler

	mux       sync.RWMutex
	listeners map[string]*listener

	runMux sync.Mutex
	run    *run
}

type listener struct {
	handler Handler
	active  atomic.Bool
}

type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// stopped is set by Stop, dead once the loop gave up on its own.
	stopped atomic.Bool
	dead    atomic.Bool
	// busy is set while the read goroutine runs handlers or hooks.
	busy atomic.Bool
}

func NewStream(options *StreamOptions) *Stream {
	s := &Stream{
		url:        options.URL,
		header:     options.Header,
		client:     options.HTTPClient,
		logger:     options.Logger,
		metrics:    options.Metrics,
		maxRetries: options.MaxRetries,
		newBackOff: options.BackOff,
		maxSize:    options.MaxEventSize,
		listeners:  make(map[string]*listener),
	}

	if s.client == nil {
		s.client = &http.Client{}
	}

	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}

	if s.newBackOff == nil {
		s.newBackOff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		}
	}

	return s
}

// AddListener registers handler for topic, replacing the previous one.
func (s *Stream) AddListener(topic string, handler Handler) {
	l := &listener{handler: handler}
	l.active.Store(true)

	s.mux.Lock()
	defer s.mux.Unlock()

	if old, ok := s.listeners[topic]; ok {
		old.active.Store(false)
	}

	s.listeners[topic] = l
}

// RemoveListener unregisters topic. A dispatch that already looked the
// listener up may still complete once.
func (s *Stream) RemoveListener(topic string) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if l, ok := s.listeners[topic]; ok {
		l.active.Store(false)
		delete(s.listeners, topic)
	}
}

// Start opens the stream in a new goroutine. It does nothing while a run
// is still in progress.
func (s *Stream) Start() {
	s.runMux.Lock()
	defer s.runMux.Unlock()

	if s.run != nil {
		select {
		case <-s.run.done:
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.run = r

	go s.loop(r)
}

// Stop ends the current run. Once it returns no handler is invoked anymore,
// except when Stop is called from a handler or while one is in flight, in
// which case that single invocation completes.
func (s *Stream) Stop() {
	s.runMux.Lock()
	r := s.run
	s.runMux.Unlock()

	if r == nil {
		return
	}

	r.stopped.Store(true)
	r.cancel()

	if !r.busy.Load() {
		<-r.done
	}
}

// Running reports whether a run is in progress and neither stopped nor dead.
func (s *Stream) Running() bool {
	r := s.current()
	if r == nil || r.stopped.Load() || r.dead.Load() {
		return false
	}

	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Done is closed when the current run exits.
func (s *Stream) Done() <-chan struct{} {
	r := s.current()
	if r == nil {
		done := make(chan struct{})
		close(done)
		return done
	}

	return r.done
}

// Err returns the error that ended the last run, nil if it was stopped.
func (s *Stream) Err() error {
	r := s.current()
	if r == nil {
		return nil
	}

	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (s *Stream) current() *run {
	s.runMux.Lock()
	defer s.runMux.Unlock()

	return s.run
}

func (s *Stream) loop(r *run) {
	defer close(r.done)
	defer r.cancel()

	b := s.newBackOff()
	attempt := 0

	for {
		received, err := s.read(r)
		if r.stopped.Load() {
			return
		}

		if received {
			b.Reset()
			attempt = 0
		}

		delay := backoff.Stop
		if attempt < s.maxRetries {
			delay = b.NextBackOff()
		}

		if delay == backoff.Stop {
			r.err = err
			r.dead.Store(true)
			s.logger.WithError(err).WithField("url", s.url).Warn("realtime stream down")
			s.disconnected(r, err, false)
			return
		}

		attempt++
		s.metrics.reconnect()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"url":     s.url,
			"attempt": attempt,
			"delay":   delay,
		}).Warn("realtime stream dropped, reconnecting")

		if !s.disconnected(r, err, true) {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// read holds one connection until it fails. received tells whether at
// least one event came through.
func (s *Stream) read(r *run) (received bool, err error) {
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return false, errors.Wrap(err, "realtime request")
	}

	for key, values := range s.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "open realtime stream")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("open realtime stream: unexpected status %d", resp.StatusCode)
	}

	parser := NewParserSize(resp.Body, s.maxSize)
	dropped := 0

	for {
		event, err := parser.Next()

		if n := parser.Dropped(); n > dropped {
			s.logger.WithFields(logrus.Fields{
				"url":     s.url,
				"dropped": n - dropped,
			}).Warn("realtime event too large, skipped")
			dropped = n
		}

		if errors.Is(err, io.EOF) {
			return received, ErrStreamClosed
		}
		if err != nil {
			return received, errors.Wrap(err, "read realtime stream")
		}

		received = true

		if !s.dispatch(r, event) {
			return received, nil
		}
	}
}

// dispatch returns false once the run has been stopped.
func (s *Stream) dispatch(r *run, event *Event) bool {
	r.busy.Store(true)
	defer r.busy.Store(false)

	if r.stopped.Load() {
		return false
	}

	s.mux.RLock()
	l, ok := s.listeners[event.Topic]
	s.mux.RUnlock()

	if !ok || !l.active.Load() {
		s.metrics.event(false)
		s.logger.WithField("topic", event.Topic).Debug("no listener for realtime event")
		return true
	}

	s.metrics.event(true)
	s.call(l.handler, event)

	return true
}

func (s *Stream) call(handler Handler, event *Event) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.WithField("topic", event.Topic).Errorf("realtime handler panic: %v", v)
		}
	}()

	handler(event)
}

// disconnected runs the hook and returns false if the run was stopped meanwhile.
func (s *Stream) disconnected(r *run, err error, retrying bool) bool {
	r.busy.Store(true)
	defer r.busy.Store(false)

	if r.stopped.Load() {
		return false
	}

	if s.OnDisconnect != nil {
		s.OnDisconnect(err, retrying)
	}

	return !r.stopped.Load()
}
