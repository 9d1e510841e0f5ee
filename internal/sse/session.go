package sse

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const sessionBuffer = 64

type Session struct {
	ID string

	messageChan chan *Event
	done        chan struct{}
	closeOnce   sync.Once
}

func newSession(id string) *Session {
	return &Session{
		ID:          id,
		messageChan: make(chan *Event, sessionBuffer),
		done:        make(chan struct{}),
	}
}

// Send queues e for the client. It returns false when the session is closed
// or its buffer is full.
func (s *Session) Send(e *Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.messageChan <- e:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Close ends the stream of this session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) listen(w http.ResponseWriter, r *http.Request, ping time.Duration, logger logrus.FieldLogger) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	defer s.Close()

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	var tick <-chan time.Time
	if ping > 0 {
		ticker := time.NewTicker(ping)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case e := <-s.messageChan:
			if _, err := e.WriteTo(w); err != nil {
				logger.WithError(err).WithField("client_id", s.ID).Debug("write event")
				return
			}
			flush()

		case <-tick:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flush()

		case <-s.done:
			return

		case <-r.Context().Done():
			return
		}
	}
}
