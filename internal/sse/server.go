package sse

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
)

type ServerOptions struct {
	PingInterval time.Duration
	Logger       logrus.FieldLogger
}

type Server struct {
	mux                 sync.RWMutex
	NewSessionHandler   func(session *Session)
	CloseSessionHandler func(session *Session)
	sessions            map[string]*Session
	ping                time.Duration
	logger              logrus.FieldLogger
}

func New(options *ServerOptions) *Server {
	s := &Server{
		sessions: make(map[string]*Session),
		logger:   logrus.StandardLogger(),
	}

	if options != nil {
		s.ping = options.PingInterval
		if options.Logger != nil {
			s.logger = options.Logger
		}
	}

	return s
}

func (s *Server) HandleFunc() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		id, err := gonanoid.New()
		if err != nil {
			http.Error(w, "Failed to create session.", http.StatusInternalServerError)
			return
		}

		session := newSession(id)

		s.mux.Lock()
		s.sessions[id] = session
		s.mux.Unlock()

		if s.NewSessionHandler != nil {
			s.NewSessionHandler(session)
		}

		data, _ := json.Marshal(map[string]string{"clientId": id})
		session.Send(&Event{
			ID:   id,
			Name: ConnectEvent,
			Data: string(data),
		})

		s.logger.WithField("client_id", id).Debug("realtime session opened")

		session.listen(w, r, s.ping, s.logger)

		s.mux.Lock()
		delete(s.sessions, id)
		s.mux.Unlock()

		if s.CloseSessionHandler != nil {
			s.CloseSessionHandler(session)
		}

		s.logger.WithField("client_id", id).Debug("realtime session closed")
	}
}

func (s *Server) Get(id string) (*Session, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	session, ok := s.sessions[id]

	return session, ok
}

// Disconnect closes the stream of one session.
func (s *Server) Disconnect(id string) bool {
	session, ok := s.Get(id)
	if ok {
		session.Close()
	}

	return ok
}

// Close ends every open stream.
func (s *Server) Close() {
	s.mux.RLock()
	defer s.mux.RUnlock()

	for _, session := range s.sessions {
		session.Close()
	}
}
