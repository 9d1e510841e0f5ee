package realtime_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type submitted struct {
	Auth          string   `json:"-"`
	ClientID      string   `json:"clientId"`
	Subscriptions []string `json:"subscriptions"`
}

// fakeServer speaks the realtime protocol: each stream gets connN as id.
type fakeServer struct {
	*httptest.Server

	mux          sync.Mutex
	conns        int
	submissions  []submitted
	submitStatus int

	frames chan string
	drop   chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	f := &fakeServer{
		frames: make(chan string),
		drop:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/realtime", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			f.stream(w, r)
		case http.MethodPost:
			f.submit(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)

	return f
}

func (f *fakeServer) stream(w http.ResponseWriter, r *http.Request) {
	f.mux.Lock()
	f.conns++
	id := fmt.Sprintf("conn%d", f.conns)
	f.mux.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)

	fmt.Fprintf(w, "id:%s\nevent:PB_CONNECT\ndata:{\"clientId\":\"%s\"}\n\n", id, id)
	flusher.Flush()

	for {
		select {
		case frame := <-f.frames:
			fmt.Fprint(w, frame)
			flusher.Flush()
		case <-f.drop:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (f *fakeServer) submit(w http.ResponseWriter, r *http.Request) {
	var s submitted
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.Auth = r.Header.Get("Authorization")

	f.mux.Lock()
	f.submissions = append(f.submissions, s)
	status := f.submitStatus
	f.mux.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":400,"message":"Something went wrong."}`))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeServer) send(topic string, data string) {
	f.frames <- fmt.Sprintf("event:%s\ndata:%s\n\n", topic, data)
}

func (f *fakeServer) Submissions() []submitted {
	f.mux.Lock()
	defer f.mux.Unlock()

	return append([]submitted(nil), f.submissions...)
}

func (f *fakeServer) setSubmitStatus(status int) {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.submitStatus = status
}

type statusError struct {
	Status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}

// requester is a minimal transport reading the token on every call.
type requester struct {
	base  string
	mux   sync.Mutex
	token string
}

func (r *requester) setToken(token string) {
	r.mux.Lock()
	defer r.mux.Unlock()

	r.token = token
}

func (r *requester) BuildURL(path string) string {
	return r.base + path
}

func (r *requester) Do(ctx context.Context, method string, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, r.BuildURL(path), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	r.mux.Lock()
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	r.mux.Unlock()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &statusError{resp.StatusCode}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}

	return nil
}
