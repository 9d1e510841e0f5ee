package realtime_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaphes/pocketbase/pkg/realtime"
)

type errorSink struct {
	mux  sync.Mutex
	errs []error
}

func (s *errorSink) handle(err error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.errs = append(s.errs, err)
}

func (s *errorSink) Len() int {
	s.mux.Lock()
	defer s.mux.Unlock()

	return len(s.errs)
}

func newTestService(t *testing.T, f *fakeServer, opts ...realtime.Option) (*realtime.Service, *requester) {
	t.Helper()

	logger, _ := test.NewNullLogger()
	r := &requester{base: f.URL}

	s := realtime.NewService(r, append([]realtime.Option{realtime.WithLogger(logger)}, opts...)...)
	t.Cleanup(s.Close)

	return s, r
}

func waitSubmissions(t *testing.T, f *fakeServer, n int) []submitted {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(f.Submissions()) >= n
	}, 5*time.Second, 10*time.Millisecond)

	return f.Submissions()
}

func noop(*realtime.Message) {}

func TestServiceEndToEnd(t *testing.T) {
	f := newFakeServer(t)
	s, _ := newTestService(t, f)
	ctx := context.Background()

	messages := make(chan *realtime.Message, 1)
	require.NoError(t, s.Subscribe(ctx, "posts", func(m *realtime.Message) { messages <- m }))

	subs := waitSubmissions(t, f, 1)
	assert.Equal(t, "conn1", subs[0].ClientID)
	assert.Equal(t, []string{"posts"}, subs[0].Subscriptions)
	assert.Equal(t, "conn1", s.ClientID())
	assert.Equal(t, realtime.StateActive, s.State())

	f.send("posts", `{"action":"create","record":{"id":"r1","title":"hello"}}`)

	select {
	case m := <-messages:
		assert.Equal(t, "create", m.Action)
		assert.Equal(t, "r1", m.Record.ID)
		assert.Equal(t, "hello", m.Record.GetString("title"))
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestServiceSubscribe(t *testing.T) {
	t.Run("invalid arguments", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)

		require.ErrorIs(t, s.Subscribe(context.Background(), "", noop), realtime.ErrEmptyTopic)
		require.ErrorIs(t, s.Subscribe(context.Background(), "posts", nil), realtime.ErrNilCallback)
		assert.Equal(t, realtime.StateIdle, s.State())
	})

	t.Run("one submission per subscribe", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "a", noop))
		waitSubmissions(t, f, 1)

		require.NoError(t, s.Subscribe(ctx, "b", noop))

		subs := f.Submissions()
		require.Len(t, subs, 2)
		assert.Equal(t, []string{"a", "b"}, subs[1].Subscriptions)
	})

	t.Run("resubscribe replaces callback", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)
		ctx := context.Background()

		first := make(chan *realtime.Message, 1)
		second := make(chan *realtime.Message, 1)

		require.NoError(t, s.Subscribe(ctx, "posts", func(m *realtime.Message) { first <- m }))
		waitSubmissions(t, f, 1)
		require.NoError(t, s.Subscribe(ctx, "posts", func(m *realtime.Message) { second <- m }))

		subs := f.Submissions()
		require.Len(t, subs, 2)
		assert.Equal(t, []string{"posts"}, subs[1].Subscriptions)

		f.send("posts", `{"action":"update","record":{"id":"r1"}}`)

		m := <-second
		assert.Equal(t, "update", m.Action)
		assert.Empty(t, first)
	})

	t.Run("token read at call time", func(t *testing.T) {
		f := newFakeServer(t)
		s, r := newTestService(t, f)
		ctx := context.Background()

		r.setToken("first")
		require.NoError(t, s.Subscribe(ctx, "a", noop))
		waitSubmissions(t, f, 1)

		r.setToken("second")
		require.NoError(t, s.Subscribe(ctx, "b", noop))

		subs := f.Submissions()
		assert.Equal(t, "Bearer first", subs[0].Auth)
		assert.Equal(t, "Bearer second", subs[1].Auth)
	})

	t.Run("submission failure", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "a", noop))
		waitSubmissions(t, f, 1)

		f.setSubmitStatus(http.StatusBadRequest)
		err := s.Subscribe(ctx, "b", noop)
		require.Error(t, err)

		var se *statusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusBadRequest, se.Status)
		assert.Equal(t, []string{"a", "b"}, s.Topics())
	})

	t.Run("handshake failure goes to error handler", func(t *testing.T) {
		f := newFakeServer(t)
		f.setSubmitStatus(http.StatusForbidden)

		sink := &errorSink{}
		s, _ := newTestService(t, f, realtime.WithErrorHandler(sink.handle))

		require.NoError(t, s.Subscribe(context.Background(), "a", noop))
		require.Eventually(t, func() bool { return sink.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	})
}

func TestServiceUnsubscribe(t *testing.T) {
	t.Run("all twice", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "a", noop))
		waitSubmissions(t, f, 1)

		require.NoError(t, s.Unsubscribe(ctx))
		require.NoError(t, s.Unsubscribe(ctx))

		subs := f.Submissions()
		require.Len(t, subs, 2)
		assert.Empty(t, subs[1].Subscriptions)
		assert.Equal(t, realtime.StateIdle, s.State())
		assert.Equal(t, "", s.ClientID())
		assert.Empty(t, s.Topics())
	})

	t.Run("idle", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)

		require.NoError(t, s.Unsubscribe(context.Background()))
		assert.Empty(t, f.Submissions())
	})

	t.Run("partial keeps remaining", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "a", noop))
		waitSubmissions(t, f, 1)
		require.NoError(t, s.Subscribe(ctx, "b", noop))

		require.NoError(t, s.Unsubscribe(ctx, "a"))

		subs := f.Submissions()
		require.Len(t, subs, 3)
		assert.Equal(t, []string{"b"}, subs[2].Subscriptions)
		assert.Equal(t, realtime.StateActive, s.State())
	})

	t.Run("unknown topic", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "a", noop))
		waitSubmissions(t, f, 1)

		require.NoError(t, s.Unsubscribe(ctx, "zzz"))

		assert.Len(t, f.Submissions(), 1)
		assert.Equal(t, []string{"a"}, s.Topics())
		assert.Equal(t, realtime.StateActive, s.State())
	})

	t.Run("last topic closes stream", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "a", noop))
		waitSubmissions(t, f, 1)

		require.NoError(t, s.Unsubscribe(ctx, "a"))

		subs := f.Submissions()
		require.Len(t, subs, 2)
		assert.Empty(t, subs[1].Subscriptions)
		assert.Equal(t, realtime.StateIdle, s.State())
	})

	t.Run("by prefix", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "posts", noop))
		waitSubmissions(t, f, 1)
		require.NoError(t, s.Subscribe(ctx, "posts/r1", noop))
		require.NoError(t, s.Subscribe(ctx, "users", noop))

		require.NoError(t, s.UnsubscribeByPrefix(ctx, "comments"))
		assert.Len(t, f.Submissions(), 3)

		require.NoError(t, s.UnsubscribeByPrefix(ctx, "posts"))

		subs := f.Submissions()
		require.Len(t, subs, 4)
		assert.Equal(t, []string{"users"}, subs[3].Subscriptions)
	})

	t.Run("from callback", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)
		ctx := context.Background()

		done := make(chan error, 1)
		require.NoError(t, s.Subscribe(ctx, "posts", func(m *realtime.Message) {
			done <- s.Unsubscribe(ctx)
		}))
		waitSubmissions(t, f, 1)

		f.send("posts", `{"action":"delete","record":{"id":"r1"}}`)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("unsubscribe from callback blocked")
		}

		assert.Equal(t, realtime.StateIdle, s.State())
	})
}

func TestServiceReconnect(t *testing.T) {
	t.Run("explicit", func(t *testing.T) {
		f := newFakeServer(t)
		sink := &errorSink{}
		s, _ := newTestService(t, f, realtime.WithErrorHandler(sink.handle))
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "a", noop))
		waitSubmissions(t, f, 1)
		require.NoError(t, s.Subscribe(ctx, "b", noop))

		f.drop <- struct{}{}

		require.Eventually(t, func() bool {
			return sink.Len() == 1 && s.State() == realtime.StateIdle
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, "", s.ClientID())

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, s.Reconnect(ctx))

		subs := f.Submissions()
		require.Len(t, subs, 3)
		assert.Equal(t, "conn2", subs[2].ClientID)
		assert.Equal(t, []string{"a", "b"}, subs[2].Subscriptions)
		assert.Equal(t, realtime.StateActive, s.State())

		require.NoError(t, s.Reconnect(ctx))
		assert.Len(t, f.Submissions(), 3)
	})

	t.Run("resubmits after failed handshake", func(t *testing.T) {
		f := newFakeServer(t)
		f.setSubmitStatus(http.StatusInternalServerError)

		sink := &errorSink{}
		s, _ := newTestService(t, f, realtime.WithErrorHandler(sink.handle))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, s.Subscribe(ctx, "a", noop))
		require.Eventually(t, func() bool { return sink.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
		require.Len(t, f.Submissions(), 1)

		err := s.Reconnect(ctx)
		var se *statusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusInternalServerError, se.Status)
		require.Len(t, f.Submissions(), 2)

		f.setSubmitStatus(0)
		require.NoError(t, s.Reconnect(ctx))

		subs := f.Submissions()
		require.Len(t, subs, 3)
		assert.Equal(t, "conn1", subs[2].ClientID)
		assert.Equal(t, []string{"a"}, subs[2].Subscriptions)
		assert.Equal(t, realtime.StateActive, s.State())

		require.NoError(t, s.Reconnect(ctx))
		assert.Len(t, f.Submissions(), 3)
	})

	t.Run("subscribe restarts dead stream", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "a", noop))
		waitSubmissions(t, f, 1)

		f.drop <- struct{}{}
		require.Eventually(t, func() bool {
			return s.State() == realtime.StateIdle
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, s.Subscribe(ctx, "b", noop))

		subs := waitSubmissions(t, f, 2)
		assert.Equal(t, "conn2", subs[1].ClientID)
		assert.Equal(t, []string{"a", "b"}, subs[1].Subscriptions)
	})

	t.Run("bounded retries resubmit", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f,
			realtime.WithMaxRetries(3),
			realtime.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		)
		ctx := context.Background()

		require.NoError(t, s.Subscribe(ctx, "a", noop))
		waitSubmissions(t, f, 1)

		f.drop <- struct{}{}

		subs := waitSubmissions(t, f, 2)
		assert.Equal(t, "conn2", subs[1].ClientID)
		assert.Equal(t, []string{"a"}, subs[1].Subscriptions)
	})

	t.Run("nothing to reconnect", func(t *testing.T) {
		f := newFakeServer(t)
		s, _ := newTestService(t, f)

		require.NoError(t, s.Reconnect(context.Background()))
		assert.Equal(t, realtime.StateIdle, s.State())
	})
}

func TestServiceIsolation(t *testing.T) {
	f := newFakeServer(t)
	s1, _ := newTestService(t, f)
	s2, _ := newTestService(t, f)
	ctx := context.Background()

	require.NoError(t, s1.Subscribe(ctx, "a", noop))
	waitSubmissions(t, f, 1)

	assert.Empty(t, s2.Topics())
	assert.Equal(t, realtime.StateIdle, s2.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", realtime.StateIdle.String())
	assert.Equal(t, "connecting", realtime.StateConnecting.String())
	assert.Equal(t, "active", realtime.StateActive.String())
}
