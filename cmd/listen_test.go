package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaphes/pocketbase/internal/api"
	"github.com/vaphes/pocketbase/internal/core"
	"github.com/vaphes/pocketbase/pkg/client"
)

type syncBuffer struct {
	mux sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mux.Lock()
	defer b.mux.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mux.Lock()
	defer b.mux.Unlock()

	return b.buf.String()
}

func TestListen(t *testing.T) {
	logger, _ := test.NewNullLogger()

	app := api.New(&core.Config{}, logger)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	config := &core.Config{
		BaseURL:  srv.URL,
		Topics:   []string{"posts"},
		Realtime: core.Realtime{SubmitTimeout: 5},
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)

	go func() {
		done <- listen(ctx, config, out, nil, logger, nil)
	}()

	require.Eventually(t, func() bool {
		app.Publish(&core.Event{Collection: "posts", Action: "create", Record: map[string]any{"id": "r1"}})
		return strings.Contains(out.String(), "\n")
	}, 5*time.Second, 50*time.Millisecond)

	line := strings.SplitN(out.String(), "\n", 2)[0]

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "posts", got["topic"])
	assert.Equal(t, "create", got["action"])
	assert.Equal(t, map[string]any{"id": "r1"}, got["record"])

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not return")
	}
}

func TestListenWithoutTopics(t *testing.T) {
	logger, _ := test.NewNullLogger()

	err := listen(context.Background(), &core.Config{}, &syncBuffer{}, nil, logger, nil)
	assert.EqualError(t, err, "no topic to listen to")
}

func TestAuthenticate(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/collections/users/auth-with-password", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "me@example.com", body["identity"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"t1","record":{"id":"u1"}}`))
	}))
	t.Cleanup(srv.Close)

	newClient := func() *client.Client {
		logger, _ := test.NewNullLogger()
		c, err := client.New(client.ClientOptions{BaseURL: srv.URL, Logger: logger})
		require.NoError(t, err)
		return c
	}

	t.Run("token", func(t *testing.T) {
		c := newClient()
		require.NoError(t, authenticate(context.Background(), c, core.Auth{Token: "static"}))
		assert.Equal(t, "static", c.AuthStore.Token())
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("guest", func(t *testing.T) {
		c := newClient()
		require.NoError(t, authenticate(context.Background(), c, core.Auth{Collection: "users"}))
		assert.Empty(t, c.AuthStore.Token())
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("password", func(t *testing.T) {
		c := newClient()
		err := authenticate(context.Background(), c, core.Auth{Collection: "users", Identity: "me@example.com", Password: "secret"})
		require.NoError(t, err)
		assert.Equal(t, "t1", c.AuthStore.Token())
		assert.Equal(t, "u1", c.AuthStore.Model().ID)
		assert.Equal(t, int32(1), calls.Load())
	})
}
