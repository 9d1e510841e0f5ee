package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vaphes/pocketbase/internal/core"
	"github.com/vaphes/pocketbase/internal/sse"
)

const realtimePath = "/api/realtime"

type App struct {
	server     *sse.Server
	bus        *core.EventBus
	config     *core.Config
	auth       *Auth
	logger     logrus.FieldLogger
	router     *httprouter.Router
	httpServer *http.Server
}

func New(config *core.Config, logger logrus.FieldLogger) *App {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	server := sse.New(&sse.ServerOptions{
		PingInterval: time.Duration(config.PingInterval) * time.Second,
		Logger:       logger,
	})

	app := &App{
		server: server,
		bus:    core.NewEventBus(&core.EventBusOptions{Server: server, Logger: logger}),
		config: config,
		logger: logger,
		router: httprouter.New(),
	}

	if config.JWTSecret != "" {
		app.auth = NewAuth(config.JWTSecret)
	}

	app.router.GET(realtimePath, server.HandleFunc())
	app.router.POST(realtimePath, app.subscribe())
	app.router.POST(realtimePath+"/publish", app.publish())
	app.router.GET("/api/health", app.health())

	app.httpServer = &http.Server{
		Addr:    config.Addr,
		Handler: app.router,
	}

	return app
}

func (app *App) Handler() http.Handler {
	return app.router
}

// Publish fans event out to the connected clients.
func (app *App) Publish(event *core.Event) int {
	return app.bus.Send(event)
}

func (app *App) Listen() error {
	app.logger.WithField("addr", app.config.Addr).Info("realtime server listening")

	err := app.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Close ends every open stream, then stops the listener.
func (app *App) Close(ctx context.Context) error {
	app.server.Close()

	return app.httpServer.Shutdown(ctx)
}

type subscribeInput struct {
	ClientID      string   `json:"clientId"`
	Subscriptions []string `json:"subscriptions"`
}

func (app *App) subscribe() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		var input subscribeInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "Failed to load the submitted data.")
			return
		}

		if app.auth != nil && r.Header.Get("Authorization") != "" {
			if _, err := app.auth.RecordID(r); err != nil {
				app.logger.WithError(err).Debug("rejected realtime subscription")
				writeError(w, http.StatusUnauthorized, "The request requires valid record authorization token.")
				return
			}
		}

		err := app.bus.Subscribe(input.ClientID, input.Subscriptions)
		if errors.Is(err, core.ErrClientNotFound) {
			writeError(w, http.StatusNotFound, "Missing or invalid client id.")
			return
		}

		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		app.logger.WithFields(logrus.Fields{
			"client_id":     input.ClientID,
			"subscriptions": input.Subscriptions,
		}).Debug("realtime subscriptions updated")

		w.WriteHeader(http.StatusNoContent)
	}
}

func (app *App) publish() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if app.auth != nil {
			if _, err := app.auth.RecordID(r); err != nil {
				writeError(w, http.StatusUnauthorized, "The request requires valid record authorization token.")
				return
			}
		}

		var input map[string]any
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "Failed to load the submitted data.")
			return
		}

		event, err := core.DecodeEvent(input)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]int{"sent": app.bus.Send(event)}, app.logger)
	}
}

func (app *App) health() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]any{
			"code":    http.StatusOK,
			"message": "API is healthy.",
			"data":    map[string]any{},
		}, app.logger)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"code":    status,
		"message": message,
		"data":    map[string]any{},
	}, logrus.StandardLogger())
}

func writeJSON(w http.ResponseWriter, status int, v any, logger logrus.FieldLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Warn("write response")
	}
}
