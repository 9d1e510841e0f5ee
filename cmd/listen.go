package cmd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vaphes/pocketbase/internal/bridge"
	"github.com/vaphes/pocketbase/internal/core"
	"github.com/vaphes/pocketbase/pkg/auth"
	"github.com/vaphes/pocketbase/pkg/client"
	"github.com/vaphes/pocketbase/pkg/models"
	"github.com/vaphes/pocketbase/pkg/realtime"
)

var (
	brokerURL   string
	metricsAddr string

	listenCmd = &cobra.Command{
		Use:   "listen [topics...]",
		Short: "Print realtime record changes as JSON lines",
		Long:  `Subscribes to the given topics, or to the configured ones, and prints every record change on its own line`,

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if brokerURL != "" {
				appConfig.Broker.URL = brokerURL
			}

			var metrics *realtime.Metrics
			if metricsAddr != "" {
				registry := prometheus.NewRegistry()
				metrics = realtime.NewMetrics(registry)
				if err := metrics.Register(); err != nil {
					return err
				}

				go serveMetrics(ctx, metricsAddr, registry)
			}

			return listen(ctx, appConfig, cmd.OutOrStdout(), args, logrus.StandardLogger(), metrics)
		},
	}
)

func init() {
	listenCmd.Flags().StringVar(&brokerURL, "broker-url", "", "forward every change to this pulsar broker")
	listenCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
}

type change struct {
	Topic  string         `json:"topic"`
	Action string         `json:"action"`
	Record *models.Record `json:"record"`
}

func listen(ctx context.Context, config *core.Config, out io.Writer, topics []string, logger logrus.FieldLogger, metrics *realtime.Metrics) error {
	if len(topics) == 0 {
		topics = config.Topics
	}

	if len(topics) == 0 {
		return errors.New("no topic to listen to")
	}

	store, err := newAuthStore(config.Auth)
	if err != nil {
		return err
	}

	failures := make(chan error, 1)

	c, err := client.New(client.ClientOptions{
		BaseURL:   config.BaseURL,
		AuthStore: store,
		Logger:    logger,
		Realtime: []realtime.Option{
			realtime.WithMaxRetries(config.Realtime.MaxRetries),
			realtime.WithSubmitTimeout(time.Duration(config.Realtime.SubmitTimeout) * time.Second),
			realtime.WithMetrics(metrics),
			realtime.WithErrorHandler(func(err error) {
				select {
				case failures <- err:
				default:
				}
			}),
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := authenticate(ctx, c, config.Auth); err != nil {
		return err
	}

	var publisher *bridge.Publisher
	if config.Broker.URL != "" {
		publisher, err = bridge.NewPublisher(bridge.ClientOptions{
			URL:    config.Broker.URL,
			Topic:  config.Broker.Topic,
			Name:   config.Broker.Name,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
	}

	var mux sync.Mutex
	encoder := json.NewEncoder(out)

	for _, topic := range topics {
		topic := topic

		var forward realtime.Callback
		if publisher != nil {
			forward = publisher.Handler(ctx, topic)
		}

		err := c.Realtime.Subscribe(ctx, topic, func(message *realtime.Message) {
			mux.Lock()
			err := encoder.Encode(&change{Topic: topic, Action: message.Action, Record: message.Record})
			mux.Unlock()

			if err != nil {
				logger.WithError(err).Warn("write change")
			}

			if forward != nil {
				forward(message)
			}
		})
		if err != nil {
			return err
		}
	}

	logger.WithField("topics", topics).Info("listening")

	reconnect := func() (struct{}, error) {
		return struct{}{}, c.Realtime.Reconnect(ctx)
	}

	notify := func(err error, next time.Duration) {
		logger.WithError(err).WithField("next", next).Warn("reconnect failed")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failures:
			logger.WithError(err).Warn("realtime connection lost")

			_, err = backoff.Retry(ctx, reconnect, backoff.WithMaxElapsedTime(0), backoff.WithNotify(notify))

			if ctx.Err() != nil {
				return nil
			}

			if err != nil {
				return err
			}

			logger.Info("reconnected")
		}
	}
}

func newAuthStore(options core.Auth) (auth.Store, error) {
	if options.File == "" {
		return auth.NewMemoryStore(), nil
	}

	return auth.NewFileStore(options.File)
}

// authenticate keeps a valid stored token, or signs in with the configured
// credentials. Without any the client stays a guest.
func authenticate(ctx context.Context, c *client.Client, options core.Auth) error {
	if options.Token != "" {
		return c.AuthStore.Save(options.Token, c.AuthStore.Model())
	}

	if auth.TokenValid(c.AuthStore.Token()) || options.Identity == "" {
		return nil
	}

	_, err := c.Collection(options.Collection).AuthWithPassword(ctx, options.Identity, options.Password)

	return errors.Wrapf(err, "authenticate %s", options.Identity)
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) {
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Error("metrics server")
	}
}
