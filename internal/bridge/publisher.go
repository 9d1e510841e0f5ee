package bridge

import (
	"context"
	"encoding/json"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vaphes/pocketbase/pkg/realtime"
)

// Producer is the part of pulsar.Producer the publisher needs.
type Producer interface {
	Send(ctx context.Context, msg *pulsar.ProducerMessage) (pulsar.MessageID, error)
	Close()
}

// Change is the payload forwarded for every received message.
type Change struct {
	Topic      string         `json:"topic"`
	Collection string         `json:"collection"`
	Action     string         `json:"action"`
	Record     map[string]any `json:"record"`
}

type ClientOptions struct {
	URL    string
	Topic  string
	Name   string
	Logger logrus.FieldLogger
}

type Publisher struct {
	client   pulsar.Client
	producer Producer
	logger   logrus.FieldLogger
}

func NewPublisher(options ClientOptions) (*Publisher, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL: options.URL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "pulsar client")
	}

	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic: options.Topic,
		Name:  options.Name,
	})
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "pulsar producer %s", options.Topic)
	}

	publisher := NewPublisherWithProducer(producer, options.Logger)
	publisher.client = client

	return publisher, nil
}

func NewPublisherWithProducer(producer Producer, logger logrus.FieldLogger) *Publisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Publisher{producer: producer, logger: logger}
}

// Publish sends message keyed by its record id.
func (p *Publisher) Publish(ctx context.Context, topic string, message *realtime.Message) error {
	if p.producer == nil {
		return errors.New("producer not initialized")
	}

	change := &Change{
		Topic:  topic,
		Action: message.Action,
	}

	var key string
	if message.Record != nil {
		key = message.Record.ID
		change.Collection = message.Record.CollectionName
		change.Record = message.Record.Data
	}

	payload, err := json.Marshal(change)
	if err != nil {
		return errors.Wrap(err, "encode change")
	}

	_, err = p.producer.Send(ctx, &pulsar.ProducerMessage{
		Key:     key,
		Payload: payload,
		Properties: map[string]string{
			"action": message.Action,
			"topic":  topic,
		},
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}

	p.logger.WithFields(logrus.Fields{
		"topic":  topic,
		"action": message.Action,
		"key":    key,
	}).Debug("change forwarded")

	return nil
}

// Handler returns a realtime callback forwarding every message of topic.
// Failures are logged.
func (p *Publisher) Handler(ctx context.Context, topic string) realtime.Callback {
	return func(message *realtime.Message) {
		if err := p.Publish(ctx, topic, message); err != nil {
			p.logger.WithError(err).WithField("topic", topic).Warn("forward change")
		}
	}
}

func (p *Publisher) Close() {
	if p.producer != nil {
		p.producer.Close()
	}

	if p.client != nil {
		p.client.Close()
	}
}
