package realtime

// DefaultTopic is the topic of events without an event field.
const DefaultTopic = "message"

// ConnectTopic is sent once per stream with the connection id.
const ConnectTopic = "PB_CONNECT"

// Event is a single server-sent event.
type Event struct {
	ID    string
	Topic string
	Data  string
	// Retry is the reconnection time in milliseconds, nil when the event has none.
	Retry *int
}
