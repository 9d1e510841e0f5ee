package sse

import (
	"fmt"
	"io"
	"strings"
)

const ConnectEvent = "PB_CONNECT"

type Event struct {
	ID   string
	Name string
	Data string
}

// WriteTo writes the event as one text/event-stream frame.
func (e *Event) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder

	if e.ID != "" {
		fmt.Fprintf(&b, "id:%s\n", e.ID)
	}

	if e.Name != "" {
		fmt.Fprintf(&b, "event:%s\n", e.Name)
	}

	for _, line := range strings.Split(e.Data, "\n") {
		fmt.Fprintf(&b, "data:%s\n", line)
	}

	b.WriteString("\n")

	n, err := io.WriteString(w, b.String())

	return int64(n), err
}
