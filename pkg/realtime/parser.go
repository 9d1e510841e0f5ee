package realtime

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxEventSize is the largest chunk a Parser keeps. Bigger chunks are
// skipped.
const DefaultMaxEventSize = 4 * 1024 * 1024

var chunkBoundaries = [][]byte{
	[]byte("\r\r"),
	[]byte("\n\n"),
	[]byte("\r\n\r\n"),
}

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Parser reads events from a text/event-stream body.
type Parser struct {
	scanner  *bufio.Scanner
	maxSize  int
	skipping bool
	dropped  int
}

func NewParser(r io.Reader) *Parser {
	return NewParserSize(r, DefaultMaxEventSize)
}

// NewParserSize returns a Parser skipping chunks of maxSize bytes or more.
func NewParserSize(r io.Reader, maxSize int) *Parser {
	if maxSize <= 0 {
		maxSize = DefaultMaxEventSize
	}

	p := &Parser{
		scanner: bufio.NewScanner(r),
		maxSize: maxSize,
	}

	// The scanner may hold a full read on top of maxSize before a chunk
	// is skipped.
	p.scanner.Buffer(make([]byte, 0, min(64*1024, maxSize)), 2*maxSize+64*1024)
	p.scanner.Split(p.split)

	return p
}

// Next returns the next event carrying data. It returns io.EOF once the
// stream ended, after the last unterminated chunk has been yielded.
func (p *Parser) Next() (*Event, error) {
	for p.scanner.Scan() {
		if event := ParseChunk(p.scanner.Text()); event != nil {
			return event, nil
		}
	}

	if err := p.scanner.Err(); err != nil {
		return nil, err
	}

	return nil, io.EOF
}

// Dropped returns the number of chunks skipped for being too large.
func (p *Parser) Dropped() int {
	return p.dropped
}

// split cuts the stream at the earliest blank line.
func (p *Parser) split(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	start, end := nextBoundary(data)

	if p.skipping {
		switch {
		case end >= 0:
			p.skipping = false
			return end, nil, nil
		case atEOF:
			p.skipping = false
			return len(data), nil, nil
		}

		// Keep a tail that may hold the start of a boundary.
		return max(0, len(data)-3), nil, nil
	}

	if end >= 0 && start < p.maxSize {
		return end, data[:start], nil
	}

	if end >= 0 || len(data) >= p.maxSize {
		p.skipping = true
		p.dropped++
		return p.split(data, atEOF)
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}

func nextBoundary(data []byte) (int, int) {
	start, end := -1, -1
	for _, boundary := range chunkBoundaries {
		i := bytes.Index(data, boundary)
		if i >= 0 && (end < 0 || i+len(boundary) < end) {
			start, end = i, i+len(boundary)
		}
	}

	return start, end
}

// ParseChunk decodes the fields of one chunk. It returns nil when the chunk
// has no data field.
func ParseChunk(chunk string) *Event {
	event := &Event{Topic: DefaultTopic}

	var data strings.Builder
	hasData := false

	for _, line := range strings.Split(lineEndings.Replace(chunk), "\n") {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			event.ID = value
		case "event":
			if value != "" {
				event.Topic = value
			}
		case "data":
			hasData = true
			data.WriteString(value)
			data.WriteByte('\n')
		case "retry":
			if retry, err := strconv.Atoi(value); err == nil {
				event.Retry = &retry
			}
		}
	}

	if !hasData {
		return nil
	}

	event.Data = strings.TrimSuffix(data.String(), "\n")

	return event
}
