package client

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ResponseError is returned by every failed API call. Status is zero when
// no response was received.
type ResponseError struct {
	URL           string
	Status        int
	Data          map[string]any
	IsAbort       bool
	OriginalError error
}

func (e *ResponseError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("request %s: %v", e.URL, e.OriginalError)
	}

	if msg, ok := e.Data["message"].(string); ok && msg != "" {
		return fmt.Sprintf("request %s: status %d: %s", e.URL, e.Status, msg)
	}

	return fmt.Sprintf("request %s: status %d", e.URL, e.Status)
}

func (e *ResponseError) Unwrap() error {
	return e.OriginalError
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var respErr *ResponseError
	return errors.As(err, &respErr) && respErr.Status == http.StatusNotFound
}
