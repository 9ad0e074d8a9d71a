package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when the admin server receives a request.
// Context carries the request id.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the admin handler completes.
type HTTPFinish struct {
	Request  *http.Request
	Route    string
	Status   int
	Duration time.Duration
}
