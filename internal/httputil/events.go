package httputil

import (
	"fmt"
	"net/http"
)

// EventStream writes server-sent events.
type EventStream struct {
	w http.ResponseWriter
}

// StartEventStream sets the SSE headers and sends an initial comment so the
// client sees the stream open before the first event.
func StartEventStream(w http.ResponseWriter) *EventStream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	es := &EventStream{w: w}
	fmt.Fprint(w, ": ping\n\n")
	es.flush()
	return es
}

func (es *EventStream) flush() {
	if f, ok := es.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Send writes one event. An empty id omits the id field. data must not
// contain newlines.
func (es *EventStream) Send(id string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(es.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(es.w, "data: %s\n\n", data); err != nil {
		return err
	}
	es.flush()
	return nil
}
