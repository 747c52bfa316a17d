package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// eventStream writes server-sent events. It is used from the handler
// goroutine only.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func newEventStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &eventStream{w: w, flusher: flusher}, true
}

func (s *eventStream) send(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshalling event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}

func (s *eventStream) fail(what string, err error) {
	code, errType := failure(err)
	if code >= http.StatusInternalServerError {
		slog.Error(what, "error", err)
	}
	s.send("error", map[string]any{
		"error": map[string]any{"message": publicMessage(what, err), "type": errType},
	})
}
