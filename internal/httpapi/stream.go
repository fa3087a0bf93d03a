package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Stream serves /v1/events as server-sent events. Each vault mutation is
// written as one "data:" frame with a JSON-encoded stream.Event.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming is not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := a.stream.Subscribe(r.Context())

	fmt.Fprint(w, ": stream started\n\n")
	flusher.Flush()
	for evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}
