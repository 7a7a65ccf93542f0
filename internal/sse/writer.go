package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer serializes Events onto an http.ResponseWriter as named SSE frames,
// flushing after every event so the client sees each one as it is produced.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for SSE output, setting the headers streaming
// Messages API clients expect. It returns an error if w does not support flushing.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &Writer{w: w, flusher: flusher}, nil
}

// Write emits one SSE frame: an "event:" line naming the type, a "data:"
// line carrying the JSON payload, and the terminating blank line.
func (w *Writer) Write(ev Event) error {
	body, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", ev.Type, body); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
