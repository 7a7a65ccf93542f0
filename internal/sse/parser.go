// Package sse parses Cloud Code's chunked SSE stream and emits the
// Anthropic-shaped, event-typed SSE stream callers expect from
// POST /v1/messages.
package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"strings"

	"github.com/kvoss/ccproxy/internal/cloudcode"
)

// doneSentinel terminates a stream the way OpenAI-style proxies do; Cloud
// Code does not emit it but defensive parsers in the pack all check for it.
const doneSentinel = "[DONE]"

// ParseChunks reads an upstream byte stream line by line, reassembling
// `data:`-prefixed lines into JSON events and decoding each into a
// GenerateContentResponse. Malformed events are dropped with a structured
// diagnostic rather than aborting the stream. The scanner buffer is sized
// generously because a single functionCall's accumulated arguments can
// exceed the default 64KiB token limit.
func ParseChunks(r io.Reader, emit func(*cloudcode.GenerateContentResponse)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var dataLines []string
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		if payload == doneSentinel {
			return
		}
		var envelope cloudcode.ResponseEnvelope
		if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
			log.Printf("sse: dropping malformed event: %v", err)
			return
		}
		resp := envelope.Unwrap()
		if resp == nil {
			return
		}
		emit(resp)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			dataLines = append(dataLines, data)
		default:
			// Comment or unrecognized field line; ignored.
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}
