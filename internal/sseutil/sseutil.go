// Package sseutil holds shared helpers for reading the upstream SSE wire
// format. It is imported by both the proxy handler and the stream pipeline
// without creating a dependency cycle.
package sseutil

import "bytes"

var (
	doneMarker  = []byte("[DONE]")
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
	commentByte = byte(':')
)

// IsDone reports whether the line is the upstream end-of-stream marker,
// with or without its data prefix.
func IsDone(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	if bytes.HasPrefix(trimmed, dataPrefix) {
		trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	}
	return bytes.Equal(trimmed, doneMarker)
}

// JSONPayload extracts the JSON payload from one upstream SSE line. Returns
// nil for blank lines, comments, event names, the [DONE] marker, and anything
// that does not start a JSON object.
func JSONPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || bytes.Equal(trimmed, doneMarker) {
		return nil
	}
	if bytes.HasPrefix(trimmed, eventPrefix) {
		return nil
	}
	if bytes.HasPrefix(trimmed, dataPrefix) {
		trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	} else if trimmed[0] == commentByte {
		return nil
	}
	if len(trimmed) == 0 || bytes.Equal(trimmed, doneMarker) || trimmed[0] != '{' {
		return nil
	}
	return trimmed
}
