package a2a

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteAtATimeReader returns one byte per Read call, to force parseSSEStream
// to observe every possible chunk boundary, including one that splits a
// \r\n terminator into two separate reads.
type byteAtATimeReader struct {
	data []byte
	pos  int
}

func (r *byteAtATimeReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func drainRaw(t *testing.T, body string) []sseRawEvent {
	t.Helper()
	out := make(chan sseRawEvent, 10)
	err := parseSSEStream(strings.NewReader(body), out, slog.Default())
	require.NoError(t, err)
	var events []sseRawEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func TestParseSSEStreamMixedFrames(t *testing.T) {
	body := "event: task_status\n" +
		"data: {\"taskId\":\"t-1\",\"state\":\"WORKING\",\"timestamp\":\"2024-01-01T00:00:00Z\"}\n\n" +
		": heartbeat\n" +
		"data: {\"taskId\":\"t-1\",\"message\":{\"role\":\"user\",\"parts\":[]}}\n\n"

	events := drainRaw(t, body)
	require.Len(t, events, 2)
	assert.Equal(t, "task_status", events[0].eventType)
	assert.Equal(t, "message", events[1].eventType)
}

func TestParseSSEStreamLineEndingAgnostic(t *testing.T) {
	lf := "event: task_status\ndata: {\"a\":1}\n\n"
	crlf := "event: task_status\r\ndata: {\"a\":1}\r\n\r\n"
	cr := "event: task_status\rdata: {\"a\":1}\r\r"

	lfEvents := drainRaw(t, lf)
	crlfEvents := drainRaw(t, crlf)
	crEvents := drainRaw(t, cr)

	require.Len(t, lfEvents, 1)
	require.Len(t, crlfEvents, 1)
	require.Len(t, crEvents, 1)
	assert.Equal(t, lfEvents[0], crlfEvents[0])
	assert.Equal(t, lfEvents[0], crEvents[0])
}

func TestParseSSEStreamCRLFAcrossReadBoundary(t *testing.T) {
	body := "event: task_status\r\ndata: {\"a\":1}\r\n\r\n"
	out := make(chan sseRawEvent, 10)
	err := parseSSEStream(&byteAtATimeReader{data: []byte(body)}, out, slog.Default())
	require.NoError(t, err)

	var events []sseRawEvent
	for ev := range out {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, "task_status", events[0].eventType)
	assert.Equal(t, `{"a":1}`, events[0].data)
}

func TestParseSSEStreamMultipleDataLinesJoinedWithNewline(t *testing.T) {
	body := "data: line1\ndata: line2\n\n"
	events := drainRaw(t, body)
	require.Len(t, events, 1)
	assert.Equal(t, "line1\nline2", events[0].data)
}

func TestParseSSEStreamIgnoresIDAndRetryFields(t *testing.T) {
	body := "id: 5\nretry: 3000\nevent: task_status\ndata: {\"a\":1}\n\n"
	events := drainRaw(t, body)
	require.Len(t, events, 1)
	assert.Equal(t, "task_status", events[0].eventType)
}

func TestDecodeEventUnknownTypeDropped(t *testing.T) {
	_, known, err := decodeEvent("not_a_real_event", []byte(`{}`))
	assert.False(t, known)
	assert.NoError(t, err)
}

func TestDecodeEventMalformedJSONDropped(t *testing.T) {
	_, known, err := decodeEvent("task_status", []byte(`not json`))
	assert.True(t, known)
	assert.Error(t, err)
}
