package a2a

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// sseRawEvent is one decoded (event_type, data) pair before JSON decoding
// into an A2AEvent variant.
type sseRawEvent struct {
	eventType string
	data      string
}

// parseSSEStream reads r incrementally and sends one sseRawEvent per
// dispatched frame on the returned channel, closing it when r is
// exhausted or ctx-equivalent cancellation happens (callers close by
// stopping reads from r). The parser is terminator-agnostic: "\n", "\r",
// and "\r\n" are all treated as a single line break, matching the
// line-splitting algorithm of the source implementation's
// _process_sse_stream so that the same byte content fed with any mix of
// terminators yields byte-identical events.
func parseSSEStream(r io.Reader, out chan<- sseRawEvent, logger *slog.Logger) error {
	defer close(out)

	var buf bytes.Buffer
	var currentEventType string
	var dataBuf strings.Builder
	chunk := make([]byte, 4096)

	flushEvent := func() {
		if dataBuf.Len() == 0 {
			currentEventType = ""
			return
		}
		evType := currentEventType
		if evType == "" {
			evType = "message"
		}
		out <- sseRawEvent{eventType: evType, data: dataBuf.String()}
		dataBuf.Reset()
		currentEventType = ""
	}

	processLine := func(line string) {
		if line == "" {
			flushEvent()
			return
		}
		if strings.HasPrefix(line, ":") {
			return
		}
		idx := strings.IndexByte(line, ':')
		var field, value string
		if idx < 0 {
			logger.Warn("sse: malformed line ignored", "line", line)
			return
		}
		field = line[:idx]
		value = strings.TrimPrefix(line[idx+1:], " ")
		switch field {
		case "event":
			currentEventType = value
		case "data":
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(value)
		case "id", "retry":
			// accepted and ignored per the wire format
		default:
			logger.Warn("sse: unknown field ignored", "field", field)
		}
	}

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				b := buf.Bytes()
				nl := bytes.IndexByte(b, '\n')
				cr := bytes.IndexByte(b, '\r')
				var cut int
				var skip int
				switch {
				case nl < 0 && cr < 0:
					cut = -1
				case nl < 0:
					if cr == len(b)-1 {
						// A lone trailing \r with nothing read after it yet
						// might be the first half of a \r\n split across this
						// chunk and the next Read. Wait for more data instead
						// of cutting here.
						cut = -1
					} else {
						cut, skip = cr, 1
					}
				case cr < 0:
					cut, skip = nl, 1
				case cr < nl:
					cut = cr
					if cut+1 < len(b) && b[cut+1] == '\n' {
						skip = 2
					} else {
						skip = 1
					}
				default:
					cut, skip = nl, 1
				}
				if cut < 0 {
					break
				}
				line := string(b[:cut])
				buf.Next(cut + skip)
				processLine(line)
			}
		}
		if err != nil {
			if err == io.EOF {
				if buf.Len() > 0 {
					processLine(buf.String())
				}
				flushEvent()
				return nil
			}
			return &ConnectionError{Msg: "sse stream read failed", Cause: err}
		}
	}
}

// writeSSEFrame writes one "event: name\ndata: json\n\n" frame and
// flushes if w supports it.
func writeSSEFrame(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

type flusher interface {
	Flush()
}

func flushIfPossible(w io.Writer) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}
