package agent

import "bytes"

// maxPartial bounds the carried-over partial line. A longer run without a newline is
// released as a line of its own.
const maxPartial = 16 << 20

// LineBuffer splits a byte stream into lines, carrying an incomplete trailing line
// over to the next chunk. It is not safe for concurrent use.
type LineBuffer struct {
	partial []byte
}

// Feed appends chunk and returns every line it completed, in order, without the
// trailing newline (and without a trailing carriage return).
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.partial = append(b.partial, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(b.partial[:i], []byte("\r"))))
		b.partial = b.partial[i+1:]
	}

	if len(b.partial) > maxPartial {
		lines = append(lines, string(b.partial))
		b.partial = nil
	}

	// Release the consumed prefix so the backing array does not grow forever.
	if len(b.partial) == 0 {
		b.partial = nil
	} else if cap(b.partial) > 4*len(b.partial)+4096 {
		b.partial = append([]byte(nil), b.partial...)
	}
	return lines
}

// Flush returns whatever partial line remains and resets the buffer.
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.partial) == 0 {
		return "", false
	}
	rest := string(bytes.TrimSuffix(b.partial, []byte("\r")))
	b.partial = nil
	return rest, true
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; t.max > 0 && over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(bytes.TrimSpace(t.buf))
}

// headBuffer keeps the first max bytes written to it and counts the rest.
type headBuffer struct {
	max     int
	buf     []byte
	dropped int64
}

func (h *headBuffer) Write(p []byte) (int, error) {
	room := h.max - len(h.buf)
	if room < 0 {
		room = 0
	}
	if len(p) > room {
		h.dropped += int64(len(p) - room)
		h.buf = append(h.buf, p[:room]...)
	} else {
		h.buf = append(h.buf, p...)
	}
	return len(p), nil
}
