package transport

import "bytes"

// LineFramer splits a byte stream into newline-terminated frames. Partial
// trailing lines are buffered until the next chunk arrives, so it can be fed
// arbitrary read-sized chunks.
type LineFramer struct {
	buf []byte
}

// Feed appends a chunk and returns every complete line it closed, without the
// terminator. A trailing carriage return is stripped as well.
func (f *LineFramer) Feed(p []byte) [][]byte {
	f.buf = append(f.buf, p...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := f.buf[:idx]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) > 0 {
			out := make([]byte, len(line))
			copy(out, line)
			lines = append(lines, out)
		}
		f.buf = f.buf[idx+1:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return lines
}

// Remainder returns the buffered partial line, if any.
func (f *LineFramer) Remainder() []byte {
	return f.buf
}
