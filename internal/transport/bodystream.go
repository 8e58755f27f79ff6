package transport

import (
	"errors"
	"io"
	"strings"
)

const defaultBodyBufferSize = 32 * 1024

// BodyStream reads or writes one HTTP message body as a sequence of
// discrete chunks, independent of whether the wire framing is a known
// Content-Length, chunked transfer encoding, or an SSE event stream. A
// stream is read-oriented (constructed over a request's bytes) or
// write-oriented (constructed over a response's Conn), never both.
type BodyStream struct {
	r io.Reader
	w io.Writer

	contentLength int64 // -1 when unknown (read until EOF)
	chunked       bool
	bufferSize    int

	bytesRead int64
	complete  bool
}

// NewReadBodyStream constructs a stream over an incoming request body. r
// typically wraps the buffered bytes already read off the wire plus the
// live connection, so callers can keep reading past whatever was read
// ahead during header parsing. contentLength of -1 means read until EOF.
func NewReadBodyStream(r io.Reader, contentLength int64) *BodyStream {
	return &BodyStream{r: r, contentLength: contentLength, bufferSize: defaultBodyBufferSize}
}

// NewWriteBodyStream constructs a stream over an outgoing response body.
// When chunked is true, every WriteChunk call is framed per RFC 7230 §4.1
// and EndStream emits the terminating zero-length chunk; otherwise writes
// go straight to w and EndStream is a no-op.
func NewWriteBodyStream(w io.Writer, chunked bool) *BodyStream {
	return &BodyStream{w: w, chunked: chunked, contentLength: -1, bufferSize: defaultBodyBufferSize}
}

// ReadChunk returns the next slice of body bytes, up to the stream's buffer
// size. A nil, nil result means the body is exhausted.
func (b *BodyStream) ReadChunk() ([]byte, error) {
	if b.complete {
		return nil, nil
	}
	size := b.bufferSize
	if b.contentLength >= 0 {
		remaining := b.contentLength - b.bytesRead
		if remaining <= 0 {
			b.complete = true
			return nil, nil
		}
		if int64(size) > remaining {
			size = int(remaining)
		}
	}
	buf := make([]byte, size)
	n, err := b.r.Read(buf)
	if n > 0 {
		b.bytesRead += int64(n)
		if b.contentLength >= 0 && b.bytesRead >= b.contentLength {
			b.complete = true
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			b.complete = true
			if n == 0 {
				return nil, nil
			}
			return buf[:n], nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// WriteChunk writes one piece of body data, chunk-framing it if the stream
// was constructed with chunked transfer encoding.
func (b *BodyStream) WriteChunk(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !b.chunked {
		_, err := b.w.Write(data)
		return err
	}
	if _, err := io.WriteString(b.w, hexChunkSize(len(data))+"\r\n"); err != nil {
		return err
	}
	if _, err := b.w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(b.w, "\r\n")
	return err
}

// WriteSSEEvent writes one Server-Sent Events record. It is never
// chunk-framed regardless of the stream's chunked setting: SSE framing is
// its own wire format layered directly over the raw connection.
func (b *BodyStream) WriteSSEEvent(eventType, data, id string) error {
	var sb strings.Builder
	if eventType != "" {
		sb.WriteString("event: ")
		sb.WriteString(eventType)
		sb.WriteByte('\n')
	}
	if id != "" {
		sb.WriteString("id: ")
		sb.WriteString(id)
		sb.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	_, err := io.WriteString(b.w, sb.String())
	return err
}

// EndStream terminates the body. For chunked streams this writes the
// trailing zero-length chunk; for all other framings it is a no-op since
// the framing itself (Content-Length, or the connection closing) already
// marks the end.
func (b *BodyStream) EndStream() error {
	if !b.chunked {
		return nil
	}
	_, err := io.WriteString(b.w, "0\r\n\r\n")
	return err
}
