package httpmsg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Framing describes how a message body is delimited on the wire.
type Framing struct {
	Chunked       bool
	ContentLength int64
	Version       Version
}

// FramingFor extracts the framing a message declares.
func FramingFor(m *Message) Framing {
	return Framing{
		Chunked:       m.chunked,
		ContentLength: m.contentLength,
		Version:       m.version,
	}
}

// ReadBody materializes a message body from br. One decision table owns
// the framing precedence, in strict priority order:
//
//  1. chunked: read length-prefixed chunks until the zero terminator,
//     which is fully consumed so br sits at the next message;
//  2. content length > 0: read exactly that many bytes, a short read is a
//     transport error, never a truncated body;
//  3. protocol version exactly 1.0: read until end of stream;
//  4. otherwise: no body.
//
// Chunked wins over a stale Content-Length when both are present, and the
// 1.0 read-to-close fallback applies only once the first two signals are
// absent. Failures are TransportErrors; nothing is retried here.
func ReadBody(br *bufio.Reader, f Framing) ([]byte, error) {
	switch {
	case f.Chunked:
		return readChunked(br)
	case f.ContentLength > 0:
		buf := make([]byte, f.ContentLength)
		if _, err := io.ReadFull(br, buf); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, &TransportError{Op: "read fixed-length body", Err: err}
		}
		return buf, nil
	case f.Version == Version10:
		body, err := io.ReadAll(br)
		if err != nil {
			return nil, &TransportError{Op: "read body to close", Err: err}
		}
		return body, nil
	default:
		return nil, nil
	}
}

// DrainBody consumes and discards a body so the stream is left positioned
// at the next message.
func DrainBody(br *bufio.Reader, f Framing) error {
	_, err := ReadBody(br, f)
	return err
}

// ReadChunk reads one length-prefixed chunk. last is true once the zero
// terminator has been consumed, in which case data is nil. Chunk
// extensions after ';' are ignored.
func ReadChunk(br *bufio.Reader) (data []byte, last bool, err error) {
	line, err := readLine(br)
	if err != nil {
		return nil, false, &TransportError{Op: "read chunk size", Err: err}
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	size, perr := strconv.ParseUint(line, 16, 63)
	if perr != nil {
		return nil, false, &TransportError{Op: "parse chunk size " + strconv.Quote(line), Err: perr}
	}
	if size == 0 {
		// Terminator: consume the final CRLF. Trailer headers are not
		// consumed beyond it.
		if _, err := readLine(br); err != nil {
			return nil, false, &TransportError{Op: "read chunk terminator", Err: err}
		}
		return nil, true, nil
	}
	data = make([]byte, size)
	if _, err := io.ReadFull(br, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, false, &TransportError{Op: "read chunk data", Err: err}
	}
	if _, err := readLine(br); err != nil {
		return nil, false, &TransportError{Op: "read chunk trailer line", Err: err}
	}
	return data, false, nil
}

func readChunked(br *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		chunk, last, err := ReadChunk(br)
		if err != nil {
			return nil, err
		}
		if last {
			return body, nil
		}
		body = append(body, chunk...)
	}
}

// readLine reads a CRLF-terminated line, tolerating bare LF, and returns
// it without the terminator.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}
