package httpmsg

import (
	"bufio"
	"io"
	"net/url"
	"strconv"
)

// WriteRequestHeader writes the request line and headers, leaving the
// stream positioned for the body. The target is written in origin form;
// the proxy always dials the authority itself.
func WriteRequestHeader(w *bufio.Writer, r *Request) error {
	if _, err := w.WriteString(r.method + " " + originForm(r.url) + " " + r.version.String() + "\r\n"); err != nil {
		return &TransportError{Op: "write request line", Err: err}
	}
	return writeHeaders(w, r.headers)
}

// WriteResponseHeader writes the status line and headers.
func WriteResponseHeader(w *bufio.Writer, r *Response) error {
	if _, err := w.WriteString(r.StatusLine() + "\r\n"); err != nil {
		return &TransportError{Op: "write status line", Err: err}
	}
	return writeHeaders(w, r.headers)
}

func writeHeaders(w *bufio.Writer, headers []Header) error {
	for _, h := range headers {
		if _, err := w.WriteString(h.Name + ": " + h.Value + "\r\n"); err != nil {
			return &TransportError{Op: "write header", Err: err}
		}
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return &TransportError{Op: "write header terminator", Err: err}
	}
	return nil
}

// WriteBody writes an in-memory body, re-chunking it as a single chunk
// plus terminator when chunked is set.
func WriteBody(w *bufio.Writer, body []byte, chunked bool) error {
	if !chunked {
		if _, err := w.Write(body); err != nil {
			return &TransportError{Op: "write body", Err: err}
		}
		return nil
	}
	if len(body) > 0 {
		if _, err := w.WriteString(strconv.FormatInt(int64(len(body)), 16) + "\r\n"); err != nil {
			return &TransportError{Op: "write chunk size", Err: err}
		}
		if _, err := w.Write(body); err != nil {
			return &TransportError{Op: "write chunk data", Err: err}
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return &TransportError{Op: "write chunk trailer line", Err: err}
		}
	}
	if _, err := w.WriteString("0\r\n\r\n"); err != nil {
		return &TransportError{Op: "write chunk terminator", Err: err}
	}
	return nil
}

// RelayBody streams a body from src to dst without buffering it whole,
// following the same framing precedence as ReadBody. Chunked bodies are
// re-encoded chunk by chunk, terminator included. Returns the payload
// byte count.
func RelayBody(dst *bufio.Writer, src *bufio.Reader, f Framing) (int64, error) {
	switch {
	case f.Chunked:
		var n int64
		for {
			chunk, last, err := ReadChunk(src)
			if err != nil {
				return n, err
			}
			if last {
				if _, err := dst.WriteString("0\r\n\r\n"); err != nil {
					return n, &TransportError{Op: "relay chunk terminator", Err: err}
				}
				return n, nil
			}
			if _, err := dst.WriteString(strconv.FormatInt(int64(len(chunk)), 16) + "\r\n"); err != nil {
				return n, &TransportError{Op: "relay chunk size", Err: err}
			}
			if _, err := dst.Write(chunk); err != nil {
				return n, &TransportError{Op: "relay chunk data", Err: err}
			}
			if _, err := dst.WriteString("\r\n"); err != nil {
				return n, &TransportError{Op: "relay chunk trailer line", Err: err}
			}
			n += int64(len(chunk))
		}
	case f.ContentLength > 0:
		n, err := io.CopyN(dst, src, f.ContentLength)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, &TransportError{Op: "relay fixed-length body", Err: err}
		}
		return n, nil
	case f.Version == Version10:
		n, err := io.Copy(dst, src)
		if err != nil {
			return n, &TransportError{Op: "relay body to close", Err: err}
		}
		return n, nil
	default:
		return 0, nil
	}
}

func originForm(u *url.URL) string {
	if u == nil {
		return "/"
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}
