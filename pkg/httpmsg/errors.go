package httpmsg

import (
	"errors"
	"fmt"
)

var (
	// ErrLocked is returned by mutators invoked on a locked message.
	ErrLocked = errors.New("httpmsg: message is locked")

	// ErrTransport marks I/O failures while moving body bytes, including a
	// source that closed before delivering a promised fixed-length body and
	// malformed chunk framing. Match with errors.Is.
	ErrTransport = errors.New("httpmsg: transport failure")

	// ErrDecompression marks a recognized content encoding whose payload
	// the decompressor rejected. Match with errors.Is.
	ErrDecompression = errors.New("httpmsg: decompression failure")
)

// TransportError reports an I/O failure while reading or writing a body.
// It carries the underlying error so callers can still match against
// io.ErrUnexpectedEOF and friends.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("httpmsg: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// DecompressionError reports that a recognized content encoding could not
// decode its payload. The compressed bytes are never substituted for the
// decoded form.
type DecompressionError struct {
	Encoding string
	Err      error
}

func (e *DecompressionError) Error() string {
	return fmt.Sprintf("httpmsg: decompress %s: %v", e.Encoding, e.Err)
}

func (e *DecompressionError) Unwrap() error { return e.Err }

func (e *DecompressionError) Is(target error) bool { return target == ErrDecompression }
