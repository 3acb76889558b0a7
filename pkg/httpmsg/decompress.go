package httpmsg

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// Decompressor maps compressed body bytes to their decoded form.
type Decompressor interface {
	Decompress([]byte) ([]byte, error)
}

// DecompressorFunc adapts a function to the Decompressor interface.
type DecompressorFunc func([]byte) ([]byte, error)

// Decompress implements Decompressor.
func (f DecompressorFunc) Decompress(b []byte) ([]byte, error) { return f(b) }

// DecompressorFor selects the strategy for a Content-Encoding token.
// Empty and unrecognized tokens get the identity strategy, which never
// fails; a recognized token whose payload is malformed yields a
// DecompressionError.
func DecompressorFor(encoding string) Decompressor {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		return DecompressorFunc(decompressGzip)
	case "deflate":
		return DecompressorFunc(decompressDeflate)
	case "br":
		return DecompressorFunc(decompressBrotli)
	default:
		return DecompressorFunc(identity)
	}
}

func identity(b []byte) ([]byte, error) { return b, nil }

func decompressGzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, &DecompressionError{Encoding: "gzip", Err: err}
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, &DecompressionError{Encoding: "gzip", Err: err}
	}
	return out, nil
}

// decompressDeflate first tries the zlib wrapper RFC 9110 prescribes, then
// retries as raw DEFLATE; servers disagree on which "deflate" means.
func decompressDeflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err == nil {
		out, rerr := io.ReadAll(zr)
		zr.Close()
		if rerr == nil {
			return out, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(b))
	defer fr.Close()
	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, &DecompressionError{Encoding: "deflate", Err: err}
	}
	return out, nil
}

func decompressBrotli(b []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(b)))
	if err != nil {
		return nil, &DecompressionError{Encoding: "br", Err: err}
	}
	return out, nil
}
