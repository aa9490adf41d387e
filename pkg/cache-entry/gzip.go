package cacheentry

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
)

// ErrDecompression is returned for stored bodies that cannot be inflated.
var ErrDecompression = errors.New("Could not decompress cache entry")

// Deflate compresses a body.
func Deflate(body []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := gzip.NewWriter(buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Inflate reverses Deflate.
func Inflate(compressed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, ErrDecompression
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, ErrDecompression
	}
	return body, nil
}
