package blobstore

import (
	"bufio"
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// IsZstd reports whether b starts with a zstd frame header.
func IsZstd(b []byte) bool {
	return bytes.HasPrefix(b, zstdMagic)
}

// Decode wraps r so zstd-compressed bodies are decompressed and anything
// else passes through unchanged. Closing the result closes r.
func Decode(r io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		r.Close()
		return nil, err
	}
	if !IsZstd(head) {
		return &readCloser{Reader: br, close: r.Close}, nil
	}
	dec, err := zstd.NewReader(br)
	if err != nil {
		r.Close()
		return nil, err
	}
	return &readCloser{Reader: dec, close: func() error {
		dec.Close()
		return r.Close()
	}}, nil
}

// DecodeBytes decompresses b when it is a zstd frame.
func DecodeBytes(b []byte) ([]byte, error) {
	if !IsZstd(b) {
		return b, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(b, nil)
}

// NewEncoder returns a zstd writer tuned for stream artifacts.
func NewEncoder(w io.Writer) (*zstd.Encoder, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }
