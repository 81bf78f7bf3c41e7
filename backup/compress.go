package backup

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Compression is the compression applied to the whole snapshot stream
type Compression int

const (
	None Compression = iota
	Zstd
	Brotli
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Brotli:
		return "brotli"
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

// Ext returns file extension conventionally used for c
func (c Compression) Ext() string {
	switch c {
	case Zstd:
		return ".zst"
	case Brotli:
		return ".br"
	}
	return ""
}

// CompressionFromName picks compression based on file extension:
// .zst or .zstd is zstd, .br is brotli, anything else is uncompressed
func CompressionFromName(name string) Compression {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".zst", ".zstd":
		return Zstd
	case ".br":
		return Brotli
	}
	return None
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}

// Close() on the returned writer flushes compressed data but
// doesn't close w
func compressWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case None:
		return nopWriteCloser{w}, nil
	case Zstd:
		// zstd.SpeedBestCompression is much slower and not much better
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case Brotli:
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	}
	return nil, fmt.Errorf("unknown compression %s", c)
}

func decompressReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case None:
		return io.NopCloser(r), nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case Brotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	}
	return nil, fmt.Errorf("unknown compression %s", c)
}
