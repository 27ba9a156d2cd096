package container

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the tile payload codec. All supported schemes are
// lossless; pixel values are never altered by the writer.
type Compression uint8

const (
	// CompressionNone stores tile payloads raw.
	CompressionNone Compression = 0

	// CompressionDeflate is the general-purpose lossless scheme and the
	// default for output containers.
	CompressionDeflate Compression = 1

	// CompressionZstd trades a little speed for better ratios on
	// continuous-tone microscopy data.
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionDeflate:
		return "deflate"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression maps a configuration string to a Compression kind.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none":
		return CompressionNone, nil
	case "deflate", "zlib":
		return CompressionDeflate, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, fmt.Errorf("unknown compression %q (want none, deflate or zstd)", s)
}

// Shared zstd coders; EncodeAll/DecodeAll are safe for concurrent use, so
// every open writer and reader in the process shares these.
var (
	zstdEnc, _ = zstd.NewWriter(nil)
	zstdDec, _ = zstd.NewReader(nil)
)

func compressTile(kind Compression, src []byte) ([]byte, error) {
	switch kind {
	case CompressionNone:
		return src, nil
	case CompressionDeflate:
		var buf bytes.Buffer
		zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(src); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		return zstdEnc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
	}
	return nil, fmt.Errorf("unknown compression %d", kind)
}

func decompressTile(kind Compression, src []byte, rawLen int) ([]byte, error) {
	switch kind {
	case CompressionNone:
		if len(src) != rawLen {
			return nil, fmt.Errorf("raw payload is %d bytes, want %d", len(src), rawLen)
		}
		return src, nil
	case CompressionDeflate:
		zr := flate.NewReader(bytes.NewReader(src))
		out := make([]byte, rawLen)
		if _, err := io.ReadFull(zr, out); err != nil {
			return nil, err
		}
		return out, zr.Close()
	case CompressionZstd:
		out, err := zstdDec.DecodeAll(src, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("decompressed to %d bytes, want %d", len(out), rawLen)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown compression %d", kind)
}
