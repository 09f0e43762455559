package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/newsatlas/crawler/pkg/types"
)

// ErrDecompression is returned when stored content fails to decompress.
// Use errors.Is(err, ErrDecompression) to check for decompression errors.
var ErrDecompression = errors.New("decompression failed")

// Compress compresses a body using the configured algorithm and returns the
// bytes plus the compression kind recorded alongside them. Bodies below the
// size threshold and unknown algorithms are stored uncompressed.
func Compress(content []byte, algorithm string) ([]byte, string, error) {
	if len(content) < types.CompressionMinSize {
		return content, types.CompressionNone, nil
	}

	switch algorithm {
	case types.CompressionSnappy:
		return snappy.Encode(nil, content), types.CompressionSnappy, nil

	case types.CompressionLZ4:
		// LZ4 stream format embeds size information.
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(content); err != nil {
			w.Close()
			return nil, "", fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), types.CompressionLZ4, nil

	default:
		return content, types.CompressionNone, nil
	}
}

// Decompress reverses Compress given the recorded compression kind.
func Decompress(content []byte, kind string) ([]byte, error) {
	switch kind {
	case types.CompressionSnappy:
		decompressed, err := snappy.Decode(nil, content)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrDecompression, err)
		}
		return decompressed, nil

	case types.CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(content))
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrDecompression, err)
		}
		return decompressed, nil

	default:
		// Not compressed or unknown kind - return as-is.
		return content, nil
	}
}
