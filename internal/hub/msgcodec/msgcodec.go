// Package msgcodec provides zstd compression for message payloads
// stored in the durable tables (mailbox entries, channel history,
// thread index).
package msgcodec

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Compress compresses data using zstd.
func Compress(data []byte) []byte {
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	return decoder.DecodeAll(data, nil)
}

// Marshal JSON-encodes v and compresses the result for storage.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgcodec: marshal: %w", err)
	}
	return Compress(data), nil
}

// Unmarshal decompresses data and JSON-decodes it into v.
func Unmarshal(data []byte, v any) error {
	raw, err := Decompress(data)
	if err != nil {
		return fmt.Errorf("msgcodec: decompress: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("msgcodec: unmarshal: %w", err)
	}
	return nil
}
