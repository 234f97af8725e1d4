// Package encoding provides centralized serialization for the dispatch feed.
// All msgpack operations on feed records go through this package so the
// feed log and the msgpack feed format decode identically.
//
// Thread Safety: all functions are safe for concurrent use.
//
// Type Preservation: when decoding into interface{}, msgpack strings decode as
// Go strings (not []byte), so event payloads round-trip into the same shapes
// encoding/json produces for them.
package encoding

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// compressThreshold is the encoded size above which values are zstd compressed.
const compressThreshold = 512

// Frame markers prefixed to compressed-or-plain values.
const (
	framePlain byte = 0x00
	frameZstd  byte = 0x01
)

var (
	encoderOnce sync.Once
	zEncoder    *zstd.Encoder
	zDecoder    *zstd.Decoder
	zInitErr    error
)

func initZstd() {
	zEncoder, zInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if zInitErr != nil {
		return
	}
	zDecoder, zInitErr = zstd.NewReader(nil)
}

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// MarshalFramed encodes v to msgpack and zstd-compresses the result when it
// exceeds compressThreshold. The first byte records which framing was used.
func MarshalFramed(v interface{}) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	if len(raw) < compressThreshold {
		return append([]byte{framePlain}, raw...), nil
	}

	encoderOnce.Do(initZstd)
	if zInitErr != nil {
		return nil, fmt.Errorf("failed to init zstd: %w", zInitErr)
	}

	out := make([]byte, 1, len(raw)/2+1)
	out[0] = frameZstd
	return zEncoder.EncodeAll(raw, out), nil
}

// UnmarshalFramed reverses MarshalFramed.
func UnmarshalFramed(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty frame")
	}

	switch data[0] {
	case framePlain:
		return Unmarshal(data[1:], v)
	case frameZstd:
		encoderOnce.Do(initZstd)
		if zInitErr != nil {
			return fmt.Errorf("failed to init zstd: %w", zInitErr)
		}
		raw, err := zDecoder.DecodeAll(data[1:], nil)
		if err != nil {
			return fmt.Errorf("failed to decompress frame: %w", err)
		}
		return Unmarshal(raw, v)
	default:
		return fmt.Errorf("unknown frame marker 0x%02x", data[0])
	}
}
