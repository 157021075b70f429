// internal/cache/compress.go
package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// codec compresses values at or above a size threshold. The zstd encoder
// and decoder are safe for concurrent EncodeAll/DecodeAll.
type codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func newCodec(threshold int) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// encode returns the stored form of value and whether it is compressed.
// Compression is only kept when it actually saves space.
func (c *codec) encode(value []byte) ([]byte, bool) {
	if c.threshold <= 0 || len(value) < c.threshold {
		return append([]byte(nil), value...), false
	}
	out := c.enc.EncodeAll(value, make([]byte, 0, len(value)/2))
	if len(out) >= len(value) {
		return append([]byte(nil), value...), false
	}
	return out, true
}

func (c *codec) decode(stored []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return append([]byte(nil), stored...), nil
	}
	out, err := c.dec.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress cache value: %w", err)
	}
	return out, nil
}

// wire format for the shared tier: one flag byte followed by the payload.
func (c *codec) marshalWire(stored []byte, compressed bool) []byte {
	out := make([]byte, 0, len(stored)+1)
	if compressed {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return append(out, stored...)
}

func (c *codec) unmarshalWire(wire []byte) ([]byte, bool, error) {
	if len(wire) == 0 {
		return nil, false, fmt.Errorf("empty tier value")
	}
	switch wire[0] {
	case 0:
		return wire[1:], false, nil
	case 1:
		return wire[1:], true, nil
	default:
		return nil, false, fmt.Errorf("unknown tier value flag %d", wire[0])
	}
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}
