package codec

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"
)

// maxDecodedSize caps decompressed bodies so a small hostile frame cannot
// expand into an unbounded allocation.
const maxDecodedSize = 64 << 20

// ZstdCodec is JSON compressed with zstd. Useful for large, repetitive
// argument lists; the framing and arity rules are identical to JSONCodec.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec builds a codec whose encoder and decoder are safe for
// concurrent use (EncodeAll/DecodeAll only).
func NewZstdCodec() *ZstdCodec {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("codec: zstd encoder: " + err.Error())
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("codec: zstd decoder: " + err.Error())
	}
	return &ZstdCodec{enc: enc, dec: dec}
}

func (c *ZstdCodec) Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *ZstdCodec) Decode(data []byte, v any) error {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return err
	}
	return decodeStrict(raw, v)
}

func (c *ZstdCodec) Type() CodecType {
	return CodecTypeZstd
}
