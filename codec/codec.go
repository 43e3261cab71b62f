// Package codec turns call arguments and results into body bytes and back.
//
// The codec tag travels in every frame header, so a server answers with the
// codec the client chose. Every codec here is JSON-shaped: argument lists are
// encoded as a JSON array with one element per parameter, which is what lets
// DecodeArgs detect wrong arity, mistyped values and trailing garbage.
package codec

import (
	"fmt"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeZstd CodecType = 1 // zstd-compressed JSON
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=zstd JSON
}

var (
	jsonCodec = &JSONCodec{}
	zstdCodec = NewZstdCodec()
)

// GetCodec returns the codec registered for codecType.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return jsonCodec, nil
	case CodecTypeZstd:
		return zstdCodec, nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", codecType)
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeZstd:
		return "zstd"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}
