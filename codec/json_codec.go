package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode is strict: unknown struct fields and trailing data are rejected.
func (c *JSONCodec) Decode(data []byte, v any) error {
	return decodeStrict(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after value")
	}
	return nil
}
