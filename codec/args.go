package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// EncodeArgs encodes a positional argument list. Zero arguments encode as an
// empty list.
func EncodeArgs(c Codec, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return c.Encode(args)
}

// DecodeArgs decodes a positional argument list into ptrs, one pointer per
// parameter. It fails if the number of encoded arguments differs from
// len(ptrs), if any element has the wrong type or is null for a parameter
// that cannot be nil, or if bytes are left over.
// An empty body is accepted as an empty list.
func DecodeArgs(c Codec, data []byte, ptrs ...any) error {
	var raws []json.RawMessage
	if len(data) > 0 {
		if err := c.Decode(data, &raws); err != nil {
			return fmt.Errorf("malformed argument list: %w", err)
		}
	}
	if len(raws) != len(ptrs) {
		return fmt.Errorf("expect %d arguments, got %d", len(ptrs), len(raws))
	}
	for i, raw := range raws {
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) && !nullable(ptrs[i]) {
			return fmt.Errorf("argument %d: null for non-nullable %T", i, ptrs[i])
		}
		if err := decodeStrict(raw, ptrs[i]); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}

// nullable reports whether the value ptr points to can be nil.
func nullable(ptr any) bool {
	t := reflect.TypeOf(ptr)
	if t == nil || t.Kind() != reflect.Pointer {
		return true
	}
	switch t.Elem().Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
		return true
	}
	return false
}
