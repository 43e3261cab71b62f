package codec

import (
	"bytes"
	"strings"
	"testing"
)

type AddArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	original := AddArgs{A: 1, B: 2}
	data, err := jsonCodec.Encode(&original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decoded AddArgs
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	if decoded != original {
		t.Errorf("mismatch: got %+v, want %+v", decoded, original)
	}

	if err := jsonCodec.Decode([]byte(`{"a":1,"c":3}`), &decoded); err == nil {
		t.Errorf("expect unknown field to be rejected")
	}
	if err := jsonCodec.Decode([]byte(`{"a":1} {}`), &decoded); err == nil {
		t.Errorf("expect trailing data to be rejected")
	}
}

func TestZstdCodec(t *testing.T) {
	c := NewZstdCodec()

	payload := strings.Repeat("chunk-", 2000)
	data, err := c.Encode(payload)
	if err != nil {
		t.Fatalf("ZstdCodec Encode failed: %v", err)
	}
	if len(data) >= len(payload) {
		t.Errorf("expect compression, got %d bytes for %d input", len(data), len(payload))
	}

	var decoded string
	if err := c.Decode(data, &decoded); err != nil {
		t.Fatalf("ZstdCodec Decode failed: %v", err)
	}
	if decoded != payload {
		t.Errorf("payload mismatch")
	}

	if err := c.Decode([]byte("not zstd"), &decoded); err == nil {
		t.Errorf("expect garbage input to fail")
	}
}

func TestGetCodec(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeZstd} {
		c, err := GetCodec(ct)
		if err != nil {
			t.Fatalf("GetCodec(%v) failed: %v", ct, err)
		}
		if c.Type() != ct {
			t.Errorf("GetCodec(%v).Type() = %v", ct, c.Type())
		}
	}
	if _, err := GetCodec(7); err == nil {
		t.Errorf("expect unknown codec type to fail")
	}
}

func TestDecodeArgs(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, NewZstdCodec()} {
		one, _ := EncodeArgs(c, 41)
		two, _ := EncodeArgs(c, 1, 2)
		none, _ := EncodeArgs(c)
		mistyped, _ := EncodeArgs(c, "forty-one")

		var n int
		if err := DecodeArgs(c, one, &n); err != nil || n != 41 {
			t.Fatalf("%v: single argument: n=%d err=%v", c.Type(), n, err)
		}
		if err := DecodeArgs(c, none, &n); err == nil {
			t.Errorf("%v: expect zero arguments to fail", c.Type())
		}
		if err := DecodeArgs(c, two, &n); err == nil {
			t.Errorf("%v: expect two arguments to fail", c.Type())
		}
		if err := DecodeArgs(c, mistyped, &n); err == nil {
			t.Errorf("%v: expect mistyped argument to fail", c.Type())
		}
		if err := DecodeArgs(c, none); err != nil {
			t.Errorf("%v: zero-arity decode failed: %v", c.Type(), err)
		}
	}

	var n int
	j := &JSONCodec{}
	if err := DecodeArgs(j, nil); err != nil {
		t.Errorf("empty body must be an empty list: %v", err)
	}
	if err := DecodeArgs(j, []byte(`[1`), &n); err == nil {
		t.Errorf("expect truncated body to fail")
	}
	if err := DecodeArgs(j, []byte(`[1]xx`), &n); err == nil {
		t.Errorf("expect extra bytes to fail")
	}

	var args AddArgs
	if err := DecodeArgs(j, []byte(`[null]`), &n); err == nil {
		t.Errorf("expect null for an int to fail")
	}
	if err := DecodeArgs(j, []byte(`[null]`), &args); err == nil {
		t.Errorf("expect null for a struct to fail")
	}
	var p *AddArgs
	var list []int
	if err := DecodeArgs(j, []byte(`[null, null]`), &p, &list); err != nil || p != nil || list != nil {
		t.Errorf("expect null for pointer and slice parameters, got %v %v %v", p, list, err)
	}

	body, _ := EncodeArgs(j, AddArgs{A: 3, B: 4})
	if err := DecodeArgs(j, body, &args); err != nil || args.A != 3 || args.B != 4 {
		t.Fatalf("struct argument: %+v %v", args, err)
	}
	if !bytes.HasPrefix(body, []byte("[")) {
		t.Errorf("argument list must be a JSON array, got %s", body)
	}
}

// 纯编解码性能，不走网络
func benchmarkCodec(b *testing.B, c Codec) {
	args := AddArgs{A: 1, B: 2}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := EncodeArgs(c, &args)
		var out AddArgs
		DecodeArgs(c, data, &out)
	}
}

func BenchmarkCodecJSON(b *testing.B) { benchmarkCodec(b, &JSONCodec{}) }

func BenchmarkCodecZstd(b *testing.B) { benchmarkCodec(b, NewZstdCodec()) }
