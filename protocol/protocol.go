// Package protocol implements the binary frame layout exchanged between coro-rpc
// clients and servers.
//
// A frame is a fixed-size header followed by the codec-encoded body and an
// opaque attachment. The header carries both lengths, so the receiver knows the
// full frame size before the payload arrives and can pre-size its buffer (and
// refuse oversized frames before allocating anything).
//
// Request frame (20-byte header):
//
//	0    2  3  4                   12        16        20
//	┌────┬──┬──┬───────────────────┬─────────┬─────────┬──────┬────────────┐
//	│magic│v │ct│    function id    │ bodyLen │ attLen  │ body │ attachment │
//	│ cr │01│  │      uint64       │ uint32  │ uint32  │      │            │
//	└────┴──┴──┴───────────────────┴─────────┴─────────┴──────┴────────────┘
//
// Response frame (14-byte header):
//
//	0    2  3  4     6         10        14
//	┌────┬──┬──┬─────┬─────────┬─────────┬──────┬────────────┐
//	│magic│v │ct│ err │ bodyLen │ attLen  │ body │ attachment │
//	└────┴──┴──┴─────┴─────────┴─────────┴──────┴────────────┘
//
// A response with a non-zero error code carries the error message as its body.
// All integers are big-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"coro-rpc/rpcerr"
)

const (
	MagicByte1 byte = 0x63 // 'c'
	MagicByte2 byte = 0x72 // 'r'
	Version    byte = 0x01

	RequestHeaderSize  = 20 // 2 (magic) + 1 (version) + 1 (codec) + 8 (function id) + 4 (bodyLen) + 4 (attLen)
	ResponseHeaderSize = 14 // 2 (magic) + 1 (version) + 1 (codec) + 2 (err code) + 4 (bodyLen) + 4 (attLen)

	// DefaultMaxMessageSize bounds body+attachment when no limit is configured.
	DefaultMaxMessageSize uint32 = 64 << 20
)

// ErrNeedMoreBytes is returned by the buffer decoders when the buffer does not
// yet hold a complete header (or frame). The caller should read more and retry.
var ErrNeedMoreBytes = errors.New("protocol: need more bytes")

// RequestHeader is the fixed header of a request frame.
type RequestHeader struct {
	Version       byte
	CodecType     byte
	FunctionID    uint64
	BodyLen       uint32
	AttachmentLen uint32
}

// ResponseHeader is the fixed header of a response frame.
type ResponseHeader struct {
	Version       byte
	CodecType     byte
	ErrCode       uint16
	BodyLen       uint32
	AttachmentLen uint32
}

// PayloadLen is the number of bytes following the header.
func (h *RequestHeader) PayloadLen() int { return int(h.BodyLen) + int(h.AttachmentLen) }

// PayloadLen is the number of bytes following the header.
func (h *ResponseHeader) PayloadLen() int { return int(h.BodyLen) + int(h.AttachmentLen) }

func checkLens(body, attachment []byte) error {
	if uint64(len(body)) > math.MaxUint32 {
		return rpcerr.Errorf(rpcerr.MessageTooLarge, "body larger than 4G: %d bytes", len(body))
	}
	if uint64(len(attachment)) > math.MaxUint32 {
		return rpcerr.Errorf(rpcerr.MessageTooLarge, "attachment larger than 4G: %d bytes", len(attachment))
	}
	return nil
}

// AppendRequest appends a complete request frame to dst.
func AppendRequest(dst []byte, codecType byte, functionID uint64, body, attachment []byte) ([]byte, error) {
	if err := checkLens(body, attachment); err != nil {
		return dst, err
	}
	dst = append(dst, MagicByte1, MagicByte2, Version, codecType)
	dst = binary.BigEndian.AppendUint64(dst, functionID)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(attachment)))
	dst = append(dst, body...)
	return append(dst, attachment...), nil
}

// AppendResponse appends a complete response frame to dst.
func AppendResponse(dst []byte, codecType byte, errCode uint16, body, attachment []byte) ([]byte, error) {
	if err := checkLens(body, attachment); err != nil {
		return dst, err
	}
	dst = append(dst, MagicByte1, MagicByte2, Version, codecType)
	dst = binary.BigEndian.AppendUint16(dst, errCode)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(attachment)))
	dst = append(dst, body...)
	return append(dst, attachment...), nil
}

// EncodeRequest builds a request frame in a freshly sized buffer.
func EncodeRequest(codecType byte, functionID uint64, body, attachment []byte) ([]byte, error) {
	return AppendRequest(make([]byte, 0, RequestHeaderSize+len(body)+len(attachment)), codecType, functionID, body, attachment)
}

// EncodeResponse builds a response frame in a freshly sized buffer.
func EncodeResponse(codecType byte, errCode uint16, body, attachment []byte) ([]byte, error) {
	return AppendResponse(make([]byte, 0, ResponseHeaderSize+len(body)+len(attachment)), codecType, errCode, body, attachment)
}

// WriteRequest writes one request frame with a single Write call, so frames
// from different writers sharing w cannot interleave below the caller's lock.
func WriteRequest(w io.Writer, codecType byte, functionID uint64, body, attachment []byte) error {
	frame, err := EncodeRequest(codecType, functionID, body, attachment)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// WriteResponse writes one response frame with a single Write call.
func WriteResponse(w io.Writer, codecType byte, errCode uint16, body, attachment []byte) error {
	frame, err := EncodeResponse(codecType, errCode, body, attachment)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func checkPreamble(buf []byte) error {
	if buf[0] != MagicByte1 || buf[1] != MagicByte2 {
		return rpcerr.Errorf(rpcerr.InvalidFrame, "invalid magic number: %x", buf[0:2])
	}
	if buf[2] != Version {
		return rpcerr.Errorf(rpcerr.InvalidFrame, "unsupported version: %d", buf[2])
	}
	return nil
}

func checkSize(bodyLen, attLen, maxSize uint32) error {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	if uint64(bodyLen)+uint64(attLen) > uint64(maxSize) {
		return rpcerr.Errorf(rpcerr.MessageTooLarge, "frame payload %d bytes exceeds limit %d",
			uint64(bodyLen)+uint64(attLen), maxSize)
	}
	return nil
}

// DecodeRequestHeader parses a request header from the front of buf.
// It returns ErrNeedMoreBytes if buf is shorter than RequestHeaderSize, an
// InvalidFrame error for a bad magic or version, and a MessageTooLarge error
// if the declared payload exceeds maxSize (0 selects DefaultMaxMessageSize).
func DecodeRequestHeader(buf []byte, maxSize uint32) (*RequestHeader, error) {
	if len(buf) < RequestHeaderSize {
		return nil, ErrNeedMoreBytes
	}
	if err := checkPreamble(buf); err != nil {
		return nil, err
	}
	h := &RequestHeader{
		Version:       buf[2],
		CodecType:     buf[3],
		FunctionID:    binary.BigEndian.Uint64(buf[4:12]),
		BodyLen:       binary.BigEndian.Uint32(buf[12:16]),
		AttachmentLen: binary.BigEndian.Uint32(buf[16:20]),
	}
	if err := checkSize(h.BodyLen, h.AttachmentLen, maxSize); err != nil {
		return nil, err
	}
	return h, nil
}

// DecodeResponseHeader parses a response header from the front of buf, with
// the same failure modes as DecodeRequestHeader.
func DecodeResponseHeader(buf []byte, maxSize uint32) (*ResponseHeader, error) {
	if len(buf) < ResponseHeaderSize {
		return nil, ErrNeedMoreBytes
	}
	if err := checkPreamble(buf); err != nil {
		return nil, err
	}
	h := &ResponseHeader{
		Version:       buf[2],
		CodecType:     buf[3],
		ErrCode:       binary.BigEndian.Uint16(buf[4:6]),
		BodyLen:       binary.BigEndian.Uint32(buf[6:10]),
		AttachmentLen: binary.BigEndian.Uint32(buf[10:14]),
	}
	if err := checkSize(h.BodyLen, h.AttachmentLen, maxSize); err != nil {
		return nil, err
	}
	return h, nil
}

// DecodeRequest parses a complete request frame held in buf. The returned
// body and attachment alias buf; n is the number of bytes consumed.
func DecodeRequest(buf []byte, maxSize uint32) (h *RequestHeader, body, attachment []byte, n int, err error) {
	h, err = DecodeRequestHeader(buf, maxSize)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	n = RequestHeaderSize + h.PayloadLen()
	if len(buf) < n {
		return nil, nil, nil, 0, ErrNeedMoreBytes
	}
	body, attachment = split(buf[RequestHeaderSize:n], h.BodyLen)
	return h, body, attachment, n, nil
}

// DecodeResponse parses a complete response frame held in buf.
func DecodeResponse(buf []byte, maxSize uint32) (h *ResponseHeader, body, attachment []byte, n int, err error) {
	h, err = DecodeResponseHeader(buf, maxSize)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	n = ResponseHeaderSize + h.PayloadLen()
	if len(buf) < n {
		return nil, nil, nil, 0, ErrNeedMoreBytes
	}
	body, attachment = split(buf[ResponseHeaderSize:n], h.BodyLen)
	return h, body, attachment, n, nil
}

func split(payload []byte, bodyLen uint32) ([]byte, []byte) {
	return payload[:bodyLen:bodyLen], payload[bodyLen:]
}

// ReadRequest reads exactly one request frame from r. The payload buffer is
// sized from the header before any payload byte is read.
func ReadRequest(r io.Reader, maxSize uint32) (*RequestHeader, []byte, []byte, error) {
	var hb [RequestHeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, nil, nil, err
	}
	h, err := DecodeRequestHeader(hb[:], maxSize)
	if err != nil {
		return nil, nil, nil, err
	}
	payload := make([]byte, h.PayloadLen())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, nil, err
	}
	body, attachment := split(payload, h.BodyLen)
	return h, body, attachment, nil
}

// ReadResponse reads exactly one response frame from r.
func ReadResponse(r io.Reader, maxSize uint32) (*ResponseHeader, []byte, []byte, error) {
	var hb [ResponseHeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, nil, nil, err
	}
	h, err := DecodeResponseHeader(hb[:], maxSize)
	if err != nil {
		return nil, nil, nil, err
	}
	payload := make([]byte, h.PayloadLen())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, nil, err
	}
	body, attachment := split(payload, h.BodyLen)
	return h, body, attachment, nil
}
