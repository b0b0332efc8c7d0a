package rpc

import (
	"encoding/binary"
	"math"
)

// Frame tags: the leading integer of the wire tuple (4 elements for a
// request or response, 3 for a notification).
const (
	TagRequest      = 0
	TagResponse     = 1
	TagNotification = 2
)

// Request builds a [TagRequest, id, methodID, args] tuple.
func Request(id int64, methodID int64, args []Value) []Value {
	return []Value{Int(TagRequest), Int(id), Int(methodID), Array(args)}
}

// Response builds a [TagResponse, id, err, result] tuple. errVal is Nil()
// on success.
func Response(id int64, errVal Value, result Value) []Value {
	return []Value{Int(TagResponse), Int(id), errVal, result}
}

// Notification builds a [TagNotification, eventName, args] tuple.
func Notification(event string, args []Value) []Value {
	return []Value{Int(TagNotification), String(event), Array(args)}
}

// Length-prefix scheme for strings, arrays, and maps: a single length
// byte covers 0..253; 0xFE introduces a 2-byte extended length, 0xFF an
// 8-byte one. Grounded on the same escape-byte idea as a general-purpose
// stream framer's variable-width header (1/3/9-byte forms keyed off the
// first byte) adapted to this format's fixed small tuple shape rather
// than an arbitrary-payload packet stream.
const (
	lenExt16 = 0xFE
	lenExt64 = 0xFF
	lenMax8  = 0xFE - 1
)

func putLen(dst []byte, n int) []byte {
	switch {
	case n <= lenMax8:
		return append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, lenExt16)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		return append(dst, b[:]...)
	default:
		dst = append(dst, lenExt64)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		return append(dst, b[:]...)
	}
}

// getLen reads a length prefix from buf, returning the decoded length, the
// number of header bytes consumed, and whether buf held enough bytes to
// decode the header at all.
func getLen(buf []byte) (n int, consumed int, ok bool) {
	if len(buf) < 1 {
		return 0, 0, false
	}
	switch buf[0] {
	case lenExt16:
		if len(buf) < 3 {
			return 0, 0, false
		}
		return int(binary.BigEndian.Uint16(buf[1:3])), 3, true
	case lenExt64:
		if len(buf) < 9 {
			return 0, 0, false
		}
		return int(binary.BigEndian.Uint64(buf[1:9])), 9, true
	default:
		return int(buf[0]), 1, true
	}
}

func encodeValue(dst []byte, v Value) []byte {
	switch v.kind {
	case kindNil:
		return append(dst, byte(kindNil))
	case kindBool:
		if b, _ := v.Bool(); b {
			return append(dst, byte(kindBool), 1)
		}
		return append(dst, byte(kindBool), 0)
	case kindInt:
		dst = append(dst, byte(kindInt))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.i))
		return append(dst, b[:]...)
	case kindFloat:
		dst = append(dst, byte(kindFloat))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.f))
		return append(dst, b[:]...)
	case kindString:
		dst = append(dst, byte(kindString))
		dst = putLen(dst, len(v.s))
		return append(dst, v.s...)
	case kindArray:
		dst = append(dst, byte(kindArray))
		dst = putLen(dst, len(v.arr))
		for _, e := range v.arr {
			dst = encodeValue(dst, e)
		}
		return dst
	case kindMap:
		dst = append(dst, byte(kindMap))
		dst = putLen(dst, len(v.m))
		for k, e := range v.m {
			dst = putLen(dst, len(k))
			dst = append(dst, k...)
			dst = encodeValue(dst, e)
		}
		return dst
	default:
		return append(dst, byte(kindNil))
	}
}

// decodeValue decodes one Value from the front of buf, returning the
// number of bytes consumed. ok is false when buf does not yet hold a
// complete value (the caller must wait for more bytes, never an error by
// itself).
func decodeValue(buf []byte) (v Value, n int, ok bool) {
	if len(buf) < 1 {
		return Value{}, 0, false
	}
	switch valueKind(buf[0]) {
	case kindNil:
		return Nil(), 1, true
	case kindBool:
		if len(buf) < 2 {
			return Value{}, 0, false
		}
		return Bool(buf[1] != 0), 2, true
	case kindInt:
		if len(buf) < 9 {
			return Value{}, 0, false
		}
		return Int(int64(binary.BigEndian.Uint64(buf[1:9]))), 9, true
	case kindFloat:
		if len(buf) < 9 {
			return Value{}, 0, false
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(buf[1:9]))), 9, true
	case kindString:
		strLen, hdr, ok := getLen(buf[1:])
		if !ok || len(buf) < 1+hdr+strLen {
			return Value{}, 0, false
		}
		off := 1 + hdr
		return String(string(buf[off : off+strLen])), off + strLen, true
	case kindArray:
		count, hdr, ok := getLen(buf[1:])
		if !ok {
			return Value{}, 0, false
		}
		off := 1 + hdr
		arr := make([]Value, 0, count)
		for i := 0; i < count; i++ {
			e, n, ok := decodeValue(buf[off:])
			if !ok {
				return Value{}, 0, false
			}
			arr = append(arr, e)
			off += n
		}
		return Array(arr), off, true
	case kindMap:
		count, hdr, ok := getLen(buf[1:])
		if !ok {
			return Value{}, 0, false
		}
		off := 1 + hdr
		m := make(map[string]Value, count)
		for i := 0; i < count; i++ {
			keyLen, khdr, ok := getLen(buf[off:])
			if !ok || len(buf) < off+khdr+keyLen {
				return Value{}, 0, false
			}
			key := string(buf[off+khdr : off+khdr+keyLen])
			off += khdr + keyLen
			e, n, ok := decodeValue(buf[off:])
			if !ok {
				return Value{}, 0, false
			}
			m[key] = e
			off += n
		}
		return Map(m), off, true
	default:
		return Value{}, 0, false
	}
}

// EncodeFrame renders tuple (a Request/Response/Notification tuple) as
// a length-prefixed frame ready to hand to a WritableStream.
func EncodeFrame(tuple []Value) []byte {
	body := encodeValue(nil, Array(tuple))
	out := putLen(nil, len(body))
	return append(out, body...)
}

// DecodeFrame attempts to decode one length-prefixed frame from the front
// of buf. ok is false when buf does not yet hold a complete frame; the
// caller should wait for more bytes and retry, not treat it as an error.
func DecodeFrame(buf []byte) (tuple []Value, consumed int, ok bool) {
	bodyLen, hdr, ok := getLen(buf)
	if !ok || len(buf) < hdr+bodyLen {
		return nil, 0, false
	}
	v, n, ok := decodeValue(buf[hdr : hdr+bodyLen])
	if !ok || n != bodyLen {
		return nil, 0, false
	}
	arr, isArr := v.Array()
	if !isArr {
		return nil, 0, false
	}
	return arr, hdr + bodyLen, true
}
