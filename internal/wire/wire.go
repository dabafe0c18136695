package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	version   byte = 1
	kindValue byte = 1

	headerLen = 4 + 1 + 1 + 2
	maxKeyLen = 0xFFFF
)

var (
	ErrCorrupt = errors.New("loadcache: corrupt entry")
	magic4     = [...]byte{'L', 'D', 'C', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Frame is one stored record value together with the cache version it was fetched at.
type Frame struct {
	Key     string
	Version uint64
	Payload []byte
}

// Value frame:
//
//	magic(4) | ver(1) | kind(1=value) | keyLen(u16 be) | key(keyLen) |
//	version(u64 be) | vlen(u32 be) | payload(vlen)
func Encode(f Frame) ([]byte, error) {
	if l := len(f.Key); l == 0 || l > maxKeyLen {
		return nil, fmt.Errorf("loadcache: invalid key length %d", l)
	}

	var buf bytes.Buffer
	buf.Grow(headerLen + len(f.Key) + 8 + 4 + len(f.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindValue)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint16(u2[:], uint16(len(f.Key)))
	buf.Write(u2[:])
	buf.WriteString(f.Key)

	binary.BigEndian.PutUint64(u8[:], f.Version)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(f.Payload)))
	buf.Write(u4[:])
	buf.Write(f.Payload)

	return buf.Bytes(), nil
}

// Decode parses a value frame. The returned payload aliases b.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version || b[5] != kindValue {
		return Frame{}, ErrCorrupt
	}
	off := 6

	klen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if klen == 0 || klen > len(b)-off {
		return Frame{}, ErrCorrupt
	}
	key := string(b[off : off+klen])
	off += klen

	if off+8+4 > len(b) {
		return Frame{}, ErrCorrupt
	}
	ver := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact: no trailing bytes
		return Frame{}, ErrCorrupt
	}

	return Frame{Key: key, Version: ver, Payload: b[off : off+vlen]}, nil
}
