package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version    byte = 1
	kindEntity byte = 1
)

var (
	ErrCorrupt = errors.New("rangecache: corrupt overflow entry")
	magic4     = [...]byte{'R', 'G', 'C', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entity entry: magic(4) | ver(1) | kind(1=entity) | vlen(u32 be) | payload(vlen)
func EncodeEntity(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntity)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// DecodeEntity validates the framing strictly: bad magic, unknown version,
// wrong kind, truncation, and trailing bytes all fail with ErrCorrupt. The
// returned payload aliases b.
func DecodeEntity(b []byte) ([]byte, error) {
	const hdr = 4 + 1 + 1 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindEntity {
		return nil, ErrCorrupt
	}

	off := 6
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen > len(b)-off {
		return nil, ErrCorrupt
	}
	if off+vlen != len(b) {
		return nil, ErrCorrupt
	}

	return b[off : off+vlen], nil
}
