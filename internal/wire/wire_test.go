package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func mustDecodeEntity(t *testing.T, b []byte) []byte {
	t.Helper()
	p, err := DecodeEntity(b)
	if err != nil {
		t.Fatalf("DecodeEntity error: %v", err)
	}
	return p
}

func TestEntityRTEmptyAndNonEmpty(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("hello"),
		{0, 1, 2, 3, 4},
	}
	for _, payload := range cases {
		enc := EncodeEntity(payload)
		p := mustDecodeEntity(t, enc)
		if !bytes.Equal(p, payload) {
			t.Fatalf("payload mismatch: got %x want %x", p, payload)
		}
	}
}

func TestEntityRejectsTrailingBytes(t *testing.T) {
	enc := EncodeEntity([]byte("x"))
	enc = append(enc, 0xDE, 0xAD) // add junk
	if _, err := DecodeEntity(enc); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on trailing bytes, got %v", err)
	}
}

func TestEntityCorruptHeadersAndLengths(t *testing.T) {
	enc := EncodeEntity([]byte("abc"))

	// bad magic
	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, err := DecodeEntity(badMagic); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on bad magic, got %v", err)
	}

	// wrong version
	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, err := DecodeEntity(badVer); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on bad version, got %v", err)
	}

	// wrong kind
	badKind := append([]byte(nil), enc...)
	badKind[5] = kindEntity + 1
	if _, err := DecodeEntity(badKind); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on bad kind, got %v", err)
	}

	// vlen announcing more than available
	tooLong := append([]byte(nil), enc...)
	binary.BigEndian.PutUint32(tooLong[6:10], uint32(len("abc")+1))
	if _, err := DecodeEntity(tooLong); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on vlen beyond buffer, got %v", err)
	}

	// truncated buffer
	trunc := enc[:len(enc)-1]
	if _, err := DecodeEntity(trunc); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on truncated buffer, got %v", err)
	}

	// arbitrary junk
	if _, err := DecodeEntity([]byte("not-wire-format")); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on junk, got %v", err)
	}
}

func TestEntityZeroCopyPayload(t *testing.T) {
	enc := EncodeEntity([]byte("Z"))
	p := mustDecodeEntity(t, enc)
	if len(p) != 1 || &p[0] != &enc[len(enc)-1] {
		t.Fatalf("payload should alias the input buffer")
	}
}
