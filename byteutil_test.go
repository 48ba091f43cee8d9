package mdt

import (
	"reflect"
	"testing"
)

func TestByteUtil_AppendHelpers(t *testing.T) {
	src := []byte{0xAA, 0xBB, 0xCC}
	buf := appendRaw(nil, src)
	if !reflect.DeepEqual(buf, src) {
		t.Fatalf("appendRaw = %x, wanted %x", buf, src)
	}

	buf = appendRaw(buf[:1], []byte{1})
	if !reflect.DeepEqual(buf, []byte{0xAA, 1}) {
		t.Fatalf("appendRaw over prefix = %x, wanted aa01", buf)
	}

	big := ensureCapacity(make([]byte, 2, 2), 100)
	if len(big) != 2 || cap(big) < 100 {
		t.Fatalf("ensureCapacity: len=%d cap=%d, wanted len=2 cap>=100", len(big), cap(big))
	}
}

func TestBytesBuilder_Write(t *testing.T) {
	var bb bytesBuilder
	_, _ = bb.Write([]byte{1, 2})
	_, _ = bb.Write([]byte{9, 8})
	if !reflect.DeepEqual(bb.Buf, []byte{1, 2, 9, 8}) {
		t.Fatalf("after Write: bb.Buf = %x, wanted 01020908", bb.Buf)
	}
}
