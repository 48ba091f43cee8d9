package valuelog

import (
	"errors"
	"testing"
	"time"
)

func TestParseName(t *testing.T) {
	seq, ts, id, err := parseSegmentName("123-20230101T000000.000042-6f1c2c1e-8a40-4a43-9d52-3b1d2b0f0e11")
	if err != nil {
		t.Fatal(err)
	}
	if e := uint32(123); seq != e {
		t.Errorf("seq = %v, expected %v", seq, e)
	}
	if e := time.Date(2023, 1, 1, 0, 0, 0, 42000, time.UTC); !ts.Equal(e) {
		t.Errorf("ts = %v, expected %v", ts, e)
	}
	if e := "6f1c2c1e-8a40-4a43-9d52-3b1d2b0f0e11"; id != e {
		t.Errorf("id = %q, expected %q", id, e)
	}

	for _, bad := range []string{"", "x-20230101T000000.000000-w", "1-bad-w", "1-20230101T000000.000000-", "1"} {
		if _, _, _, err := parseSegmentName(bad); err == nil {
			t.Errorf("parseSegmentName(%q) succeeded, expected error", bad)
		}
	}
}

func TestFormatName(t *testing.T) {
	name := formatSegmentName(123, time.Date(2023, 1, 1, 0, 0, 0, 42000, time.UTC), "w7")
	exp := "000000000123-20230101T000000.000042-w7"
	if name != exp {
		t.Errorf("name = %q, expected %q", name, exp)
	}
}

func TestSegmentHeader(t *testing.T) {
	var buf [segmentHeaderSize]byte
	fillSegmentHeader(buf[:], 7, 1672531200, 0xAABB)

	var h segmentHeader
	if err := readSegmentHeader(buf[:], &h); err != nil {
		t.Fatal(err)
	}
	if h.SegmentOrdinal != 7 || h.Timestamp != 1672531200 || h.WriterHash != 0xAABB {
		t.Errorf("header = %+v", h)
	}

	buf[20] ^= 1
	if err := readSegmentHeader(buf[:], &h); !errors.Is(err, ErrCorrupted) {
		t.Errorf("readSegmentHeader of damaged header = %v, expected ErrCorrupted", err)
	}
	if err := readSegmentHeader(buf[:10], &h); !errors.Is(err, ErrCorrupted) {
		t.Errorf("readSegmentHeader of short header = %v, expected ErrCorrupted", err)
	}
}

func TestLocationEncoding(t *testing.T) {
	tests := []Location{
		{},
		{Segment: 1, Offset: 129, Length: 5},
		{Segment: 0xFFFF_FFFF, Offset: 1 << 40, Length: 0xFFFF_FFFF},
	}
	for _, loc := range tests {
		raw := loc.Bytes()
		got, err := DecodeLocation(raw)
		if err != nil {
			t.Errorf("DecodeLocation(%x) failed: %v", raw, err)
		} else if got != loc {
			t.Errorf("DecodeLocation(%x) = %v, expected %v", raw, got, loc)
		}
	}

	for _, raw := range [][]byte{nil, {1}, {1, 2}, {1, 2, 3, 4}, {0xFF, 0xFF}} {
		if _, err := DecodeLocation(raw); !errors.Is(err, ErrCorrupted) {
			t.Errorf("DecodeLocation(%x) = %v, expected ErrCorrupted", raw, err)
		}
	}
}

func TestLocationOverlaps(t *testing.T) {
	a := Location{Segment: 1, Offset: 10, Length: 5}
	tests := []struct {
		b        Location
		expected bool
	}{
		{Location{Segment: 1, Offset: 15, Length: 5}, false},
		{Location{Segment: 1, Offset: 14, Length: 5}, true},
		{Location{Segment: 1, Offset: 5, Length: 5}, false},
		{Location{Segment: 1, Offset: 5, Length: 6}, true},
		{Location{Segment: 2, Offset: 10, Length: 5}, false},
	}
	for _, tt := range tests {
		if got := a.Overlaps(tt.b); got != tt.expected {
			t.Errorf("%v.Overlaps(%v) = %v, expected %v", a, tt.b, got, tt.expected)
		}
	}
}
