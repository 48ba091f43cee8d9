package valuelog

import (
	"encoding/binary"
	"fmt"
)

// Location points at one record of a Log. It is produced only by Append.
type Location struct {
	Segment uint32
	Offset  int64
	Length  uint32
}

func (loc Location) String() string {
	return fmt.Sprintf("%d@%d+%d", loc.Segment, loc.Offset, loc.Length)
}

// End returns the offset just past the record data.
func (loc Location) End() int64 {
	return loc.Offset + int64(loc.Length)
}

// Overlaps reports whether two locations share any byte.
func (loc Location) Overlaps(another Location) bool {
	if loc.Segment != another.Segment {
		return false
	}
	return loc.Offset < another.End() && another.Offset < loc.End()
}

const maxEncodedLocationLen = 3 * binary.MaxVarintLen64

// Encode appends the compact binary form of loc to buf.
func (loc Location) Encode(buf []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(loc.Segment))
	buf = binary.AppendUvarint(buf, uint64(loc.Offset))
	buf = binary.AppendUvarint(buf, uint64(loc.Length))
	return buf
}

func (loc Location) Bytes() []byte {
	return loc.Encode(make([]byte, 0, maxEncodedLocationLen))
}

// DecodeLocation is the inverse of Location.Encode. Trailing bytes are an error.
func DecodeLocation(raw []byte) (Location, error) {
	var vals [3]uint64
	buf := raw
	for i := range vals {
		v, n := binary.Uvarint(buf)
		if n <= 0 {
			return Location{}, fmt.Errorf("invalid location %x: %w", raw, ErrCorrupted)
		}
		vals[i] = v
		buf = buf[n:]
	}
	if len(buf) != 0 {
		return Location{}, fmt.Errorf("invalid location %x: %d trailing bytes: %w", raw, len(buf), ErrCorrupted)
	}
	if vals[0] > 0xFFFF_FFFF || vals[1] > 1<<62 || vals[2] > 0xFFFF_FFFF {
		return Location{}, fmt.Errorf("invalid location %x: out of range: %w", raw, ErrCorrupted)
	}
	return Location{
		Segment: uint32(vals[0]),
		Offset:  int64(vals[1]),
		Length:  uint32(vals[2]),
	}, nil
}
