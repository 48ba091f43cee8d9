package tablestore

import (
	"fmt"

	"github.com/golang/snappy"
)

func encodeCell(c Compression, value []byte) []byte {
	switch c {
	case SnappyCompression:
		return snappy.Encode(nil, value)
	default:
		return value
	}
}

func decodeCell(c Compression, raw []byte) ([]byte, error) {
	switch c {
	case SnappyCompression:
		v, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("tablestore: snappy decompress failed: %w", err)
		}
		return v, nil
	default:
		return raw, nil
	}
}
