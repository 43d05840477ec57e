package binio

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
	"io"
)

// Bytes converts a supported value into a freshly owned byte slice. The
// supported set is closed:
//
//   - string
//   - []byte (cloned, so the caller's buffer is never aliased)
//   - []uint16, []uint32, []uint64 (little-endian fixed-width encoding)
//   - encoding.BinaryMarshaler
//   - io.Reader (drained to EOF)
//
// Concrete types win over interfaces when a value satisfies both. Anything
// else, including nil, fails with ErrUnsupportedType.
func Bytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return bytes.Clone(x), nil
	case []uint16:
		out := make([]byte, 2*len(x))
		for i, u := range x {
			binary.LittleEndian.PutUint16(out[2*i:], u)
		}

		return out, nil
	case []uint32:
		out := make([]byte, 4*len(x))
		for i, u := range x {
			binary.LittleEndian.PutUint32(out[4*i:], u)
		}

		return out, nil
	case []uint64:
		out := make([]byte, 8*len(x))
		for i, u := range x {
			binary.LittleEndian.PutUint64(out[8*i:], u)
		}

		return out, nil
	case encoding.BinaryMarshaler:
		out, err := x.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshaling %T: %w", v, err)
		}

		return out, nil
	case io.Reader:
		out, err := io.ReadAll(x)
		if err != nil {
			return nil, fmt.Errorf("draining %T: %w", v, err)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}
