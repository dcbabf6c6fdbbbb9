package bencode

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Marshal returns the canonical bencoded form of v.
func Marshal(v *Value) ([]byte, error) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)

	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes bencoded values to an io.Writer.
//
// The zero value of Encoder is not usable; construct with NewEncoder.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the bencoded representation of v to the underlying writer.
//
// Dictionary keys are written in the order the Dict stores them, NOT
// re-sorted. This is deliberate: the info-hash depends on the exact byte
// layout of the source `info` dictionary, and some real-world torrents emit
// keys out of lexicographic order. Re-sorting here would silently change
// the hash for those torrents.
func (e *Encoder) Encode(v *Value) error {
	if v == nil {
		return fmt.Errorf("bencode: cannot encode nil value")
	}

	switch v.Kind {
	case KindBytes:
		return e.encodeBytes(v.Bytes)
	case KindInt:
		return e.encodeInt64(v.Int)
	case KindList:
		return e.encodeList(v.List)
	case KindDict:
		return e.encodeDict(v.Dict)
	default:
		return fmt.Errorf("bencode: unknown value kind %v", v.Kind)
	}
}

// encodeInt64 writes an integer as: 'i' <base10 digits> 'e'.
func (e *Encoder) encodeInt64(n int64) error {
	if _, err := e.w.Write([]byte{TokenInteger.Byte()}); err != nil {
		return err
	}

	var buf [32]byte
	b := strconv.AppendInt(buf[:0], n, 10)
	if _, err := e.w.Write(b); err != nil {
		return err
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}

// encodeBytes writes a byte string as: <len> ':' <bytes>.
func (e *Encoder) encodeBytes(s []byte) error {
	var buf [32]byte
	b := strconv.AppendInt(buf[:0], int64(len(s)), 10)
	if _, err := e.w.Write(b); err != nil {
		return err
	}

	if _, err := e.w.Write([]byte{TokenStringSeparator.Byte()}); err != nil {
		return err
	}

	_, err := e.w.Write(s)
	return err
}

// encodeList writes a list: 'l' <elements> 'e'.
func (e *Encoder) encodeList(xs []*Value) error {
	if _, err := e.w.Write([]byte{TokenList.Byte()}); err != nil {
		return err
	}

	for _, v := range xs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}

// encodeDict writes a dictionary: 'd' (<key><value>)* 'e', in stored order.
func (e *Encoder) encodeDict(d *Dict) error {
	if _, err := e.w.Write([]byte{TokenDict.Byte()}); err != nil {
		return err
	}

	if d != nil {
		for _, ent := range d.entries {
			if err := e.encodeBytes([]byte(ent.Key)); err != nil {
				return err
			}
			if err := e.Encode(ent.Value); err != nil {
				return err
			}
		}
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}
