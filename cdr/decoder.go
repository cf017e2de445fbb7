package cdr

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

var errShort = io.ErrUnexpectedEOF

// Decoder reads CDR primitives from a payload in either byte order.
type Decoder struct {
	order binary.ByteOrder
	buf   []byte
	off   int
}

func NewDecoder(order binary.ByteOrder, b []byte) *Decoder {
	return &Decoder{order: order, buf: b}
}

// Remaining reports the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) align(n int) {
	if r := d.off % n; r != 0 {
		d.off += n - r
	}
}

func (d *Decoder) next(n int) ([]byte, error) {
	if d.off+n > len(d.buf) {
		return nil, errors.Wrapf(errShort, "need %d bytes at offset %d, have %d", n, d.off, len(d.buf))
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) ReadBool() (bool, error) {
	v, err := d.ReadUint8()
	return v != 0, err
}

func (d *Decoder) ReadUint8() (uint8, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) ReadInt16() (int16, error) {
	v, err := d.ReadUint16()
	return int16(v), err
}

func (d *Decoder) ReadUint16() (uint16, error) {
	d.align(2)
	b, err := d.next(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *Decoder) ReadInt32() (int32, error) {
	v, err := d.ReadUint32()
	return int32(v), err
}

func (d *Decoder) ReadUint32() (uint32, error) {
	d.align(4)
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *Decoder) ReadInt64() (int64, error) {
	v, err := d.ReadUint64()
	return int64(v), err
}

func (d *Decoder) ReadUint64() (uint64, error) {
	d.align(8)
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

func (d *Decoder) ReadFloat32() (float32, error) {
	v, err := d.ReadUint32()
	return math.Float32frombits(v), err
}

func (d *Decoder) ReadFloat64() (float64, error) {
	v, err := d.ReadUint64()
	return math.Float64frombits(v), err
}

func (d *Decoder) ReadString() (string, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return "", errors.Wrap(err, "string length")
	}
	if n == 0 {
		// some writers encode the empty string without its NUL
		return "", nil
	}
	if uint64(n) > uint64(d.Remaining()) {
		return "", errors.Wrapf(errShort, "string of %d bytes, have %d", n, d.Remaining())
	}
	b, err := d.next(int(n))
	if err != nil {
		return "", errors.Wrap(err, "string body")
	}
	if b[n-1] != 0 {
		return "", errors.New("cdr: string is not NUL terminated")
	}
	return string(b[:n-1]), nil
}
