// Package cdr implements the OMG Common Data Representation (XCDR1) used to
// serialize DDS samples on the wire.
//
// Alignment is relative to the start of the serialized payload, which
// follows the four byte encapsulation header.
package cdr

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Encapsulation identifiers. Always encoded big endian.
const (
	EncapsulationCDRBE   uint16 = 0x0000
	EncapsulationCDRLE   uint16 = 0x0001
	EncapsulationPLCDRBE uint16 = 0x0002
	EncapsulationPLCDRLE uint16 = 0x0003

	// HeaderLen is the size of the encapsulation header.
	HeaderLen = 4
)

// ErrUnsupportedEncapsulation is returned by Unmarshal for payloads that are
// not plain CDR.
var ErrUnsupportedEncapsulation = errors.New("cdr: unsupported encapsulation")

// Marshaler is implemented by types that can write themselves as CDR.
type Marshaler interface {
	MarshalCDR(e *Encoder) error
}

// Unmarshaler is implemented by types that can read themselves from CDR.
type Unmarshaler interface {
	UnmarshalCDR(d *Decoder) error
}

// Marshal serializes v as little endian CDR, prefixed with the CDR_LE
// encapsulation header.
func Marshal(v Marshaler) ([]byte, error) {
	e := NewEncoder()
	if err := v.MarshalCDR(e); err != nil {
		return nil, err
	}
	b := make([]byte, HeaderLen, HeaderLen+e.Len())
	binary.BigEndian.PutUint16(b[0:], EncapsulationCDRLE)
	return append(b, e.Bytes()...), nil
}

// Unmarshal reads an encapsulated CDR payload into v.
func Unmarshal(b []byte, v Unmarshaler) error {
	if len(b) < HeaderLen {
		return errors.Wrap(errShort, "encapsulation header")
	}
	var order binary.ByteOrder
	switch scheme := binary.BigEndian.Uint16(b[0:]); scheme {
	case EncapsulationCDRLE:
		order = binary.LittleEndian
	case EncapsulationCDRBE:
		order = binary.BigEndian
	default:
		return errors.Wrapf(ErrUnsupportedEncapsulation, "scheme 0x%04x", scheme)
	}
	return v.UnmarshalCDR(NewDecoder(order, b[HeaderLen:]))
}
