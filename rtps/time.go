package rtps

import (
	"encoding/binary"
	"io"
	"math"
	"time"
)

// RTPS 2.1 section 9.3.2:
// The representation of the time is the one defined by the IETF Network Time Protocol (NTP) Standard (IETF RFC 1305).
// In this representation, time is expressed in seconds and fraction of seconds using the formula:
//    time = seconds + (fraction / 2^(32))
// The time origin is represented by the reserved value TIME_ZERO and corresponds to the Unix prime epoch 0h, 1 January 1970.
//
// Duration_t uses the same seconds + fraction layout.

const (
	nanosPerSec = 1e9

	// DurationInfinite is the encoding of an unbounded duration.
	DurationInfinite = time.Duration(math.MaxInt64)
)

var timeInvalid = time.Unix(-1, 0xffffffff)

func fractionFromNanos(ns int64) uint32 {
	// round up so that converting back truncates to the same nanosecond
	return uint32((nanosPerSec - 1 + (ns << 32)) / nanosPerSec)
}

func nanosFromFraction(frac uint32) int64 {
	return (int64(frac) * nanosPerSec) >> 32
}

func timeFromBytes(order binary.ByteOrder, b []byte) (time.Time, error) {
	if len(b) < 8 {
		return timeInvalid, io.EOF
	}

	sec := int64(order.Uint32(b[0:]))
	frac := order.Uint32(b[4:])
	return time.Unix(sec, nanosFromFraction(frac)).UTC(), nil
}

func timeToBytes(t time.Time, order binary.ByteOrder) []byte {
	b := make([]byte, 8)
	order.PutUint32(b[0:], uint32(t.Unix()))
	order.PutUint32(b[4:], fractionFromNanos(int64(t.Nanosecond())))
	return b
}

func durationToBytes(d time.Duration, order binary.ByteOrder) []byte {
	buf := make([]byte, 8)
	sec := d / time.Second
	if d < 0 || sec >= math.MaxInt32 {
		order.PutUint32(buf, math.MaxInt32)
		order.PutUint32(buf[4:], math.MaxUint32)
		return buf
	}
	order.PutUint32(buf, uint32(sec))
	order.PutUint32(buf[4:], fractionFromNanos(int64(d%time.Second)))
	return buf
}

func durationFromBytes(order binary.ByteOrder, b []byte) (time.Duration, error) {
	if len(b) < 8 {
		return 0, io.EOF
	}

	sec := int32(order.Uint32(b[0:]))
	frac := order.Uint32(b[4:])
	if sec == math.MaxInt32 || sec < 0 {
		return DurationInfinite, nil
	}
	return time.Duration(sec)*time.Second + time.Duration(nanosFromFraction(frac)), nil
}
