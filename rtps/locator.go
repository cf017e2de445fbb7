package rtps

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	LocatorKindInvalid  = -1
	LocatorKindReserved = 0
	LocatorKindUDPv4    = 1
	LocatorKindUDPv6    = 2
	locatorLen          = 24
)

// Locator is a transport address an endpoint can be reached on.
type Locator struct {
	Kind int32
	Port uint32
	Addr net.IP
}

func NewUDPv4Locator(ip net.IP, port uint16) Locator {
	return Locator{
		Kind: LocatorKindUDPv4,
		Port: uint32(port),
		Addr: ip,
	}
}

func locatorFromBytes(bin binary.ByteOrder, b []byte) (Locator, error) {
	if len(b) < locatorLen {
		return Locator{}, io.EOF
	}
	loc := Locator{
		Kind: int32(bin.Uint32(b[0:])),
		Port: bin.Uint32(b[4:]),
	}
	if loc.Kind == LocatorKindUDPv4 {
		loc.Addr = net.IPv4(b[20], b[21], b[22], b[23])
	} else {
		loc.Addr = append(net.IP(nil), b[8:24]...)
	}
	return loc, nil
}

// Bytes encodes the locator little endian. IPv4 addresses occupy the last
// four of the sixteen address bytes.
func (loc Locator) Bytes() []byte {
	buf := make([]byte, locatorLen)
	binary.LittleEndian.PutUint32(buf, uint32(loc.Kind))
	binary.LittleEndian.PutUint32(buf[4:], loc.Port)
	if ip4 := loc.Addr.To4(); ip4 != nil && loc.Kind == LocatorKindUDPv4 {
		copy(buf[20:], ip4)
	} else if ip16 := loc.Addr.To16(); ip16 != nil {
		copy(buf[8:], ip16)
	}
	return buf
}

// usable reports whether we can send to the locator.
func (loc Locator) usable() bool {
	return loc.Kind == LocatorKindUDPv4 && loc.Port != 0 && loc.Port <= 0xffff &&
		loc.Addr != nil && !loc.Addr.IsUnspecified()
}

func (loc Locator) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: loc.Addr, Port: int(loc.Port)}
}

func (loc Locator) String() string {
	return fmt.Sprintf("udpv4/%s:%d", loc.Addr, loc.Port)
}

func (loc Locator) equal(other Locator) bool {
	return loc.Kind == other.Kind && loc.Port == other.Port && loc.Addr.Equal(other.Addr)
}
