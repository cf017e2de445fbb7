package rtps

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	guidPrefixLen = 12
	guidLen       = 16
	Magic         = 0x52545053 // RTPS in ASCII

	// MyVendorID is not assigned by the OMG; peers treat it as unknown.
	MyVendorID VendorID = 0x1234
)

// EntityID is an entity id.
// NB: always encoded big endian, regardless of submessage endian flag
type EntityID uint32

const (
	EntityIDUnknown          EntityID = 0x0
	EntityIDParticipant      EntityID = 0x000001c1
	EntityIDSEDPPubWriter    EntityID = 0x000003c2
	EntityIDSEDPPubReader    EntityID = 0x000003c7
	EntityIDSEDPSubWriter    EntityID = 0x000004c2
	EntityIDSEDPSubReader    EntityID = 0x000004c7
	EntityIDSPDPWriter       EntityID = 0x000100c2
	EntityIDSPDPReader       EntityID = 0x000100c7
	EntityIDP2PMessageWriter EntityID = 0x000200c2
	EntityIDP2PMessageReader EntityID = 0x000200c7

	entityIDSourceMask        = 0xc0
	entityIDSourceBuiltin     = 0xc0
	entityIDKindMask          = 0x3f
	entityIDKindWriterWithKey = 0x02
	entityIDKindWriterNoKey   = 0x03
	entityIDKindReaderNoKey   = 0x04
	entityIDKindReaderWithKey = 0x07
	entityIDAllocStep         = 0x100
)

// VendorID identifies the middleware implementation of a peer.
type VendorID uint16

func vendorName(id VendorID) string {
	switch id {
	case 0x0101:
		return "RTI Connext"
	case 0x0102:
		return "PrismTech OpenSplice"
	case 0x0103:
		return "OCI OpenDDS"
	case 0x0104:
		return "MilSoft"
	case 0x0105:
		return "Gallium InterCOM"
	case 0x0106:
		return "TwinOaks CoreDX"
	case 0x0107:
		return "Lakota Technical Systems"
	case 0x0108:
		return "ICOUP Consulting"
	case 0x0109:
		return "ETRI"
	case 0x010a:
		return "RTI Connext Micro"
	case 0x010b:
		return "PrismTech Vortex Cafe"
	case 0x010c:
		return "PrismTech Vortex Gateway"
	case 0x010d:
		return "PrismTech Vortex Lite"
	case 0x010e:
		return "Technicolor Qeo"
	case 0x010f:
		return "eProsima"
	case 0x0110:
		return "Eclipse Cyclone DDS"
	case 0x0111:
		return "GurumNetworks"
	case 0x0112:
		return "RustDDS"
	case MyVendorID:
		return "free-fleet"
	default:
		return "unknown"
	}
}

func (eid EntityID) isWriter() bool {
	switch eid & entityIDKindMask {
	case entityIDKindWriterWithKey, entityIDKindWriterNoKey:
		return true
	}
	return false
}

func (eid EntityID) isReader() bool {
	switch eid & entityIDKindMask {
	case entityIDKindReaderWithKey, entityIDKindReaderNoKey:
		return true
	}
	return false
}

func (eid EntityID) isBuiltin() bool {
	return (eid & entityIDSourceMask) == entityIDSourceBuiltin
}

func (eid EntityID) bytes() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(eid))
	return b
}

func entityIDFromBytes(b []byte) EntityID {
	return EntityID(binary.BigEndian.Uint32(b))
}

// entityAllocator hands out user entity ids unique within a participant.
type entityAllocator struct {
	next uint32
}

func (a *entityAllocator) create(entityKind uint8) EntityID {
	// For user IDs, "the entityKey field within the EntityId_t
	// can be chosen arbitrarily by the middleware implementation
	// as long as the resulting EntityId_t is unique within the Participant.", sec 9.3.1.2
	return EntityID(atomic.AddUint32(&a.next, entityIDAllocStep) | uint32(entityKind))
}

// GUIDPrefix identifies a participant.
type GUIDPrefix [guidPrefixLen]byte

var unknownGUIDPrefix GUIDPrefix

// newGUIDPrefix returns our vendor id followed by ten random bytes.
func newGUIDPrefix() GUIDPrefix {
	var gp GUIDPrefix
	binary.BigEndian.PutUint16(gp[0:], uint16(MyVendorID))
	u := uuid.New()
	copy(gp[2:], u[:guidPrefixLen-2])
	return gp
}

func guidPrefixFromBytes(b []byte) (GUIDPrefix, error) {
	var gp GUIDPrefix
	if len(b) < guidPrefixLen {
		return gp, io.ErrUnexpectedEOF
	}
	copy(gp[:], b)
	return gp, nil
}

func (gp GUIDPrefix) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x%02x%02x-%02x%02x%02x%02x",
		gp[0], gp[1], gp[2], gp[3], gp[4], gp[5], gp[6], gp[7], gp[8], gp[9], gp[10], gp[11])
}

// GUID identifies an entity globally.
type GUID struct {
	Prefix GUIDPrefix
	Entity EntityID
}

func guidFromBytes(b []byte) (GUID, error) {
	if len(b) < guidLen {
		return GUID{}, io.ErrUnexpectedEOF
	}
	var g GUID
	copy(g.Prefix[:], b)
	g.Entity = entityIDFromBytes(b[guidPrefixLen:])
	return g, nil
}

func (g GUID) Bytes() []byte {
	b := make([]byte, guidLen)
	copy(b, g.Prefix[:])
	binary.BigEndian.PutUint32(b[guidPrefixLen:], uint32(g.Entity))
	return b
}

func (g GUID) Unknown() bool {
	return g.Entity == EntityIDUnknown && bytes.Equal(g.Prefix[:], unknownGUIDPrefix[:])
}

func (g GUID) String() string {
	return fmt.Sprintf("%s:%08x", g.Prefix, uint32(g.Entity))
}
