package rtps

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

const (
	headerLen       = 20
	submsgHeaderLen = 4

	flagEndian = 0x01 // applies to all submessages

	flagInfoTSInvalidate = 0x02

	flagDataInlineQoS = 0x02
	flagDataData      = 0x04
	flagDataKey       = 0x08

	flagAckNackFinal = 0x02

	flagHeartbeatFinal      = 0x02
	flagHeartbeatLiveliness = 0x04

	submsgIDPad           = 0x01
	submsgIDAckNack       = 0x06
	submsgIDHeartbeat     = 0x07
	submsgIDGap           = 0x08
	submsgIDInfoTS        = 0x09
	submsgIDInfoSrc       = 0x0c
	submsgIDInfoReplyIP4  = 0x0d
	submsgIDInfoDst       = 0x0e
	submsgIDInfoReply     = 0x0f
	submsgIDNackFrag      = 0x12
	submsgIDHeartbeatFrag = 0x13
	submsgIDData          = 0x15
	submsgIDDataFrag      = 0x16

	schemeCDRBE   = 0x0000
	schemeCDRLE   = 0x0001
	schemePLCDRBE = 0x0002
	schemePLCDRLE = 0x0003

	// scheme and options
	encapsulationLen = 4

	// low bits of the options count the payload's trailing padding
	encapsulationPadMask = 0x03

	MyRTPSVersionMajor = 2
	MyRTPSVersionMinor = 1
)

const (
	pidPad                         = 0x0000
	pidSentinel                    = 0x0001
	pidParticipantLeaseDuration    = 0x0002
	pidTopicName                   = 0x0005
	pidTypeName                    = 0x0007
	pidDomainID                    = 0x000f
	pidProtocolVersion             = 0x0015
	pidVendorID                    = 0x0016
	pidReliability                 = 0x001a
	pidLiveliness                  = 0x001b
	pidDurability                  = 0x001d
	pidPresentation                = 0x0021
	pidPartition                   = 0x0029
	pidUnicastLocator              = 0x002f
	pidMulticastLocator            = 0x0030
	pidDefaultUnicastLocator       = 0x0031
	pidMetatrafficUnicastLocator   = 0x0032
	pidMetatrafficMulticastLocator = 0x0033
	pidHistory                     = 0x0040
	pidDefaultMulticastLocator     = 0x0048
	pidTransportPriority           = 0x0049
	pidParticipantGUID             = 0x0050
	pidBuiltinEndpointSet          = 0x0058
	pidPropertyList                = 0x0059
	pidEndpointGUID                = 0x005a
	pidKeyHash                     = 0x0070
	pidStatusInfo                  = 0x0071

	pidVendorSpecific = 0x8000
)

// PID_STATUS_INFO bits
const (
	statusInfoDisposed     = 0x1
	statusInfoUnregistered = 0x2
)

var errShortSubmsg = errors.New("rtps: submessage too short")

// SeqNum is a 64 bit sequence number, sent as a high int32 and a low uint32.
type SeqNum int64

const (
	SeqNumUnknown SeqNum = -1 << 32
	MaxSeqNum     SeqNum = 0x7fffffffffffffff
)

func seqNumFromBytes(bin binary.ByteOrder, b []byte) SeqNum {
	hi := int32(bin.Uint32(b[0:]))
	lo := bin.Uint32(b[4:])
	return SeqNum(int64(hi)<<32 | int64(lo))
}

func putSeqNum(b []byte, s SeqNum) {
	binary.LittleEndian.PutUint32(b[0:], uint32(int64(s)>>32))
	binary.LittleEndian.PutUint32(b[4:], uint32(s))
}

type ProtoVersion struct {
	major uint8
	minor uint8
}

type Header struct {
	magic      uint32 // RTPS in ASCII
	protoVer   ProtoVersion
	vid        VendorID // vendor ID
	guidPrefix GUIDPrefix
}

func newHeader(gp GUIDPrefix) *Header {
	return &Header{
		magic:      Magic,
		protoVer:   ProtoVersion{MyRTPSVersionMajor, MyRTPSVersionMinor},
		vid:        MyVendorID,
		guidPrefix: gp,
	}
}

func (h *Header) writeTo(buf *bytes.Buffer) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:], h.magic)
	b[4], b[5] = h.protoVer.major, h.protoVer.minor
	binary.BigEndian.PutUint16(b[6:], uint16(h.vid))
	buf.Write(b)
	buf.Write(h.guidPrefix[:])
}

func newHeaderFromBytes(b []byte) (*Header, error) {
	if len(b) < headerLen {
		return nil, io.EOF
	}

	hdr := &Header{
		magic:    binary.BigEndian.Uint32(b[0:]),
		protoVer: ProtoVersion{major: b[4], minor: b[5]},
		vid:      VendorID(binary.BigEndian.Uint16(b[6:])),
	}
	copy(hdr.guidPrefix[:], b[8:headerLen])
	return hdr, nil
}

// SeqNumSet is a bitmap of sequence numbers starting at bitmapBase.
// Bit i, counted from the most significant bit of the first word, stands
// for bitmapBase+i.
type SeqNumSet struct {
	bitmapBase SeqNum   // first sequence number in the set
	numBits    uint32   // total bit count
	bitmap     []uint32 // as many uint32s required by numBits
}

const maxSeqNumSetBits = 256

func newSeqNumSet(base SeqNum, numBits uint32) SeqNumSet {
	if numBits > maxSeqNumSetBits {
		numBits = maxSeqNumSetBits
	}
	sns := SeqNumSet{bitmapBase: base, numBits: numBits}
	sns.bitmap = make([]uint32, sns.BitMapWords())
	return sns
}

func (sns *SeqNumSet) Valid() bool {
	if sns.bitmapBase <= 0 {
		return false
	}
	if sns.numBits > maxSeqNumSetBits {
		return false
	}
	return true
}

func (sns *SeqNumSet) BitMapWords() int {
	return int((sns.numBits + 31) / 32)
}

// set marks s; it reports false if s is outside the set's range.
func (sns *SeqNumSet) set(s SeqNum) bool {
	i := s - sns.bitmapBase
	if i < 0 || i >= SeqNum(sns.numBits) {
		return false
	}
	sns.bitmap[i/32] |= 1 << (31 - uint(i%32))
	return true
}

func (sns *SeqNumSet) contains(s SeqNum) bool {
	i := s - sns.bitmapBase
	if i < 0 || i >= SeqNum(sns.numBits) || int(i/32) >= len(sns.bitmap) {
		return false
	}
	return sns.bitmap[i/32]&(1<<(31-uint(i%32))) != 0
}

// Last is the highest sequence number the set covers.
func (sns *SeqNumSet) Last() SeqNum {
	return sns.bitmapBase + SeqNum(sns.numBits) - 1
}

func (sns *SeqNumSet) members() []SeqNum {
	var out []SeqNum
	for s := sns.bitmapBase; s <= sns.Last(); s++ {
		if sns.contains(s) {
			out = append(out, s)
		}
	}
	return out
}

func (sns *SeqNumSet) encodedLen() int {
	return 12 + 4*sns.BitMapWords()
}

func (sns *SeqNumSet) put(b []byte) {
	putSeqNum(b[0:], sns.bitmapBase)
	binary.LittleEndian.PutUint32(b[8:], sns.numBits)
	for i, n := range sns.bitmap {
		binary.LittleEndian.PutUint32(b[12+i*4:], n)
	}
}

func seqNumSetFromBytes(bin binary.ByteOrder, b []byte) (SeqNumSet, int, error) {
	if len(b) < 12 {
		return SeqNumSet{}, 0, errShortSubmsg
	}
	sns := SeqNumSet{
		bitmapBase: seqNumFromBytes(bin, b[0:]),
		numBits:    bin.Uint32(b[8:]),
	}
	if !sns.Valid() {
		return SeqNumSet{}, 0, errors.Errorf("rtps: invalid sequence number set (base %d, %d bits)", sns.bitmapBase, sns.numBits)
	}
	n := sns.encodedLen()
	if len(b) < n {
		return SeqNumSet{}, 0, errShortSubmsg
	}
	sns.bitmap = make([]uint32, sns.BitMapWords())
	for i := range sns.bitmap {
		sns.bitmap[i] = bin.Uint32(b[12+i*4:])
	}
	return sns, n, nil
}

type submsgHeader struct {
	id    uint8
	flags uint8
	sz    uint16
}

func (s *submsgHeader) writeTo(buf *bytes.Buffer) {
	b := make([]byte, submsgHeaderLen)
	b[0], b[1] = s.id, s.flags
	binary.LittleEndian.PutUint16(b[2:], s.sz)
	buf.Write(b)
}

func writeSubmsg(buf *bytes.Buffer, id, flags uint8, body []byte) {
	hdr := submsgHeader{id: id, flags: flags | flagEndian, sz: uint16(len(body))}
	hdr.writeTo(buf)
	buf.Write(body)
}

type subMsg struct {
	hdr  submsgHeader
	bin  binary.ByteOrder // relevant for packing/unpacking
	data []uint8
}

// newSubMsgFromBytes parses the submessage at the start of b and returns
// the number of bytes it occupies.
func newSubMsgFromBytes(b []byte) (*subMsg, int, error) {
	if len(b) < submsgHeaderLen {
		return nil, 0, io.EOF
	}
	sm := &subMsg{
		hdr: submsgHeader{
			id:    b[0],
			flags: b[1],
		},
	}
	if sm.hdr.flags&flagEndian != 0 {
		sm.bin = binary.LittleEndian
	} else {
		sm.bin = binary.BigEndian
	}
	sm.hdr.sz = sm.bin.Uint16(b[2:])

	rest := b[submsgHeaderLen:]
	if sm.hdr.sz == 0 && sm.hdr.id != submsgIDPad && sm.hdr.id != submsgIDInfoTS {
		// the last submessage may extend to the end of the message
		sm.data = rest
		return sm, len(b), nil
	}

	// make sure we can trust sm.hdr.sz
	if len(rest) < int(sm.hdr.sz) {
		return nil, 0, io.EOF
	}

	sm.data = rest[:sm.hdr.sz]
	return sm, submsgHeaderLen + int(sm.hdr.sz), nil
}

func writeInfoTS(buf *bytes.Buffer, t time.Time) {
	writeSubmsg(buf, submsgIDInfoTS, 0, timeToBytes(t, binary.LittleEndian))
}

func writeInfoDst(buf *bytes.Buffer, gp GUIDPrefix) {
	writeSubmsg(buf, submsgIDInfoDst, 0, gp[:])
}

type submsgData struct {
	readerID     EntityID
	writerID     EntityID
	writerSeqNum SeqNum
	inlineQoS    []paramListItem
	keyOnly      bool
	payload      []uint8 // serialized payload, encapsulation header included
}

func (s *submsgData) writeTo(buf *bytes.Buffer) {
	var body bytes.Buffer
	b := make([]byte, 20)
	// extraflags are zero
	binary.LittleEndian.PutUint16(b[2:], 16) // octetsToInlineQos
	binary.BigEndian.PutUint32(b[4:], uint32(s.readerID))
	binary.BigEndian.PutUint32(b[8:], uint32(s.writerID))
	putSeqNum(b[12:], s.writerSeqNum)
	body.Write(b)

	var flags uint8
	if len(s.inlineQoS) > 0 {
		flags |= flagDataInlineQoS
		for i := range s.inlineQoS {
			s.inlineQoS[i].writeTo(&body)
		}
		sentinel := paramListItem{pid: pidSentinel}
		sentinel.writeTo(&body)
	}
	if s.payload != nil {
		if s.keyOnly {
			flags |= flagDataKey
		} else {
			flags |= flagDataData
		}
		body.Write(padPayload(s.payload))
	}
	writeSubmsg(buf, submsgIDData, flags, body.Bytes())
}

// padPayload pads an encapsulated payload to a multiple of 4 bytes and
// records the padding in the two low bits of the encapsulation options.
func padPayload(b []byte) []byte {
	pad := (4 - len(b)%4) % 4
	if pad == 0 || len(b) < encapsulationLen {
		return b
	}
	out := make([]byte, len(b)+pad)
	copy(out, b)
	out[3] = out[3]&^encapsulationPadMask | byte(pad)
	return out
}

// unpadPayload strips the padding recorded in the encapsulation options.
func unpadPayload(b []byte) []byte {
	if len(b) < encapsulationLen {
		return b
	}
	pad := int(b[3] & encapsulationPadMask)
	if pad == 0 || len(b)-pad < encapsulationLen {
		return b
	}
	out := append([]byte(nil), b[:len(b)-pad]...)
	out[3] &^= encapsulationPadMask
	return out
}

func newDataFromSubMsg(sm *subMsg) (*submsgData, error) {
	if len(sm.data) < 20 {
		return nil, errShortSubmsg
	}
	octetsToInlineQoS := int(sm.bin.Uint16(sm.data[2:]))
	smd := &submsgData{
		readerID:     entityIDFromBytes(sm.data[4:]),
		writerID:     entityIDFromBytes(sm.data[8:]),
		writerSeqNum: seqNumFromBytes(sm.bin, sm.data[12:]),
		keyOnly:      sm.hdr.flags&flagDataKey != 0,
	}

	pos := 4 + octetsToInlineQoS
	if pos > len(sm.data) {
		return nil, errShortSubmsg
	}
	b := sm.data[pos:]

	// inline QoS parameters
	if sm.hdr.flags&flagDataInlineQoS != 0 {
		plist, n, err := newParamList(sm.bin, b)
		if err != nil {
			return nil, errors.Wrap(err, "inline qos")
		}
		smd.inlineQoS = plist
		b = b[n:]
	}
	if sm.hdr.flags&(flagDataData|flagDataKey) != 0 {
		smd.payload = unpadPayload(b)
	}
	return smd, nil
}

// statusInfo returns the PID_STATUS_INFO flags carried inline, if any.
func (s *submsgData) statusInfo() uint32 {
	for _, p := range s.inlineQoS {
		if p.pid == pidStatusInfo && len(p.value) >= 4 {
			// always big endian, it is an octet array
			return binary.BigEndian.Uint32(p.value)
		}
	}
	return 0
}

func (s *submsgData) keyHash() (GUID, bool) {
	for _, p := range s.inlineQoS {
		if p.pid == pidKeyHash {
			if g, err := guidFromBytes(p.value); err == nil {
				return g, true
			}
		}
	}
	return GUID{}, false
}

type submsgHeartbeat struct {
	final       bool
	readerEID   EntityID
	writerEID   EntityID
	firstSeqNum SeqNum
	lastSeqNum  SeqNum
	count       uint32
}

func (s *submsgHeartbeat) writeTo(buf *bytes.Buffer) {
	b := make([]byte, 28)
	binary.BigEndian.PutUint32(b[0:], uint32(s.readerEID))
	binary.BigEndian.PutUint32(b[4:], uint32(s.writerEID))
	putSeqNum(b[8:], s.firstSeqNum)
	putSeqNum(b[16:], s.lastSeqNum)
	binary.LittleEndian.PutUint32(b[24:], s.count)
	var flags uint8
	if s.final {
		flags |= flagHeartbeatFinal
	}
	writeSubmsg(buf, submsgIDHeartbeat, flags, b)
}

func newHeartbeatFromSubMsg(sm *subMsg) (*submsgHeartbeat, error) {
	if len(sm.data) < 28 {
		return nil, errShortSubmsg
	}
	return &submsgHeartbeat{
		final:       sm.hdr.flags&flagHeartbeatFinal != 0,
		readerEID:   entityIDFromBytes(sm.data[0:]),
		writerEID:   entityIDFromBytes(sm.data[4:]),
		firstSeqNum: seqNumFromBytes(sm.bin, sm.data[8:]),
		lastSeqNum:  seqNumFromBytes(sm.bin, sm.data[16:]),
		count:       sm.bin.Uint32(sm.data[24:]),
	}, nil
}

type submsgGap struct {
	readerID EntityID
	writerID EntityID
	gapStart SeqNum
	gapList  SeqNumSet
}

func (s *submsgGap) writeTo(buf *bytes.Buffer) {
	b := make([]byte, 16+s.gapList.encodedLen())
	binary.BigEndian.PutUint32(b[0:], uint32(s.readerID))
	binary.BigEndian.PutUint32(b[4:], uint32(s.writerID))
	putSeqNum(b[8:], s.gapStart)
	s.gapList.put(b[16:])
	writeSubmsg(buf, submsgIDGap, 0, b)
}

func newGapFromSubMsg(sm *subMsg) (*submsgGap, error) {
	if len(sm.data) < 16 {
		return nil, errShortSubmsg
	}
	set, _, err := seqNumSetFromBytes(sm.bin, sm.data[16:])
	if err != nil {
		return nil, err
	}
	return &submsgGap{
		readerID: entityIDFromBytes(sm.data[0:]),
		writerID: entityIDFromBytes(sm.data[4:]),
		gapStart: seqNumFromBytes(sm.bin, sm.data[8:]),
		gapList:  set,
	}, nil
}

type submsgAckNack struct {
	final         bool
	readerEID     EntityID
	writerEID     EntityID
	readerSNState SeqNumSet
	count         uint32
}

func (s *submsgAckNack) writeTo(buf *bytes.Buffer) {
	sz := 8 + s.readerSNState.encodedLen() + 4
	b := make([]byte, sz)
	binary.BigEndian.PutUint32(b[0:], uint32(s.readerEID))
	binary.BigEndian.PutUint32(b[4:], uint32(s.writerEID))
	s.readerSNState.put(b[8:])
	binary.LittleEndian.PutUint32(b[sz-4:], s.count)
	var flags uint8
	if s.final {
		flags |= flagAckNackFinal
	}
	writeSubmsg(buf, submsgIDAckNack, flags, b)
}

func newAckNackFromSubMsg(sm *subMsg) (*submsgAckNack, error) {
	if len(sm.data) < 8 {
		return nil, errShortSubmsg
	}
	set, n, err := seqNumSetFromBytes(sm.bin, sm.data[8:])
	if err != nil {
		return nil, err
	}
	if len(sm.data) < 8+n+4 {
		return nil, errShortSubmsg
	}
	return &submsgAckNack{
		final:         sm.hdr.flags&flagAckNackFinal != 0,
		readerEID:     entityIDFromBytes(sm.data[0:]),
		writerEID:     entityIDFromBytes(sm.data[4:]),
		readerSNState: set,
		count:         sm.bin.Uint32(sm.data[8+n:]),
	}, nil
}

type submsgInfoSrc struct {
	version    ProtoVersion
	vid        VendorID
	guidPrefix GUIDPrefix
}

func newInfoSrcFromSubMsg(sm *subMsg) (*submsgInfoSrc, error) {
	if len(sm.data) < 8+guidPrefixLen {
		return nil, errShortSubmsg
	}
	is := &submsgInfoSrc{
		// first four bytes unused
		version: ProtoVersion{sm.data[4], sm.data[5]},
		vid:     VendorID(binary.BigEndian.Uint16(sm.data[6:])),
	}
	copy(is.guidPrefix[:], sm.data[8:])
	return is, nil
}

type paramID uint16

type paramListItem struct {
	pid   paramID
	value []uint8 // must be 32-bit aligned
}

func (p *paramListItem) writeTo(buf *bytes.Buffer) {
	var hdr [4]byte
	padded := (len(p.value) + 3) &^ 0x3
	binary.LittleEndian.PutUint16(hdr[:], uint16(p.pid))
	binary.LittleEndian.PutUint16(hdr[2:], uint16(padded))
	buf.Write(hdr[:])
	buf.Write(p.value)
	for i := len(p.value); i < padded; i++ {
		buf.WriteByte(0)
	}
}

func newParamListItemFromBytes(bin binary.ByteOrder, b []byte) (*paramListItem, error) {
	if len(b) < 4 {
		return nil, io.EOF
	}
	sz := int(bin.Uint16(b[2:]))
	if len(b) < sz+4 {
		return nil, io.EOF
	}

	return &paramListItem{
		pid:   paramID(bin.Uint16(b[0:])),
		value: b[4 : 4+sz],
	}, nil
}

func (p *paramListItem) valToString(bin binary.ByteOrder) (string, error) {
	if len(p.value) < 4 {
		return "", io.EOF
	}
	sz := int(bin.Uint32(p.value[0:]))
	if sz < 1 || len(p.value) < 4+sz {
		return "", io.EOF
	}
	return string(p.value[4 : 4+sz-1]), nil // drop the NUL
}

func packParamString(bin binary.ByteOrder, s string) []byte {
	b := make([]byte, (4+len(s)+1+3)&^0x3) // must be 32-bit aligned
	bin.PutUint32(b[0:], uint32(len(s)+1))
	copy(b[4:], s)
	return b
}

func packParamUint32(bin binary.ByteOrder, v uint32) []byte {
	b := make([]byte, 4)
	bin.PutUint32(b, v)
	return b
}

// newParamList parses parameters up to and including the sentinel and
// returns the number of bytes consumed.
func newParamList(bin binary.ByteOrder, b []byte) ([]paramListItem, int, error) {
	var plist []paramListItem
	n := 0

	for len(b) >= 4 {
		p, err := newParamListItemFromBytes(bin, b)
		if err != nil {
			return nil, 0, err
		}
		b = b[4+len(p.value):]
		n += 4 + len(p.value)
		if p.pid == pidSentinel {
			return plist, n, nil
		}
		if p.pid == pidPad {
			continue
		}
		plist = append(plist, *p)
	}
	return nil, 0, errors.New("rtps: parameter list without sentinel")
}

type encapsulationScheme struct {
	scheme  uint16
	options uint16
}

func (es *encapsulationScheme) writeTo(buf *bytes.Buffer) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b, es.scheme)
	binary.BigEndian.PutUint16(b[2:], es.options)
	buf.Write(b)
}

func newSchemeFromBytes(b []byte) (encapsulationScheme, error) {
	if len(b) < 4 {
		return encapsulationScheme{}, io.EOF
	}
	return encapsulationScheme{
		scheme:  binary.BigEndian.Uint16(b[0:]),
		options: binary.BigEndian.Uint16(b[2:]),
	}, nil
}

// parameterPayload splits a PL_CDR payload into its parameter list.
func parameterPayload(b []byte) ([]paramListItem, binary.ByteOrder, error) {
	es, err := newSchemeFromBytes(b)
	if err != nil {
		return nil, nil, err
	}
	var bin binary.ByteOrder
	switch es.scheme {
	case schemePLCDRLE:
		bin = binary.LittleEndian
	case schemePLCDRBE:
		bin = binary.BigEndian
	default:
		return nil, nil, errors.Errorf("rtps: expected a parameter list payload, got scheme 0x%04x", es.scheme)
	}
	plist, _, err := newParamList(bin, b[4:])
	return plist, bin, err
}
