package rtps

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// spdp: Simple Participant Discovery Protocol
//
// "The purpose of a PDP is to discover the presence of other Participants on the network and their properties.
// A Participant may support multiple PDPs, but for the purpose of interoperability,
// all implementations must support at least the Simple Participant Discovery Protocol."

// participantProxy is what we know about a remote participant.
type participantProxy struct {
	guidPrefix       GUIDPrefix
	protoVer         ProtoVersion
	vid              VendorID
	domainID         uint32
	hasDomainID      bool
	expectsInlineQoS bool
	defaultUnicast   []Locator
	defaultMulticast []Locator
	metaUnicast      []Locator
	metaMulticast    []Locator
	leaseDuration    time.Duration
	builtinEndpoints builtinEndpointSet
	lastSeen         time.Time

	// state of the remote SEDP writers, by their entity id
	inbound map[EntityID]*builtinReaderState
	// highest sequence number of our SEDP writers the remote acknowledged
	acked map[EntityID]SeqNum
}

type builtinReaderState struct {
	received     seqTracker
	ackNackCount uint32
}

func (pp *participantProxy) inboundState(writerEID EntityID) *builtinReaderState {
	st, ok := pp.inbound[writerEID]
	if !ok {
		st = &builtinReaderState{received: newSeqTracker(true)}
		pp.inbound[writerEID] = st
	}
	return st
}

// metaLocators returns the unicast metatraffic locators, falling back to
// the multicast ones.
func (pp *participantProxy) metaLocators() []Locator {
	if len(pp.metaUnicast) > 0 {
		return pp.metaUnicast
	}
	return pp.metaMulticast
}

type spdp struct {
	p   *Participant
	seq SeqNum
}

// participantData is the PL_CDR_LE payload describing our participant.
func (s *spdp) participantData() []byte {
	p := s.p
	locs := p.tr.locators()
	var buf bytes.Buffer

	scheme := encapsulationScheme{scheme: schemePLCDRLE}
	scheme.writeTo(&buf)

	vid := make([]byte, 2)
	binary.BigEndian.PutUint16(vid, uint16(MyVendorID))

	params := []paramListItem{
		{pid: pidProtocolVersion, value: []byte{MyRTPSVersionMajor, MyRTPSVersionMinor}},
		{pid: pidVendorID, value: vid},
		{pid: pidParticipantGUID, value: GUID{Prefix: p.guidPrefix, Entity: EntityIDParticipant}.Bytes()},
		{pid: pidDomainID, value: packParamUint32(binary.LittleEndian, p.domainID)},
		{pid: pidDefaultUnicastLocator, value: locs.defaultUnicast.Bytes()},
		{pid: pidDefaultMulticastLocator, value: locs.defaultMulticast.Bytes()},
		{pid: pidMetatrafficUnicastLocator, value: locs.metaUnicast.Bytes()},
		{pid: pidMetatrafficMulticastLocator, value: locs.metaMulticast.Bytes()},
		{pid: pidParticipantLeaseDuration, value: durationToBytes(p.cfg.LeaseDuration, binary.LittleEndian)},
		{pid: pidBuiltinEndpointSet, value: packParamUint32(binary.LittleEndian, uint32(ourBuiltinEndpoints))},
		{pid: pidSentinel},
	}
	for i := range params {
		params[i].writeTo(&buf)
	}
	return buf.Bytes()
}

func (s *spdp) keyHash() paramListItem {
	return paramListItem{pid: pidKeyHash, value: GUID{Prefix: s.p.guidPrefix, Entity: EntityIDParticipant}.Bytes()}
}

// announce sends our participant data to locs, or to the metatraffic
// multicast locator when locs is empty.
func (s *spdp) announce(locs ...Locator) {
	if len(locs) == 0 {
		locs = []Locator{s.p.tr.locators().metaMulticast}
	}
	s.seq++
	data := &submsgData{
		readerID:     EntityIDSPDPReader,
		writerID:     EntityIDSPDPWriter,
		writerSeqNum: s.seq,
		inlineQoS:    []paramListItem{s.keyHash()},
		payload:      s.participantData(),
	}
	msg := s.p.newMessage(unknownGUIDPrefix)
	msg.add(data.writeTo)
	msg.send(locs)
}

// dispose tells every participant that we are leaving.
func (s *spdp) dispose() {
	s.seq++
	var key bytes.Buffer
	scheme := encapsulationScheme{scheme: schemePLCDRLE}
	scheme.writeTo(&key)
	for _, p := range []paramListItem{
		{pid: pidParticipantGUID, value: GUID{Prefix: s.p.guidPrefix, Entity: EntityIDParticipant}.Bytes()},
		{pid: pidSentinel},
	} {
		p.writeTo(&key)
	}

	data := &submsgData{
		readerID:     EntityIDSPDPReader,
		writerID:     EntityIDSPDPWriter,
		writerSeqNum: s.seq,
		inlineQoS: []paramListItem{
			s.keyHash(),
			{pid: pidStatusInfo, value: statusInfoBytes(statusInfoDisposed | statusInfoUnregistered)},
		},
		keyOnly: true,
		payload: key.Bytes(),
	}
	locs := []Locator{s.p.tr.locators().metaMulticast}
	for _, pp := range s.p.remotes {
		locs = append(locs, pp.metaLocators()...)
	}
	msg := s.p.newMessage(unknownGUIDPrefix)
	msg.add(data.writeTo)
	msg.send(locs)
}

func statusInfoBytes(flags uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, flags)
	return b
}

// rxData handles DATA from a remote SPDP writer.
func (s *spdp) rxData(r *receiver, d *submsgData) {
	p := s.p

	if d.statusInfo()&(statusInfoDisposed|statusInfoUnregistered) != 0 {
		gp := r.srcGUIDPrefix
		if key, ok := d.keyHash(); ok {
			gp = key.Prefix
		}
		p.removeParticipant(gp, "disposed")
		return
	}
	if d.payload == nil || d.keyOnly {
		return
	}

	plist, bin, err := parameterPayload(d.payload)
	if err != nil {
		p.logger.Debug("Bad SPDP payload", zap.Stringer("remote", r.srcGUIDPrefix), zap.Error(err))
		return
	}
	pp, err := parseParticipantData(plist, bin)
	if err != nil {
		p.logger.Debug("Bad SPDP data", zap.Stringer("remote", r.srcGUIDPrefix), zap.Error(err))
		return
	}
	if pp.guidPrefix == p.guidPrefix {
		return
	}
	if pp.hasDomainID && pp.domainID != p.domainID {
		return
	}

	now := p.clock.Now()
	if existing, ok := p.remotes[pp.guidPrefix]; ok {
		existing.update(pp)
		existing.lastSeen = now
		return
	}

	pp.lastSeen = now
	pp.inbound = make(map[EntityID]*builtinReaderState)
	pp.acked = make(map[EntityID]SeqNum)
	p.remotes[pp.guidPrefix] = pp
	p.metrics.participants.Set(float64(len(p.remotes)))
	p.logger.Info("Discovered participant",
		zap.Stringer("remote", pp.guidPrefix),
		zap.String("vendor", vendorName(pp.vid)),
		zap.Duration("lease", pp.leaseDuration))

	// answer directly so the peer need not wait for our next announcement
	s.announce(pp.metaLocators()...)
	p.sedp.participantDiscovered(pp)
}

func (pp *participantProxy) update(from *participantProxy) {
	pp.protoVer = from.protoVer
	pp.vid = from.vid
	pp.defaultUnicast = from.defaultUnicast
	pp.defaultMulticast = from.defaultMulticast
	pp.metaUnicast = from.metaUnicast
	pp.metaMulticast = from.metaMulticast
	pp.leaseDuration = from.leaseDuration
	pp.builtinEndpoints = from.builtinEndpoints
}

func parseParticipantData(plist []paramListItem, bin binary.ByteOrder) (*participantProxy, error) {
	pp := &participantProxy{leaseDuration: DefaultLeaseDuration}
	haveGUID := false

	for _, p := range plist {
		if p.pid&pidVendorSpecific != 0 {
			continue
		}

		switch p.pid {
		case pidProtocolVersion:
			if len(p.value) >= 2 {
				pp.protoVer = ProtoVersion{p.value[0], p.value[1]}
			}

		case pidVendorID:
			if len(p.value) >= 2 {
				pp.vid = VendorID(binary.BigEndian.Uint16(p.value))
			}

		case pidDomainID:
			if len(p.value) >= 4 {
				pp.domainID = bin.Uint32(p.value)
				pp.hasDomainID = true
			}

		case pidDefaultUnicastLocator:
			pp.defaultUnicast = appendLocator(pp.defaultUnicast, bin, p.value)

		case pidDefaultMulticastLocator:
			pp.defaultMulticast = appendLocator(pp.defaultMulticast, bin, p.value)

		case pidMetatrafficUnicastLocator:
			pp.metaUnicast = appendLocator(pp.metaUnicast, bin, p.value)

		case pidMetatrafficMulticastLocator:
			pp.metaMulticast = appendLocator(pp.metaMulticast, bin, p.value)

		case pidParticipantLeaseDuration:
			if dur, err := durationFromBytes(bin, p.value); err == nil {
				pp.leaseDuration = dur
			}

		case pidParticipantGUID:
			g, err := guidFromBytes(p.value)
			if err != nil {
				return nil, errors.Wrap(err, "participant guid")
			}
			pp.guidPrefix = g.Prefix
			haveGUID = true

		case pidBuiltinEndpointSet:
			if len(p.value) >= 4 {
				pp.builtinEndpoints = builtinEndpointSet(bin.Uint32(p.value))
			}
		}
	}

	if !haveGUID {
		return nil, errors.New("rtps: participant data without guid")
	}
	return pp, nil
}

// appendLocator keeps only locators we can use.
func appendLocator(locs []Locator, bin binary.ByteOrder, b []byte) []Locator {
	loc, err := locatorFromBytes(bin, b)
	if err != nil || loc.Kind != LocatorKindUDPv4 {
		return locs
	}
	return append(locs, loc)
}
