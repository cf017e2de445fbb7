package rtps

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// sedp: Simple Endpoint Discovery Protocol
//
// Local endpoints are announced through two reliable builtin writers, one
// for publications and one for subscriptions. Their history holds the
// latest change per endpoint.

// cacheChange is one sample in a writer's history.
type cacheChange struct {
	seq       SeqNum
	key       GUID
	inlineQoS []paramListItem
	keyOnly   bool
	payload   []byte
}

type builtinWriter struct {
	eid       EntityID
	readerEID EntityID
	seq       SeqNum
	changes   []*cacheChange
	hbCount   uint32
}

func (bw *builtinWriter) add(c *cacheChange) {
	bw.seq++
	c.seq = bw.seq
	kept := bw.changes[:0]
	for _, old := range bw.changes {
		if old.key != c.key {
			kept = append(kept, old)
		}
	}
	bw.changes = append(kept, c)
}

func (bw *builtinWriter) heartbeat(final bool) *submsgHeartbeat {
	bw.hbCount++
	return &submsgHeartbeat{
		final:       final,
		readerEID:   bw.readerEID,
		writerEID:   bw.eid,
		firstSeqNum: firstAvailable(bw.changes, bw.seq),
		lastSeqNum:  bw.seq,
		count:       bw.hbCount,
	}
}

// firstAvailable is the lowest sequence number still in history, or one
// past last if the history is empty.
func firstAvailable(history []*cacheChange, last SeqNum) SeqNum {
	if len(history) > 0 {
		return history[0].seq
	}
	return last + 1
}

// lookupChanges splits requested sequence numbers into those still in
// history and those that are not.
func lookupChanges(history []*cacheChange, requested []SeqNum) (found []*cacheChange, missing []SeqNum) {
	for _, seq := range requested {
		var c *cacheChange
		for _, h := range history {
			if h.seq == seq {
				c = h
				break
			}
		}
		if c != nil {
			found = append(found, c)
		} else {
			missing = append(missing, seq)
		}
	}
	return found, missing
}

// gapSubmsgs declares missing sequence numbers irrelevant, one GAP per
// contiguous run. missing must be sorted.
func gapSubmsgs(readerID, writerID EntityID, missing []SeqNum) []*submsgGap {
	var out []*submsgGap
	for i := 0; i < len(missing); {
		j := i
		for j+1 < len(missing) && missing[j+1] == missing[j]+1 {
			j++
		}
		out = append(out, &submsgGap{
			readerID: readerID,
			writerID: writerID,
			gapStart: missing[i],
			gapList:  newSeqNumSet(missing[j]+1, 0),
		})
		i = j + 1
	}
	return out
}

// writeChange appends c as a DATA submessage.
func writeChange(msg *messageBuilder, readerID, writerID EntityID, c *cacheChange) {
	data := &submsgData{
		readerID:     readerID,
		writerID:     writerID,
		writerSeqNum: c.seq,
		inlineQoS:    c.inlineQoS,
		keyOnly:      c.keyOnly,
		payload:      c.payload,
	}
	msg.add(data.writeTo)
}

type sedp struct {
	p         *Participant
	pubWriter builtinWriter
	subWriter builtinWriter
}

func newSEDP(p *Participant) sedp {
	return sedp{
		p:         p,
		pubWriter: builtinWriter{eid: EntityIDSEDPPubWriter, readerEID: EntityIDSEDPPubReader},
		subWriter: builtinWriter{eid: EntityIDSEDPSubWriter, readerEID: EntityIDSEDPSubReader},
	}
}

func (s *sedp) builtinWriter(eid EntityID) *builtinWriter {
	switch eid {
	case EntityIDSEDPPubWriter:
		return &s.pubWriter
	case EntityIDSEDPSubWriter:
		return &s.subWriter
	}
	return nil
}

func (s *sedp) announceWriter(w *Writer) {
	s.publish(&s.pubWriter, &cacheChange{
		key:       w.guid,
		inlineQoS: []paramListItem{{pid: pidKeyHash, value: w.guid.Bytes()}},
		payload:   endpointPayload(w.guid, w.topic, w.qos),
	})
}

func (s *sedp) announceReader(rd *Reader) {
	s.publish(&s.subWriter, &cacheChange{
		key:       rd.guid,
		inlineQoS: []paramListItem{{pid: pidKeyHash, value: rd.guid.Bytes()}},
		payload:   endpointPayload(rd.guid, rd.topic, rd.qos),
	})
}

// dispose announces that the local endpoint g is gone.
func (s *sedp) dispose(g GUID) {
	bw := &s.subWriter
	if g.Entity.isWriter() {
		bw = &s.pubWriter
	}
	s.publish(bw, &cacheChange{
		key: g,
		inlineQoS: []paramListItem{
			{pid: pidKeyHash, value: g.Bytes()},
			{pid: pidStatusInfo, value: statusInfoBytes(statusInfoDisposed | statusInfoUnregistered)},
		},
		keyOnly: true,
		payload: endpointKeyPayload(g),
	})
}

// publish adds c to bw's history and pushes it to every known participant.
func (s *sedp) publish(bw *builtinWriter, c *cacheChange) {
	bw.add(c)
	for _, pp := range s.p.remotes {
		msg := s.p.newMessage(pp.guidPrefix)
		writeChange(msg, bw.readerEID, bw.eid, c)
		msg.add(bw.heartbeat(false).writeTo)
		msg.send(pp.metaLocators())
	}
}

// heartbeat tells every participant that has not acknowledged our whole
// SEDP history what is available.
func (s *sedp) heartbeat() {
	for _, bw := range []*builtinWriter{&s.pubWriter, &s.subWriter} {
		if bw.seq == 0 {
			continue
		}
		for _, pp := range s.p.remotes {
			if pp.acked[bw.eid] >= bw.seq {
				continue
			}
			msg := s.p.newMessage(pp.guidPrefix)
			msg.add(bw.heartbeat(false).writeTo)
			msg.send(pp.metaLocators())
		}
	}
}

// participantDiscovered sends our SEDP history to a new participant and
// asks for theirs.
func (s *sedp) participantDiscovered(pp *participantProxy) {
	for _, bw := range []*builtinWriter{&s.pubWriter, &s.subWriter} {
		if len(bw.changes) == 0 {
			continue
		}
		msg := s.p.newMessage(pp.guidPrefix)
		for _, c := range bw.changes {
			writeChange(msg, bw.readerEID, bw.eid, c)
		}
		msg.add(bw.heartbeat(false).writeTo)
		msg.send(pp.metaLocators())
	}

	// preemptive ACKNACKs so the remote writers send us their history
	msg := s.p.newMessage(pp.guidPrefix)
	if pp.builtinEndpoints&builtinPublicationAnnouncer != 0 {
		st := pp.inboundState(EntityIDSEDPPubWriter)
		st.ackNackCount++
		msg.add((&submsgAckNack{
			readerEID:     EntityIDSEDPPubReader,
			writerEID:     EntityIDSEDPPubWriter,
			readerSNState: newSeqNumSet(1, 0),
			count:         st.ackNackCount,
		}).writeTo)
	}
	if pp.builtinEndpoints&builtinSubscriptionAnnouncer != 0 {
		st := pp.inboundState(EntityIDSEDPSubWriter)
		st.ackNackCount++
		msg.add((&submsgAckNack{
			readerEID:     EntityIDSEDPSubReader,
			writerEID:     EntityIDSEDPSubWriter,
			readerSNState: newSeqNumSet(1, 0),
			count:         st.ackNackCount,
		}).writeTo)
	}
	msg.send(pp.metaLocators())
}

// rxData handles DATA from a remote SEDP writer.
func (s *sedp) rxData(r *receiver, d *submsgData) {
	p := s.p
	pp, ok := p.remotes[r.srcGUIDPrefix]
	if !ok {
		// the writer resends once SPDP has introduced us
		return
	}
	if !pp.inboundState(d.writerID).received.accept(d.writerSeqNum) {
		return
	}

	if d.statusInfo()&(statusInfoDisposed|statusInfoUnregistered) != 0 {
		if key, ok := d.keyHash(); ok {
			p.removeRemoteEndpoint(key)
			return
		}
		if g, err := endpointGUIDFromPayload(d.payload); err == nil {
			p.removeRemoteEndpoint(g)
		}
		return
	}
	if d.payload == nil || d.keyOnly {
		return
	}

	plist, bin, err := parameterPayload(d.payload)
	if err != nil {
		p.logger.Debug("Bad SEDP payload", zap.Stringer("remote", r.srcGUIDPrefix), zap.Error(err))
		return
	}
	ep, err := parseEndpointData(plist, bin, d.writerID == EntityIDSEDPPubWriter)
	if err != nil {
		p.logger.Debug("Bad SEDP data", zap.Stringer("remote", r.srcGUIDPrefix), zap.Error(err))
		return
	}
	p.addRemoteEndpoint(ep)
}

func (s *sedp) rxGap(r *receiver, g *submsgGap) {
	pp, ok := s.p.remotes[r.srcGUIDPrefix]
	if !ok {
		return
	}
	pp.inboundState(g.writerID).received.applyGap(g)
}

// rxHeartbeat answers a remote SEDP writer's heartbeat with an ACKNACK.
func (s *sedp) rxHeartbeat(r *receiver, hb *submsgHeartbeat) {
	pp, ok := s.p.remotes[r.srcGUIDPrefix]
	if !ok {
		return
	}
	st := pp.inboundState(hb.writerEID)
	st.received.advanceTo(hb.firstSeqNum)
	set := st.received.missing(hb.lastSeqNum)
	if hb.final && len(set.members()) == 0 {
		return
	}

	readerEID := EntityIDSEDPPubReader
	if hb.writerEID == EntityIDSEDPSubWriter {
		readerEID = EntityIDSEDPSubReader
	}
	st.ackNackCount++
	msg := s.p.newMessage(pp.guidPrefix)
	msg.add((&submsgAckNack{
		final:         true,
		readerEID:     readerEID,
		writerEID:     hb.writerEID,
		readerSNState: set,
		count:         st.ackNackCount,
	}).writeTo)
	msg.send(pp.metaLocators())
}

// rxAckNack resends what a remote SEDP reader asks for.
func (s *sedp) rxAckNack(r *receiver, an *submsgAckNack) {
	bw := s.builtinWriter(an.writerEID)
	pp, ok := s.p.remotes[r.srcGUIDPrefix]
	if bw == nil || !ok {
		return
	}
	if acked := an.readerSNState.bitmapBase - 1; acked > pp.acked[bw.eid] {
		pp.acked[bw.eid] = acked
	}

	requested := an.readerSNState.members()
	if len(requested) == 0 {
		if pp.acked[bw.eid] < bw.seq && an.readerSNState.bitmapBase <= bw.seq {
			// a preemptive ACKNACK: they know nothing about us yet
			requested = seqRange(an.readerSNState.bitmapBase, bw.seq)
		} else {
			return
		}
	}

	found, missing := lookupChanges(bw.changes, requested)
	msg := s.p.newMessage(pp.guidPrefix)
	for _, c := range found {
		writeChange(msg, bw.readerEID, bw.eid, c)
	}
	for _, g := range gapSubmsgs(bw.readerEID, bw.eid, missing) {
		msg.add(g.writeTo)
	}
	msg.add(bw.heartbeat(false).writeTo)
	msg.send(pp.metaLocators())
}

func seqRange(from, to SeqNum) []SeqNum {
	if to-from >= maxSeqNumSetBits {
		from = to - maxSeqNumSetBits + 1
	}
	var out []SeqNum
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

// endpointPayload is the PL_CDR_LE description of a local endpoint.
func endpointPayload(g GUID, topic *Topic, qos QoS) []byte {
	var buf bytes.Buffer
	scheme := encapsulationScheme{scheme: schemePLCDRLE}
	scheme.writeTo(&buf)

	vid := make([]byte, 2)
	binary.BigEndian.PutUint16(vid, uint16(MyVendorID))

	params := []paramListItem{
		{pid: pidProtocolVersion, value: []byte{MyRTPSVersionMajor, MyRTPSVersionMinor}},
		{pid: pidVendorID, value: vid},
		{pid: pidEndpointGUID, value: g.Bytes()},
		{pid: pidParticipantGUID, value: GUID{Prefix: g.Prefix, Entity: EntityIDParticipant}.Bytes()},
		{pid: pidTopicName, value: packParamString(binary.LittleEndian, topic.name)},
		{pid: pidTypeName, value: packParamString(binary.LittleEndian, topic.typeName)},
	}
	params = append(params, qosParams(qos)...)
	params = append(params, paramListItem{pid: pidSentinel})
	for i := range params {
		params[i].writeTo(&buf)
	}
	return buf.Bytes()
}

// endpointKeyPayload is the serialized key of an endpoint, sent with
// dispose messages.
func endpointKeyPayload(g GUID) []byte {
	var buf bytes.Buffer
	scheme := encapsulationScheme{scheme: schemePLCDRLE}
	scheme.writeTo(&buf)
	for _, p := range []paramListItem{
		{pid: pidEndpointGUID, value: g.Bytes()},
		{pid: pidSentinel},
	} {
		p.writeTo(&buf)
	}
	return buf.Bytes()
}

func endpointGUIDFromPayload(b []byte) (GUID, error) {
	plist, _, err := parameterPayload(b)
	if err != nil {
		return GUID{}, err
	}
	for _, p := range plist {
		if p.pid == pidEndpointGUID {
			return guidFromBytes(p.value)
		}
	}
	return GUID{}, errors.New("rtps: no endpoint guid")
}

func parseEndpointData(plist []paramListItem, bin binary.ByteOrder, writer bool) (*endpointData, error) {
	ep := &endpointData{qos: DefaultReaderQoS()}
	if writer {
		ep.qos = DefaultWriterQoS()
	}

	for _, p := range plist {
		if p.pid&pidVendorSpecific != 0 {
			continue
		}
		if applyQoSParam(&ep.qos, bin, p) {
			continue
		}

		switch p.pid {
		case pidEndpointGUID:
			g, err := guidFromBytes(p.value)
			if err != nil {
				return nil, errors.Wrap(err, "endpoint guid")
			}
			ep.guid = g

		case pidTopicName:
			s, err := p.valToString(bin)
			if err != nil {
				return nil, errors.Wrap(err, "topic name")
			}
			ep.topicName = s

		case pidTypeName:
			s, err := p.valToString(bin)
			if err != nil {
				return nil, errors.Wrap(err, "type name")
			}
			ep.typeName = s

		case pidUnicastLocator:
			ep.unicast = appendLocator(ep.unicast, bin, p.value)

		case pidMulticastLocator:
			ep.multicast = appendLocator(ep.multicast, bin, p.value)
		}
	}

	if ep.guid.Unknown() || ep.topicName == "" || ep.typeName == "" {
		return nil, errors.New("rtps: insufficient endpoint information")
	}
	if ep.guid.Entity.isWriter() != writer {
		return nil, errors.Errorf("rtps: endpoint %s announced by the wrong SEDP writer", ep.guid)
	}
	return ep, nil
}
