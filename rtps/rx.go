package rtps

import (
	"time"

	"go.uber.org/zap"
)

// receiver is used to dispatch all the submsgs within a msg
// lifetime is a single msg
type receiver struct {
	p             *Participant
	srcProtoVer   ProtoVersion
	srcVID        VendorID
	srcGUIDPrefix GUIDPrefix
	dstGUIDPrefix GUIDPrefix
	haveTimestamp bool
	timestamp     time.Time

	// sample deliveries, run once the participant lock is released
	deliveries []func()
}

// handlePacket is called by the transport for every datagram.
func (p *Participant) handlePacket(b []byte) {
	p.metrics.packetsReceived.Inc()
	p.metrics.bytesReceived.Add(float64(len(b)))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	r := p.rxdispatch(b)
	p.mu.Unlock()

	if r != nil {
		for _, deliver := range r.deliveries {
			deliver()
		}
	}
}

// parse packet, and handle submessages
func (p *Participant) rxdispatch(b []byte) *receiver {
	hdr, err := newHeaderFromBytes(b)
	if err != nil {
		return nil
	}
	if hdr.magic != Magic {
		return nil
	}
	if hdr.protoVer.major < MyRTPSVersionMajor {
		p.logger.Debug("Dropping message from old protocol version",
			zap.Uint8("major", hdr.protoVer.major), zap.Uint8("minor", hdr.protoVer.minor))
		return nil
	}

	// our own multicast comes back through loopback
	if hdr.guidPrefix == p.guidPrefix {
		return nil
	}
	if pp, ok := p.remotes[hdr.guidPrefix]; ok {
		pp.lastSeen = p.clock.Now()
	}

	r := &receiver{
		p:             p,
		srcProtoVer:   hdr.protoVer,
		srcVID:        hdr.vid,
		srcGUIDPrefix: hdr.guidPrefix,
	}

	buf := b[headerLen:]
	for len(buf) > 0 {
		sm, n, err := newSubMsgFromBytes(buf)
		if err != nil {
			p.logger.Debug("Malformed submessage", zap.Stringer("remote", hdr.guidPrefix), zap.Error(err))
			break
		}
		r.handleSubMsg(sm)
		buf = buf[n:]
	}
	return r
}

func (r *receiver) handleSubMsg(sm *subMsg) {
	switch sm.hdr.id {
	case submsgIDPad:

	case submsgIDInfoTS:
		r.rxInfoTS(sm)

	case submsgIDInfoSrc:
		r.rxInfoSrc(sm)

	case submsgIDInfoDst:
		r.rxInfoDst(sm)

	case submsgIDData, submsgIDGap, submsgIDHeartbeat, submsgIDAckNack:
		if r.dstGUIDPrefix != unknownGUIDPrefix && r.dstGUIDPrefix != r.p.guidPrefix {
			return
		}
		r.rxEndpointSubMsg(sm)

	default:
		// INFO_REPLY, fragments and vendor submessages are not used
	}
}

func (r *receiver) rxEndpointSubMsg(sm *subMsg) {
	var err error
	switch sm.hdr.id {
	case submsgIDData:
		var d *submsgData
		if d, err = newDataFromSubMsg(sm); err == nil {
			r.rxData(d)
		}

	case submsgIDGap:
		var g *submsgGap
		if g, err = newGapFromSubMsg(sm); err == nil {
			r.rxGap(g)
		}

	case submsgIDHeartbeat:
		var hb *submsgHeartbeat
		if hb, err = newHeartbeatFromSubMsg(sm); err == nil {
			r.rxHeartbeat(hb)
		}

	case submsgIDAckNack:
		var an *submsgAckNack
		if an, err = newAckNackFromSubMsg(sm); err == nil {
			r.rxAckNack(an)
		}
	}
	if err != nil {
		r.p.logger.Debug("Bad submessage", zap.Uint8("id", sm.hdr.id),
			zap.Stringer("remote", r.srcGUIDPrefix), zap.Error(err))
	}
}

// handler for INFO_TS submessages
func (r *receiver) rxInfoTS(sm *subMsg) {
	if sm.hdr.flags&flagInfoTSInvalidate != 0 {
		r.haveTimestamp = false
		r.timestamp = timeInvalid
		return
	}
	if ts, err := timeFromBytes(sm.bin, sm.data); err == nil {
		r.haveTimestamp = true
		r.timestamp = ts
	}
}

// handler for INFO_SRC submessages
func (r *receiver) rxInfoSrc(sm *subMsg) {
	is, err := newInfoSrcFromSubMsg(sm)
	if err != nil {
		return
	}
	r.srcGUIDPrefix = is.guidPrefix
	r.srcProtoVer = is.version
	r.srcVID = is.vid
}

// handler for INFO_DST submessages
func (r *receiver) rxInfoDst(sm *subMsg) {
	// only element in submsgInfoDest is the prefix
	if gp, err := guidPrefixFromBytes(sm.data); err == nil {
		r.dstGUIDPrefix = gp
	}
}

func (r *receiver) rxData(d *submsgData) {
	p := r.p
	switch d.writerID {
	case EntityIDSPDPWriter:
		p.spdp.rxData(r, d)
	case EntityIDSEDPPubWriter, EntityIDSEDPSubWriter:
		p.sedp.rxData(r, d)
	default:
		if d.writerID.isBuiltin() {
			return
		}
		if d.readerID != EntityIDUnknown {
			if rd, ok := p.readers[d.readerID]; ok {
				rd.rxData(r, d)
			}
			return
		}
		for _, rd := range p.readers {
			rd.rxData(r, d)
		}
	}
}

func (r *receiver) rxGap(g *submsgGap) {
	p := r.p
	switch g.writerID {
	case EntityIDSEDPPubWriter, EntityIDSEDPSubWriter:
		p.sedp.rxGap(r, g)
	default:
		if g.readerID != EntityIDUnknown {
			if rd, ok := p.readers[g.readerID]; ok {
				rd.rxGap(r, g)
			}
			return
		}
		for _, rd := range p.readers {
			rd.rxGap(r, g)
		}
	}
}

func (r *receiver) rxHeartbeat(hb *submsgHeartbeat) {
	p := r.p
	switch hb.writerEID {
	case EntityIDSEDPPubWriter, EntityIDSEDPSubWriter:
		p.sedp.rxHeartbeat(r, hb)
	default:
		if hb.writerEID.isBuiltin() {
			return
		}
		if hb.readerEID != EntityIDUnknown {
			if rd, ok := p.readers[hb.readerEID]; ok {
				rd.rxHeartbeat(r, hb)
			}
			return
		}
		for _, rd := range p.readers {
			rd.rxHeartbeat(r, hb)
		}
	}
}

func (r *receiver) rxAckNack(an *submsgAckNack) {
	p := r.p
	switch an.writerEID {
	case EntityIDSEDPPubWriter, EntityIDSEDPSubWriter:
		p.sedp.rxAckNack(r, an)
	default:
		if w, ok := p.writers[an.writerEID]; ok {
			w.rxAckNack(r.srcGUIDPrefix, an)
		}
	}
}
