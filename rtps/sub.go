package rtps

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SampleInfo describes a received sample.
type SampleInfo struct {
	Writer GUID
	SeqNum SeqNum
	// SourceTimestamp is zero when the writer sent no INFO_TS.
	SourceTimestamp time.Time
	ReceptionTime   time.Time
}

// Handler receives samples as serialized payloads, encapsulation header
// included. It runs on the receive goroutine, outside the participant lock.
//
// Samples are delivered as they arrive and each at most once. Reliable
// readers do not hold samples back for a repair, so a sample resent after
// loss reaches the handler after later ones; use SampleInfo.SeqNum to
// restore the writer's order.
type Handler func(info SampleInfo, payload []byte)

// Reader is a DDS data reader for a single topic.
type Reader struct {
	p       *Participant
	topic   *Topic
	guid    GUID
	qos     QoS
	handler Handler

	// guarded by p.mu
	status       entityStatus
	matched      MatchedStatus
	incompatible IncompatibleQoSStatus
	writers      map[GUID]*writerProxy
	closed       bool
}

// writerProxy is a remote writer matched with a local reader.
type writerProxy struct {
	ep           *endpointData
	locators     []Locator
	received     seqTracker
	ackNackCount uint32
}

// CreateReader creates a reader on topic t delivering samples to h.
func (p *Participant) CreateReader(t *Topic, qos QoS, h Handler) (*Reader, error) {
	if t == nil || t.p != p {
		return nil, errors.Wrap(ErrBadParameter, "topic belongs to another participant")
	}
	if h == nil {
		return nil, errors.Wrap(ErrBadParameter, "nil handler")
	}
	if qos.History == KeepLast && qos.Depth < 1 {
		qos.Depth = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	rd := &Reader{
		p:       p,
		topic:   t,
		guid:    GUID{Prefix: p.guidPrefix, Entity: p.entities.create(entityIDKindReaderNoKey)},
		qos:     qos,
		handler: h,
		status:  newEntityStatus(readerStatuses),
		writers: make(map[GUID]*writerProxy),
	}
	p.readers[rd.guid.Entity] = rd
	p.logger.Info("Reader created", zap.Stringer("guid", rd.guid),
		zap.String("topic", t.name), zap.Stringer("reliability", qos.Reliability))

	p.sedp.announceReader(rd)
	for _, ep := range p.remoteWriters {
		p.matchReader(rd, ep)
	}
	return rd, nil
}

func (rd *Reader) GUID() GUID    { return rd.guid }
func (rd *Reader) Topic() *Topic { return rd.topic }

func (rd *Reader) SetStatusMask(m StatusMask) error {
	rd.p.mu.Lock()
	defer rd.p.mu.Unlock()
	if rd.closed {
		return ErrClosed
	}
	return rd.status.setMask(m)
}

func (rd *Reader) StatusChanges() (StatusMask, error) {
	rd.p.mu.Lock()
	defer rd.p.mu.Unlock()
	if rd.closed {
		return 0, ErrClosed
	}
	return rd.status.changes, nil
}

func (rd *Reader) TakeStatus(m StatusMask) (StatusMask, error) {
	rd.p.mu.Lock()
	defer rd.p.mu.Unlock()
	if rd.closed {
		return 0, ErrClosed
	}
	return rd.status.take(m), nil
}

func (rd *Reader) SubscriptionMatched() MatchedStatus {
	rd.p.mu.Lock()
	defer rd.p.mu.Unlock()
	rd.status.take(SubscriptionMatchedStatus)
	return rd.matched.read()
}

func (rd *Reader) RequestedIncompatibleQoS() IncompatibleQoSStatus {
	rd.p.mu.Lock()
	defer rd.p.mu.Unlock()
	rd.status.take(RequestedIncompatibleQoSStatus)
	return rd.incompatible.read()
}

func (rd *Reader) matchWriter(ep *endpointData, locs []Locator) {
	if _, ok := rd.writers[ep.guid]; ok {
		return
	}
	wp := &writerProxy{
		ep:       ep,
		locators: locs,
		received: newSeqTracker(rd.qos.Reliability == Reliable && ep.qos.Reliability == Reliable),
	}
	rd.writers[ep.guid] = wp
	rd.matched.matched(ep.guid)
	rd.status.raise(SubscriptionMatchedStatus)
	rd.p.metrics.matched.WithLabelValues(rd.topic.name, "writer").Inc()
	rd.p.logger.Info("Writer matched", zap.Stringer("reader", rd.guid), zap.Stringer("writer", ep.guid),
		zap.String("topic", rd.topic.name))

	if wp.received.reliable {
		// ask for whatever the writer has
		rd.sendAckNack(wp, newSeqNumSet(1, 0))
	}
}

func (rd *Reader) unmatchWriter(g GUID) {
	if _, ok := rd.writers[g]; !ok {
		return
	}
	delete(rd.writers, g)
	rd.matched.unmatched(g)
	rd.status.raise(SubscriptionMatchedStatus)
	rd.p.metrics.matched.WithLabelValues(rd.topic.name, "writer").Dec()
	rd.p.logger.Info("Writer unmatched", zap.Stringer("reader", rd.guid), zap.Stringer("writer", g))
}

func (rd *Reader) incompatibleWriter(ep *endpointData, policy string) {
	rd.incompatible.bump(policy)
	rd.status.raise(RequestedIncompatibleQoSStatus)
	rd.p.logger.Warn("Writer offers incompatible QoS", zap.Stringer("reader", rd.guid),
		zap.Stringer("writer", ep.guid), zap.String("policy", policy))
}

// rxData queues delivery of a sample from a matched writer.
func (rd *Reader) rxData(r *receiver, d *submsgData) {
	g := GUID{Prefix: r.srcGUIDPrefix, Entity: d.writerID}
	wp, ok := rd.writers[g]
	if !ok {
		return
	}
	if !wp.received.accept(d.writerSeqNum) {
		return
	}
	if d.payload == nil || d.keyOnly || d.statusInfo() != 0 {
		return
	}

	info := SampleInfo{
		Writer:        g,
		SeqNum:        d.writerSeqNum,
		ReceptionTime: rd.p.clock.Now(),
	}
	if r.haveTimestamp {
		info.SourceTimestamp = r.timestamp
	}
	payload := d.payload
	h := rd.handler
	rd.p.metrics.samplesReceived.WithLabelValues(rd.topic.name).Inc()
	r.deliveries = append(r.deliveries, func() { h(info, payload) })
}

func (rd *Reader) rxGap(r *receiver, g *submsgGap) {
	if wp, ok := rd.writers[GUID{Prefix: r.srcGUIDPrefix, Entity: g.writerID}]; ok {
		wp.received.applyGap(g)
	}
}

func (rd *Reader) rxHeartbeat(r *receiver, hb *submsgHeartbeat) {
	wp, ok := rd.writers[GUID{Prefix: r.srcGUIDPrefix, Entity: hb.writerEID}]
	if !ok || !wp.received.reliable {
		return
	}
	wp.received.advanceTo(hb.firstSeqNum)
	set := wp.received.missing(hb.lastSeqNum)
	if hb.final && len(set.members()) == 0 {
		return
	}
	rd.sendAckNack(wp, set)
}

func (rd *Reader) sendAckNack(wp *writerProxy, set SeqNumSet) {
	wp.ackNackCount++
	msg := rd.p.newMessage(wp.ep.guid.Prefix)
	msg.add((&submsgAckNack{
		final:         true,
		readerEID:     rd.guid.Entity,
		writerEID:     wp.ep.guid.Entity,
		readerSNState: set,
		count:         wp.ackNackCount,
	}).writeTo)
	msg.send(wp.locators)
}

// Close disposes the reader. Deliveries already queued may still run.
func (rd *Reader) Close() error {
	rd.p.mu.Lock()
	defer rd.p.mu.Unlock()
	if rd.closed {
		return nil
	}
	rd.closeLocked()
	return nil
}

func (rd *Reader) closeLocked() {
	rd.p.sedp.dispose(rd.guid)
	for g := range rd.writers {
		rd.unmatchWriter(g)
	}
	delete(rd.p.readers, rd.guid.Entity)
	rd.closed = true
	rd.p.logger.Debug("Reader closed", zap.Stringer("guid", rd.guid))
}

// seqTracker records which sequence numbers of a remote writer arrived.
// Reliable tracking delivers each sample once and knows what is missing;
// best-effort tracking only drops samples older than the newest seen.
type seqTracker struct {
	reliable bool
	// all sequence numbers below next were received or are irrelevant
	next    SeqNum
	pending map[SeqNum]struct{}
	highest SeqNum
}

func newSeqTracker(reliable bool) seqTracker {
	return seqTracker{reliable: reliable, next: 1, pending: make(map[SeqNum]struct{})}
}

// accept records s and reports whether it is new.
func (t *seqTracker) accept(s SeqNum) bool {
	if s <= 0 {
		return false
	}
	if !t.reliable {
		if s <= t.highest {
			return false
		}
		t.highest = s
		return true
	}
	if s < t.next {
		return false
	}
	if _, dup := t.pending[s]; dup {
		return false
	}
	t.pending[s] = struct{}{}
	if s > t.highest {
		t.highest = s
	}
	t.compact()
	return true
}

func (t *seqTracker) compact() {
	for {
		if _, ok := t.pending[t.next]; !ok {
			return
		}
		delete(t.pending, t.next)
		t.next++
	}
}

// advanceTo forgets everything below first; the writer no longer has it.
func (t *seqTracker) advanceTo(first SeqNum) {
	if !t.reliable || first <= t.next {
		return
	}
	for s := range t.pending {
		if s < first {
			delete(t.pending, s)
		}
	}
	t.next = first
	t.compact()
}

func (t *seqTracker) applyGap(g *submsgGap) {
	if !t.reliable {
		return
	}
	if g.gapStart <= t.next {
		t.advanceTo(g.gapList.bitmapBase)
	} else {
		for s := g.gapStart; s < g.gapList.bitmapBase && s-g.gapStart < maxSeqNumSetBits; s++ {
			t.pending[s] = struct{}{}
		}
	}
	for _, s := range g.gapList.members() {
		if s >= t.next {
			t.pending[s] = struct{}{}
		}
	}
	t.compact()
}

// missing returns the ACKNACK set for a writer whose last sequence number
// is last.
func (t *seqTracker) missing(last SeqNum) SeqNumSet {
	n := last - t.next + 1
	if n < 0 {
		n = 0
	}
	set := newSeqNumSet(t.next, uint32(min(n, maxSeqNumSetBits)))
	for s := t.next; s <= set.Last(); s++ {
		if _, ok := t.pending[s]; !ok {
			set.set(s)
		}
	}
	return set
}
