package rtps

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/webvenky/free-fleet/cdr"
)

// DefaultPollInterval is how often WaitForMatch checks the status.
const DefaultPollInterval = 20 * time.Millisecond

// room for the RTPS header, INFO_DST, INFO_TS, the DATA header and a heartbeat
const maxSamplePayload = maxDatagram - 128

// Writer is a DDS data writer for a single topic.
type Writer struct {
	p     *Participant
	topic *Topic
	guid  GUID
	qos   QoS

	// guarded by p.mu
	status       entityStatus
	matched      MatchedStatus
	incompatible IncompatibleQoSStatus
	readers      map[GUID]*readerProxy
	seq          SeqNum
	history      []*cacheChange
	hbCount      uint32
	closed       bool
}

// readerProxy is a remote reader matched with a local writer.
type readerProxy struct {
	ep       *endpointData
	locators []Locator
	// sequence numbers up to acked were acknowledged
	acked SeqNum
	// the reader has no claim to sequence numbers up to start
	start        SeqNum
	ackNackCount uint32
}

func (rp *readerProxy) reliable() bool { return rp.ep.qos.Reliability == Reliable }

// CreateWriter creates a writer on topic t and announces it.
func (p *Participant) CreateWriter(t *Topic, qos QoS) (*Writer, error) {
	if t == nil || t.p != p {
		return nil, errors.Wrap(ErrBadParameter, "topic belongs to another participant")
	}
	if qos.History == KeepLast && qos.Depth < 1 {
		qos.Depth = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	w := &Writer{
		p:       p,
		topic:   t,
		guid:    GUID{Prefix: p.guidPrefix, Entity: p.entities.create(entityIDKindWriterNoKey)},
		qos:     qos,
		status:  newEntityStatus(writerStatuses),
		readers: make(map[GUID]*readerProxy),
	}
	p.writers[w.guid.Entity] = w
	p.logger.Info("Writer created", zap.Stringer("guid", w.guid),
		zap.String("topic", t.name), zap.Stringer("reliability", qos.Reliability))

	p.sedp.announceWriter(w)
	for _, ep := range p.remoteReaders {
		p.matchWriter(w, ep)
	}
	return w, nil
}

func (w *Writer) GUID() GUID    { return w.guid }
func (w *Writer) Topic() *Topic { return w.topic }
func (w *Writer) QoS() QoS      { return w.qos }

// SetStatusMask selects the statuses whose changes are recorded.
func (w *Writer) SetStatusMask(m StatusMask) error {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.status.setMask(m)
}

// StatusChanges returns the statuses changed since they were last read,
// without resetting them.
func (w *Writer) StatusChanges() (StatusMask, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	return w.status.changes, nil
}

// TakeStatus returns and resets the changed statuses in m.
func (w *Writer) TakeStatus(m StatusMask) (StatusMask, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	return w.status.take(m), nil
}

func (w *Writer) PublicationMatched() MatchedStatus {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.status.take(PublicationMatchedStatus)
	return w.matched.read()
}

func (w *Writer) OfferedIncompatibleQoS() IncompatibleQoSStatus {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.status.take(OfferedIncompatibleQoSStatus)
	return w.incompatible.read()
}

// WaitForMatch polls the status changes every poll until a reader has
// matched or ctx is done. The publication matched status must be enabled.
func (w *Writer) WaitForMatch(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := w.p.clock.Ticker(poll)
	defer ticker.Stop()

	for {
		changes, err := w.StatusChanges()
		if err != nil {
			return err
		}
		if changes&PublicationMatchedStatus != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Write serializes sample and writes it.
func (w *Writer) Write(sample cdr.Marshaler) error {
	b, err := cdr.Marshal(sample)
	if err != nil {
		return errors.Wrap(err, "serialize sample")
	}
	return w.WriteRaw(b)
}

// WriteRaw writes an already serialized payload, encapsulation header
// included. Without matched readers the sample only enters the history.
func (w *Writer) WriteRaw(payload []byte) error {
	if len(payload) > maxSamplePayload {
		return errors.Wrapf(ErrSampleTooLarge, "%d bytes", len(payload))
	}

	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.closed || w.p.closed {
		return ErrClosed
	}

	w.seq++
	c := &cacheChange{seq: w.seq, key: w.guid, payload: payload}
	if w.qos.keepsHistory() {
		w.history = append(w.history, c)
		w.trimHistory()
	}
	w.p.metrics.samplesWritten.WithLabelValues(w.topic.name).Inc()

	for _, rp := range w.readers {
		msg := w.p.newMessage(rp.ep.guid.Prefix)
		writeChange(msg, rp.ep.guid.Entity, w.guid.Entity, c)
		if w.qos.Reliability == Reliable && rp.reliable() {
			msg.add(w.heartbeatFor(rp, false).writeTo)
		}
		msg.send(rp.locators)
	}
	return nil
}

// trimHistory applies the history policy. Keep-all volatile writers drop
// what every reliable reader acknowledged.
func (w *Writer) trimHistory() {
	if w.qos.History == KeepLast {
		if n := len(w.history) - w.qos.Depth; n > 0 {
			w.history = append(w.history[:0], w.history[n:]...)
		}
		return
	}
	if w.qos.Durability >= TransientLocal {
		return
	}
	acked := w.seq
	for _, rp := range w.readers {
		if rp.reliable() && rp.acked < acked {
			acked = rp.acked
		}
	}
	i := 0
	for i < len(w.history) && w.history[i].seq <= acked {
		i++
	}
	w.history = append(w.history[:0], w.history[i:]...)
}

func (w *Writer) heartbeatFor(rp *readerProxy, final bool) *submsgHeartbeat {
	w.hbCount++
	first := firstAvailable(w.history, w.seq)
	if first <= rp.start {
		first = rp.start + 1
	}
	return &submsgHeartbeat{
		final:       final,
		readerEID:   rp.ep.guid.Entity,
		writerEID:   w.guid.Entity,
		firstSeqNum: first,
		lastSeqNum:  w.seq,
		count:       w.hbCount,
	}
}

// heartbeat is sent periodically to reliable readers with unacknowledged
// samples.
func (w *Writer) heartbeat() {
	if w.qos.Reliability != Reliable {
		return
	}
	for _, rp := range w.readers {
		if !rp.reliable() || rp.acked >= w.seq {
			continue
		}
		msg := w.p.newMessage(rp.ep.guid.Prefix)
		msg.add(w.heartbeatFor(rp, false).writeTo)
		msg.send(rp.locators)
	}
}

func (w *Writer) matchReader(ep *endpointData, locs []Locator) {
	if _, ok := w.readers[ep.guid]; ok {
		return
	}
	rp := &readerProxy{ep: ep, locators: locs}
	transient := w.qos.Durability >= TransientLocal && ep.qos.Durability >= TransientLocal
	if !transient {
		rp.start = w.seq
		rp.acked = w.seq
	}
	w.readers[ep.guid] = rp
	w.matched.matched(ep.guid)
	w.status.raise(PublicationMatchedStatus)
	w.p.metrics.matched.WithLabelValues(w.topic.name, "reader").Inc()
	w.p.logger.Info("Reader matched", zap.Stringer("writer", w.guid), zap.Stringer("reader", ep.guid),
		zap.String("topic", w.topic.name), zap.Stringers("locators", locs))

	if !transient || len(w.history) == 0 {
		return
	}
	msg := w.p.newMessage(ep.guid.Prefix)
	for _, c := range w.history {
		writeChange(msg, ep.guid.Entity, w.guid.Entity, c)
	}
	if w.qos.Reliability == Reliable && rp.reliable() {
		msg.add(w.heartbeatFor(rp, false).writeTo)
	}
	msg.send(locs)
}

func (w *Writer) unmatchReader(g GUID) {
	if _, ok := w.readers[g]; !ok {
		return
	}
	delete(w.readers, g)
	w.matched.unmatched(g)
	w.status.raise(PublicationMatchedStatus)
	w.p.metrics.matched.WithLabelValues(w.topic.name, "reader").Dec()
	w.p.logger.Info("Reader unmatched", zap.Stringer("writer", w.guid), zap.Stringer("reader", g))
}

func (w *Writer) incompatibleReader(ep *endpointData, policy string) {
	w.incompatible.bump(policy)
	w.status.raise(OfferedIncompatibleQoSStatus)
	w.p.logger.Warn("Reader requests incompatible QoS", zap.Stringer("writer", w.guid),
		zap.Stringer("reader", ep.guid), zap.String("policy", policy))
}

// rxAckNack resends what a matched reader asks for and declares the rest
// irrelevant.
func (w *Writer) rxAckNack(src GUIDPrefix, an *submsgAckNack) {
	rp, ok := w.readers[GUID{Prefix: src, Entity: an.readerEID}]
	if !ok || w.qos.Reliability != Reliable {
		return
	}
	if an.count != 0 && an.count <= rp.ackNackCount {
		return
	}
	rp.ackNackCount = an.count
	if acked := an.readerSNState.bitmapBase - 1; acked > rp.acked {
		rp.acked = acked
		if w.qos.History == KeepAll {
			w.trimHistory()
		}
	}

	requested := an.readerSNState.members()
	if len(requested) == 0 {
		return
	}
	var wanted []SeqNum
	var irrelevant []SeqNum
	for _, seq := range requested {
		if seq <= rp.start || seq > w.seq {
			irrelevant = append(irrelevant, seq)
		} else {
			wanted = append(wanted, seq)
		}
	}
	found, missing := lookupChanges(w.history, wanted)
	missing = mergeSeqNums(irrelevant, missing)

	msg := w.p.newMessage(src)
	for _, c := range found {
		writeChange(msg, rp.ep.guid.Entity, w.guid.Entity, c)
	}
	for _, g := range gapSubmsgs(rp.ep.guid.Entity, w.guid.Entity, missing) {
		msg.add(g.writeTo)
	}
	msg.add(w.heartbeatFor(rp, false).writeTo)
	msg.send(rp.locators)
}

// mergeSeqNums merges two sorted lists.
func mergeSeqNums(a, b []SeqNum) []SeqNum {
	out := make([]SeqNum, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if a[0] < b[0] {
			out, a = append(out, a[0]), a[1:]
		} else {
			out, b = append(out, b[0]), b[1:]
		}
	}
	out = append(out, a...)
	return append(out, b...)
}

// Close disposes the writer.
func (w *Writer) Close() error {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closeLocked()
	return nil
}

func (w *Writer) closeLocked() {
	w.p.sedp.dispose(w.guid)
	for g := range w.readers {
		w.unmatchReader(g)
	}
	delete(w.p.writers, w.guid.Entity)
	w.closed = true
	w.p.logger.Debug("Writer closed", zap.Stringer("guid", w.guid))
}
