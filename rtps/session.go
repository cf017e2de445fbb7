package rtps

import (
	"time"

	"go.uber.org/zap"
)

// endpointData describes a remote writer or reader learned through SEDP.
type endpointData struct {
	guid      GUID
	topicName string
	typeName  string
	qos       QoS
	unicast   []Locator
	multicast []Locator
}

// locators returns where to reach ep: its own unicast locators if it
// announced any, else its participant's default unicast locators, else the
// multicast ones. Duplicates are removed.
func (p *Participant) locators(ep *endpointData) []Locator {
	var out []Locator
	add := func(locs []Locator) {
		for _, loc := range locs {
			if !loc.usable() {
				continue
			}
			dup := false
			for _, have := range out {
				if have.equal(loc) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, loc)
			}
		}
	}

	add(ep.unicast)
	if len(out) > 0 {
		return out
	}
	if pp := p.remotes[ep.guid.Prefix]; pp != nil {
		add(pp.defaultUnicast)
		if len(out) > 0 {
			return out
		}
		add(pp.defaultMulticast)
	}
	add(ep.multicast)
	return out
}

// addRemoteEndpoint records ep and matches it against the local endpoints
// of the opposite kind. A changed announcement replaces the old one.
func (p *Participant) addRemoteEndpoint(ep *endpointData) {
	if ep.guid.Entity.isWriter() {
		if old, ok := p.remoteWriters[ep.guid]; ok {
			if sameEndpoint(old, ep) {
				return
			}
			p.removeRemoteEndpoint(old.guid)
		}
		p.remoteWriters[ep.guid] = ep
		p.logger.Debug("Discovered writer", zap.Stringer("guid", ep.guid),
			zap.String("topic", ep.topicName), zap.String("type", ep.typeName),
			zap.Stringer("reliability", ep.qos.Reliability))
		for _, rd := range p.readers {
			p.matchReader(rd, ep)
		}
		return
	}

	if old, ok := p.remoteReaders[ep.guid]; ok {
		if sameEndpoint(old, ep) {
			return
		}
		p.removeRemoteEndpoint(old.guid)
	}
	p.remoteReaders[ep.guid] = ep
	p.logger.Debug("Discovered reader", zap.Stringer("guid", ep.guid),
		zap.String("topic", ep.topicName), zap.String("type", ep.typeName),
		zap.Stringer("reliability", ep.qos.Reliability))
	for _, w := range p.writers {
		p.matchWriter(w, ep)
	}
}

func sameEndpoint(a, b *endpointData) bool {
	if a.topicName != b.topicName || a.typeName != b.typeName || a.qos != b.qos {
		return false
	}
	if len(a.unicast) != len(b.unicast) {
		return false
	}
	for i := range a.unicast {
		if !a.unicast[i].equal(b.unicast[i]) {
			return false
		}
	}
	return true
}

func (p *Participant) removeRemoteEndpoint(g GUID) {
	if _, ok := p.remoteWriters[g]; ok {
		delete(p.remoteWriters, g)
		for _, rd := range p.readers {
			rd.unmatchWriter(g)
		}
		return
	}
	if _, ok := p.remoteReaders[g]; ok {
		delete(p.remoteReaders, g)
		for _, w := range p.writers {
			w.unmatchReader(g)
		}
	}
}

// matchWriter matches a local writer with a remote reader on the same
// topic, or records the QoS policy that prevents it.
func (p *Participant) matchWriter(w *Writer, ep *endpointData) {
	if ep.topicName != w.topic.name {
		return
	}
	if ep.typeName != w.topic.typeName {
		p.logger.Warn("Remote reader type differs from local topic",
			zap.String("topic", ep.topicName), zap.String("type", ep.typeName),
			zap.String("local_type", w.topic.typeName))
		return
	}
	if ok, policy := compatible(w.qos, ep.qos); !ok {
		w.incompatibleReader(ep, policy)
		return
	}
	w.matchReader(ep, p.locators(ep))
}

func (p *Participant) matchReader(rd *Reader, ep *endpointData) {
	if ep.topicName != rd.topic.name {
		return
	}
	if ep.typeName != rd.topic.typeName {
		p.logger.Warn("Remote writer type differs from local topic",
			zap.String("topic", ep.topicName), zap.String("type", ep.typeName),
			zap.String("local_type", rd.topic.typeName))
		return
	}
	if ok, policy := compatible(ep.qos, rd.qos); !ok {
		rd.incompatibleWriter(ep, policy)
		return
	}
	rd.matchWriter(ep, p.locators(ep))
}

// removeParticipant forgets a remote participant and every endpoint it owns.
func (p *Participant) removeParticipant(gp GUIDPrefix, reason string) {
	pp, ok := p.remotes[gp]
	if !ok {
		return
	}
	for g := range p.remoteWriters {
		if g.Prefix == gp {
			p.removeRemoteEndpoint(g)
		}
	}
	for g := range p.remoteReaders {
		if g.Prefix == gp {
			p.removeRemoteEndpoint(g)
		}
	}
	delete(p.remotes, gp)
	p.metrics.participants.Set(float64(len(p.remotes)))
	p.logger.Info("Participant removed", zap.Stringer("remote", gp),
		zap.String("vendor", vendorName(pp.vid)), zap.String("reason", reason))
}

func (p *Participant) expireLeases(now time.Time) {
	for gp, pp := range p.remotes {
		if pp.leaseDuration == DurationInfinite {
			continue
		}
		if now.Sub(pp.lastSeen) > pp.leaseDuration {
			p.removeParticipant(gp, "lease expired")
		}
	}
}
