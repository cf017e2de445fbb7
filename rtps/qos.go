package rtps

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"
)

// ReliabilityKind values as sent on the wire.
type ReliabilityKind uint32

const (
	BestEffort ReliabilityKind = 1
	Reliable   ReliabilityKind = 2
)

func (k ReliabilityKind) String() string {
	switch k {
	case BestEffort:
		return "best-effort"
	case Reliable:
		return "reliable"
	}
	return "unknown"
}

type DurabilityKind uint32

const (
	Volatile DurabilityKind = iota
	TransientLocal
	Transient
	Persistent
)

type HistoryKind uint32

const (
	KeepLast HistoryKind = iota
	KeepAll
)

// QoS is the subset of DDS endpoint policies that take part in matching.
type QoS struct {
	Reliability     ReliabilityKind
	MaxBlockingTime time.Duration
	Durability      DurabilityKind
	History         HistoryKind
	Depth           int
}

// DefaultWriterQoS matches the DDS defaults for a DataWriter.
func DefaultWriterQoS() QoS {
	return QoS{
		Reliability:     Reliable,
		MaxBlockingTime: 100 * time.Millisecond,
		Durability:      Volatile,
		History:         KeepLast,
		Depth:           1,
	}
}

// DefaultReaderQoS matches the DDS defaults for a DataReader.
func DefaultReaderQoS() QoS {
	return QoS{
		Reliability: BestEffort,
		Durability:  Volatile,
		History:     KeepLast,
		Depth:       1,
	}
}

// Policy names reported in incompatible QoS statuses.
const (
	PolicyReliability = "reliability"
	PolicyDurability  = "durability"
)

// compatible checks offered (writer) against requested (reader) QoS and
// returns the first offending policy.
func compatible(offered, requested QoS) (bool, string) {
	if offered.Reliability < requested.Reliability {
		return false, PolicyReliability
	}
	if offered.Durability < requested.Durability {
		return false, PolicyDurability
	}
	return true, ""
}

func (q QoS) keepsHistory() bool {
	return q.Reliability == Reliable || q.Durability >= TransientLocal
}

type qosReliability struct {
	kind            ReliabilityKind
	maxBlockingTime time.Duration
}

func newQosReliabilityFromBytes(bin binary.ByteOrder, b []byte) (qosReliability, error) {
	if len(b) < 4+8 {
		return qosReliability{}, io.EOF
	}
	dur, err := durationFromBytes(bin, b[4:])
	if err != nil {
		return qosReliability{}, err
	}
	return qosReliability{
		kind:            ReliabilityKind(bin.Uint32(b[0:])),
		maxBlockingTime: dur,
	}, nil
}

func (r *qosReliability) bytes() []byte {
	var buf bytes.Buffer
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(r.kind))
	buf.Write(b)
	buf.Write(durationToBytes(r.maxBlockingTime, binary.LittleEndian))
	return buf.Bytes()
}

type qosHistory struct {
	kind  HistoryKind
	depth int32
}

func newQosHistoryFromBytes(bin binary.ByteOrder, b []byte) (qosHistory, error) {
	if len(b) < 4+4 {
		return qosHistory{}, io.EOF
	}
	return qosHistory{
		kind:  HistoryKind(bin.Uint32(b[0:])),
		depth: int32(bin.Uint32(b[4:])),
	}, nil
}

func (h *qosHistory) bytes() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b, uint32(h.kind))
	binary.LittleEndian.PutUint32(b[4:], uint32(h.depth))
	return b
}

// qosParams encodes q as parameter list items.
func qosParams(q QoS) []paramListItem {
	rel := qosReliability{kind: q.Reliability, maxBlockingTime: q.MaxBlockingTime}
	hist := qosHistory{kind: q.History, depth: int32(q.Depth)}
	return []paramListItem{
		{pid: pidReliability, value: rel.bytes()},
		{pid: pidDurability, value: packParamUint32(binary.LittleEndian, uint32(q.Durability))},
		{pid: pidHistory, value: hist.bytes()},
	}
}

// applyQoSParam updates q from p and reports whether p was a QoS policy.
func applyQoSParam(q *QoS, bin binary.ByteOrder, p paramListItem) bool {
	switch p.pid {
	case pidReliability:
		if rel, err := newQosReliabilityFromBytes(bin, p.value); err == nil {
			q.Reliability = rel.kind
			q.MaxBlockingTime = rel.maxBlockingTime
		}
	case pidDurability:
		if len(p.value) >= 4 {
			q.Durability = DurabilityKind(bin.Uint32(p.value))
		}
	case pidHistory:
		if hist, err := newQosHistoryFromBytes(bin, p.value); err == nil {
			q.History = hist.kind
			q.Depth = int(hist.depth)
		}
	default:
		return false
	}
	return true
}
