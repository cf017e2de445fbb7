package rtps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompatible(t *testing.T) {
	qos := func(r ReliabilityKind, d DurabilityKind) QoS {
		return QoS{Reliability: r, Durability: d}
	}
	tests := []struct {
		name      string
		offered   QoS
		requested QoS
		ok        bool
		policy    string
	}{
		{"same", qos(BestEffort, Volatile), qos(BestEffort, Volatile), true, ""},
		{"reliable offered to best effort", qos(Reliable, Volatile), qos(BestEffort, Volatile), true, ""},
		{"best effort offered to reliable", qos(BestEffort, Volatile), qos(Reliable, Volatile), false, PolicyReliability},
		{"transient offered to volatile", qos(Reliable, TransientLocal), qos(Reliable, Volatile), true, ""},
		{"volatile offered to transient", qos(Reliable, Volatile), qos(Reliable, TransientLocal), false, PolicyDurability},
		{"reliability checked first", qos(BestEffort, Volatile), qos(Reliable, Persistent), false, PolicyReliability},
		{"publisher default to reader default", DefaultWriterQoS(), DefaultReaderQoS(), true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, policy := compatible(tt.offered, tt.requested)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.policy, policy)
		})
	}
}

func TestKeepsHistory(t *testing.T) {
	assert.True(t, DefaultWriterQoS().keepsHistory())
	assert.False(t, QoS{Reliability: BestEffort}.keepsHistory())
	assert.True(t, QoS{Reliability: BestEffort, Durability: TransientLocal}.keepsHistory())
}
