package rtps

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamString(t *testing.T) {
	cases := []struct{ s string }{
		{"i am a test"},
		{"test"}, // already aligned
		{""},     // empty
	}

	order := binary.LittleEndian

	for i, c := range cases {
		pstr := paramListItem{
			pid:   0x123, // don't care
			value: packParamString(order, c.s),
		}
		assert.Zero(t, len(pstr.value)&0x3, "[%d] packed str len not 32-bit aligned", i)
		strout, err := pstr.valToString(order)
		require.NoError(t, err)
		assert.Equal(t, c.s, strout, "[%d] str mismatch", i)
	}
}

func TestParamList(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range []paramListItem{
		{pid: pidTopicName, value: packParamString(binary.LittleEndian, "destination_request")},
		{pid: pidPad, value: []byte{0, 0, 0, 0}},
		{pid: pidDomainID, value: packParamUint32(binary.LittleEndian, 7)},
		{pid: pidProtocolVersion, value: []byte{2, 1}}, // padded to 4
		{pid: pidSentinel},
	} {
		p.writeTo(&buf)
	}
	buf.Write([]byte{0xde, 0xad}) // trailing bytes are not ours

	plist, n, err := newParamList(binary.LittleEndian, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, buf.Len()-2, n)
	require.Len(t, plist, 3)
	assert.Equal(t, paramID(pidTopicName), plist[0].pid)
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(plist[1].value))
	assert.Equal(t, []byte{2, 1, 0, 0}, plist[2].value)

	_, _, err = newParamList(binary.LittleEndian, buf.Bytes()[:8])
	assert.Error(t, err, "no sentinel")
}

func TestSeqNumSet(t *testing.T) {
	set := newSeqNumSet(5, 40)
	require.True(t, set.Valid())
	assert.Equal(t, 2, set.BitMapWords())
	assert.Equal(t, SeqNum(44), set.Last())

	assert.True(t, set.set(5))
	assert.True(t, set.set(38))
	assert.False(t, set.set(4))
	assert.False(t, set.set(45))
	// the first sequence number is the most significant bit
	assert.Equal(t, uint32(0x80000000), set.bitmap[0])
	assert.Equal(t, uint32(0x40000000), set.bitmap[1])
	assert.Equal(t, []SeqNum{5, 38}, set.members())

	b := make([]byte, set.encodedLen())
	set.put(b)
	out, n, err := seqNumSetFromBytes(binary.LittleEndian, b)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, set, out)

	assert.Equal(t, uint32(maxSeqNumSetBits), newSeqNumSet(1, 1000).numBits)
	invalid := SeqNumSet{bitmapBase: 0}
	assert.False(t, invalid.Valid())
}

func TestSeqNumEncoding(t *testing.T) {
	b := make([]byte, 8)
	putSeqNum(b, SeqNum(1)<<32|7)
	assert.Equal(t, []byte{1, 0, 0, 0, 7, 0, 0, 0}, b)
	assert.Equal(t, SeqNum(1)<<32|7, seqNumFromBytes(binary.LittleEndian, b))

	be := []byte{0, 0, 0, 0, 0, 0, 0, 9}
	assert.Equal(t, SeqNum(9), seqNumFromBytes(binary.BigEndian, be))
}

func TestHeaderRoundtrip(t *testing.T) {
	gp := newGUIDPrefix()
	var buf bytes.Buffer
	newHeader(gp).writeTo(&buf)
	require.Equal(t, headerLen, buf.Len())
	assert.Equal(t, []byte("RTPS"), buf.Bytes()[:4])
	assert.Equal(t, []byte{2, 1, 0x12, 0x34}, buf.Bytes()[4:8])

	hdr, err := newHeaderFromBytes(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, gp, hdr.guidPrefix)
	assert.Equal(t, MyVendorID, hdr.vid)

	_, err = newHeaderFromBytes(buf.Bytes()[:10])
	assert.Error(t, err)
}

// parseOne writes a submessage with write and parses it back.
func parseOne(t *testing.T, write func(*bytes.Buffer)) *subMsg {
	t.Helper()
	var buf bytes.Buffer
	write(&buf)
	sm, n, err := newSubMsgFromBytes(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, buf.Len(), n)
	require.Zero(t, n%4, "submessages are 32-bit aligned")
	return sm
}

func TestDataRoundtrip(t *testing.T) {
	g := GUID{Prefix: newGUIDPrefix(), Entity: 0x103}
	in := &submsgData{
		readerID:     EntityIDUnknown,
		writerID:     g.Entity,
		writerSeqNum: 42,
		inlineQoS: []paramListItem{
			{pid: pidKeyHash, value: g.Bytes()},
			{pid: pidStatusInfo, value: statusInfoBytes(statusInfoDisposed)},
		},
		payload: []byte{0, 1, 0, 0, 'a', 'b', 'c'},
	}
	sm := parseOne(t, in.writeTo)
	assert.Equal(t, uint8(submsgIDData), sm.hdr.id)
	assert.NotZero(t, sm.hdr.flags&flagDataData)

	out, err := newDataFromSubMsg(sm)
	require.NoError(t, err)
	assert.Equal(t, in.readerID, out.readerID)
	assert.Equal(t, in.writerID, out.writerID)
	assert.Equal(t, in.writerSeqNum, out.writerSeqNum)
	assert.False(t, out.keyOnly)
	assert.Equal(t, in.payload, out.payload)
	assert.Equal(t, uint32(statusInfoDisposed), out.statusInfo())
	key, ok := out.keyHash()
	require.True(t, ok)
	assert.Equal(t, g, key)
}

func TestHeartbeatRoundtrip(t *testing.T) {
	in := &submsgHeartbeat{
		final:       true,
		readerEID:   EntityIDSEDPPubReader,
		writerEID:   EntityIDSEDPPubWriter,
		firstSeqNum: 3,
		lastSeqNum:  SeqNum(1)<<32 + 5,
		count:       9,
	}
	out, err := newHeartbeatFromSubMsg(parseOne(t, in.writeTo))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestAckNackRoundtrip(t *testing.T) {
	set := newSeqNumSet(2, 3)
	set.set(3)
	in := &submsgAckNack{
		final:         true,
		readerEID:     0x107,
		writerEID:     0x103,
		readerSNState: set,
		count:         4,
	}
	out, err := newAckNackFromSubMsg(parseOne(t, in.writeTo))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// an empty set acknowledges everything below the base
	in.readerSNState = newSeqNumSet(8, 0)
	out, err = newAckNackFromSubMsg(parseOne(t, in.writeTo))
	require.NoError(t, err)
	assert.Empty(t, out.readerSNState.members())
	assert.Equal(t, SeqNum(8), out.readerSNState.bitmapBase)
}

func TestGapRoundtrip(t *testing.T) {
	gaps := gapSubmsgs(0x107, 0x103, []SeqNum{2, 3, 4, 7})
	require.Len(t, gaps, 2)
	assert.Equal(t, SeqNum(2), gaps[0].gapStart)
	assert.Equal(t, SeqNum(5), gaps[0].gapList.bitmapBase)
	assert.Equal(t, SeqNum(7), gaps[1].gapStart)
	assert.Equal(t, SeqNum(8), gaps[1].gapList.bitmapBase)

	out, err := newGapFromSubMsg(parseOne(t, gaps[0].writeTo))
	require.NoError(t, err)
	assert.Equal(t, gaps[0], out)
}

func TestSubMsgFromBytes(t *testing.T) {
	t.Run("zero size extends to end", func(t *testing.T) {
		b := []byte{submsgIDData, flagEndian, 0, 0, 1, 2, 3, 4}
		sm, n, err := newSubMsgFromBytes(b)
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.Equal(t, []byte{1, 2, 3, 4}, sm.data)
	})
	t.Run("big endian size", func(t *testing.T) {
		b := []byte{submsgIDInfoDst, 0, 0, 4, 1, 2, 3, 4, 9}
		sm, n, err := newSubMsgFromBytes(b)
		require.NoError(t, err)
		assert.Equal(t, 8, n)
		assert.Equal(t, binary.BigEndian, sm.bin)
	})
	t.Run("truncated", func(t *testing.T) {
		_, _, err := newSubMsgFromBytes([]byte{submsgIDHeartbeat, flagEndian, 28, 0, 1})
		assert.Error(t, err)
	})
	t.Run("short heartbeat", func(t *testing.T) {
		sm, _, err := newSubMsgFromBytes([]byte{submsgIDHeartbeat, flagEndian, 4, 0, 1, 2, 3, 4})
		require.NoError(t, err)
		_, err = newHeartbeatFromSubMsg(sm)
		assert.Error(t, err)
	})
}

func TestParameterPayload(t *testing.T) {
	_, _, err := parameterPayload([]byte{0, 1, 0, 0, 1, 0, 0, 0})
	assert.Error(t, err, "CDR_LE is not a parameter list")

	plist, bin, err := parameterPayload([]byte{0, 3, 0, 0, 1, 0, 0, 0})
	require.NoError(t, err)
	assert.Empty(t, plist)
	assert.Equal(t, binary.LittleEndian, bin)
}

func TestPayloadPadding(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		padded []byte
	}{
		{"aligned", []byte{0, 1, 0, 0, 1, 2, 3, 4}, []byte{0, 1, 0, 0, 1, 2, 3, 4}},
		{"one byte", []byte{0, 1, 0, 0, 'a', 'b', 'c'}, []byte{0, 1, 0, 1, 'a', 'b', 'c', 0}},
		{"two bytes", []byte{0, 1, 0, 0, 'h', 'i'}, []byte{0, 1, 0, 2, 'h', 'i', 0, 0}},
		{"three bytes", []byte{0, 1, 0, 0, 'x'}, []byte{0, 1, 0, 3, 'x', 0, 0, 0}},
		{"header only", []byte{0, 3, 0, 0}, []byte{0, 3, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			padded := padPayload(tt.in)
			assert.Equal(t, tt.padded, padded)
			assert.Equal(t, tt.in, unpadPayload(padded))

			// unpadded on the wire too
			sm := parseOne(t, (&submsgData{writerID: 0x103, writerSeqNum: 1, payload: tt.in}).writeTo)
			out, err := newDataFromSubMsg(sm)
			require.NoError(t, err)
			assert.Equal(t, tt.in, out.payload)
		})
	}
}

func TestUnpadPayloadIgnoresBogusPadding(t *testing.T) {
	// padding larger than the body is left alone
	b := []byte{0, 1, 0, 3, 'a'}
	assert.Equal(t, b, unpadPayload(b))
}
