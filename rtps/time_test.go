package rtps

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeRoundtrip(t *testing.T) {
	cases := []struct{ t time.Time }{
		{time.Unix(1451457191, 226962928)}, // arbitrary point in time
		{time.Unix(0, 0)},
		{time.Unix(1700000000, 999999999)},
	}

	for _, c := range cases {
		for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
			b := timeToBytes(c.t, order)

			tout, err := timeFromBytes(order, b)
			require.NoError(t, err)
			assert.True(t, tout.Equal(c.t), "time roundtrip mismatch. got %v, want %v", tout, c.t)
		}
	}
}

func TestTimeFraction(t *testing.T) {
	// half a second is 2^31 in 2^-32 units
	b := timeToBytes(time.Unix(10, 500000000), binary.LittleEndian)
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(b[0:]))
	assert.Equal(t, uint32(1<<31), binary.LittleEndian.Uint32(b[4:]))

	_, err := timeFromBytes(binary.LittleEndian, b[:7])
	assert.Error(t, err)
}

func TestDurationRoundtrip(t *testing.T) {
	cases := []struct{ d time.Duration }{
		{time.Duration(1451457191)}, // arbitrary duration
		{100 * time.Millisecond},
		{100 * time.Second},
		{0},
		{DurationInfinite},
	}

	for _, c := range cases {
		b := durationToBytes(c.d, binary.LittleEndian)

		dout, err := durationFromBytes(binary.LittleEndian, b)
		require.NoError(t, err)
		assert.Equal(t, c.d, dout)
	}
}

func TestDurationInfiniteEncoding(t *testing.T) {
	b := durationToBytes(DurationInfinite, binary.LittleEndian)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0x7f, 0xff, 0xff, 0xff, 0xff}, b)

	b = durationToBytes(-time.Second, binary.LittleEndian)
	d, err := durationFromBytes(binary.LittleEndian, b)
	require.NoError(t, err)
	assert.Equal(t, DurationInfinite, d)
}
