package freefleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webvenky/free-fleet/cdr"
)

func TestDestinationRequestWireLayout(t *testing.T) {
	msg := &DestinationRequest{
		TaskID: "t1",
		Location: Location{
			Sec:       123,
			Nanosec:   123,
			X:         1,
			Y:         -2,
			Yaw:       0.5,
			LevelName: "B1",
		},
	}

	b, err := cdr.Marshal(msg)
	require.NoError(t, err)

	want := []byte{
		// CDR_LE
		0x00, 0x01, 0x00, 0x00,
		// task_id
		3, 0, 0, 0, 't', '1', 0,
		// pad
		0,
		// sec
		123, 0, 0, 0,
		// nanosec
		123, 0, 0, 0,
		// x = 1
		0x00, 0x00, 0x80, 0x3f,
		// y = -2
		0x00, 0x00, 0x00, 0xc0,
		// yaw = 0.5
		0x00, 0x00, 0x00, 0x3f,
		// level_name
		3, 0, 0, 0, 'B', '1', 0,
	}
	assert.Equal(t, want, b)

	var out DestinationRequest
	require.NoError(t, cdr.Unmarshal(b, &out))
	assert.Equal(t, *msg, out)
}

func TestDestinationRequestTruncated(t *testing.T) {
	b, err := cdr.Marshal(&DestinationRequest{TaskID: "abc", Location: Location{LevelName: "L1"}})
	require.NoError(t, err)

	var out DestinationRequest
	assert.Error(t, cdr.Unmarshal(b[:len(b)-3], &out))
}

func TestNewLocationStamp(t *testing.T) {
	ts := time.Unix(1580000000, 250)
	loc := NewLocation(ts, 1, 2, 3, DefaultLevelName)

	assert.Equal(t, int32(1580000000), loc.Sec)
	assert.Equal(t, uint32(250), loc.Nanosec)
	assert.True(t, loc.Time().Equal(ts))
	assert.Equal(t, "B1", loc.LevelName)
	assert.Equal(t, LocationTypeName, loc.TypeName())
}
