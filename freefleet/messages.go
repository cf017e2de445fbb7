// Package freefleet defines the FreeFleetData messages exchanged between
// fleet clients and the fleet server over DDS.
package freefleet

import (
	"time"

	"github.com/webvenky/free-fleet/cdr"
)

const (
	LocationTypeName           = "FreeFleetData::Location"
	DestinationRequestTypeName = "FreeFleetData::DestinationRequest"

	// DestinationRequestTopic is the topic the server listens on for
	// destination requests.
	DestinationRequestTopic = "destination_request"

	// DefaultLevelName is the map level used by the test utilities.
	DefaultLevelName = "B1"
)

// Location is a stamped pose on a named map level.
type Location struct {
	Sec       int32
	Nanosec   uint32
	X         float32
	Y         float32
	Yaw       float32
	LevelName string
}

// NewLocation returns a Location stamped with t.
func NewLocation(t time.Time, x, y, yaw float32, level string) Location {
	return Location{
		Sec:       int32(t.Unix()),
		Nanosec:   uint32(t.Nanosecond()),
		X:         x,
		Y:         y,
		Yaw:       yaw,
		LevelName: level,
	}
}

func (m *Location) TypeName() string { return LocationTypeName }

// Time returns the stamp as a time.Time.
func (m *Location) Time() time.Time {
	return time.Unix(int64(m.Sec), int64(m.Nanosec))
}

func (m *Location) MarshalCDR(e *cdr.Encoder) error {
	e.WriteInt32(m.Sec)
	e.WriteUint32(m.Nanosec)
	e.WriteFloat32(m.X)
	e.WriteFloat32(m.Y)
	e.WriteFloat32(m.Yaw)
	e.WriteString(m.LevelName)
	return nil
}

func (m *Location) UnmarshalCDR(d *cdr.Decoder) error {
	var err error
	if m.Sec, err = d.ReadInt32(); err != nil {
		return err
	}
	if m.Nanosec, err = d.ReadUint32(); err != nil {
		return err
	}
	if m.X, err = d.ReadFloat32(); err != nil {
		return err
	}
	if m.Y, err = d.ReadFloat32(); err != nil {
		return err
	}
	if m.Yaw, err = d.ReadFloat32(); err != nil {
		return err
	}
	m.LevelName, err = d.ReadString()
	return err
}

// DestinationRequest asks a robot to move to a location as part of a task.
type DestinationRequest struct {
	TaskID   string
	Location Location
}

func (m *DestinationRequest) TypeName() string { return DestinationRequestTypeName }

func (m *DestinationRequest) MarshalCDR(e *cdr.Encoder) error {
	e.WriteString(m.TaskID)
	return m.Location.MarshalCDR(e)
}

func (m *DestinationRequest) UnmarshalCDR(d *cdr.Decoder) error {
	var err error
	if m.TaskID, err = d.ReadString(); err != nil {
		return err
	}
	return m.Location.UnmarshalCDR(d)
}
