package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webvenky/free-fleet/cdr"
	"github.com/webvenky/free-fleet/freefleet"
	"github.com/webvenky/free-fleet/rtps"
)

func TestParseArgs(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 500, time.UTC)
	tests := []struct {
		name    string
		args    []string
		want    *freefleet.DestinationRequest
		wantErr bool
	}{
		{
			name: "coordinates and task",
			args: []string{"1.5", "-2", "0.25", "task-42"},
			want: &freefleet.DestinationRequest{
				TaskID:   "task-42",
				Location: freefleet.Location{Sec: int32(now.Unix()), Nanosec: 500, X: 1.5, Y: -2, Yaw: 0.25, LevelName: "B1"},
			},
		},
		{
			name: "extra arguments ignored",
			args: []string{"0.0", "0.0", "0.0", "t", "extra"},
			want: &freefleet.DestinationRequest{
				TaskID:   "t",
				Location: freefleet.Location{Sec: int32(now.Unix()), Nanosec: 500, LevelName: "B1"},
			},
		},
		{name: "too few", args: []string{"0.0", "0.0", "0.0"}, wantErr: true},
		{name: "not a number", args: []string{"0.0", "north", "0.0", "t"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args, freefleet.DefaultLevelName, now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDomainID(t *testing.T) {
	assert.Equal(t, rtps.DomainDefault, domainID(-1))
	assert.Equal(t, uint32(0), domainID(0))
	assert.Equal(t, uint32(42), domainID(42))
}

func TestUsage(t *testing.T) {
	cmd, err := newCommand(context.Background(), viper.New(), &bytes.Buffer{})
	require.NoError(t, err)
	cmd.SetArgs([]string{"0.0", "0.0", "0.0"})
	err = cmd.Execute()
	require.True(t, errors.Is(err, errUsage), "got %v", err)

	var buf bytes.Buffer
	printUsage(&buf)
	assert.Contains(t, buf.String(), "For example, <exec> 0.0 0.0 0.0 <task_id>")
}

func TestBadCoordinateFailsBeforeNetworking(t *testing.T) {
	var logs bytes.Buffer
	cmd, err := newCommand(context.Background(), viper.New(), &logs)
	require.NoError(t, err)
	cmd.SetArgs([]string{"x", "0", "0", "task"})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid x coordinate")
	assert.Empty(t, logs.String())
}

func TestEnvConfiguresOptions(t *testing.T) {
	t.Setenv("FF_PUB_DESTINATION_REQUEST_DOMAIN", "500")
	t.Setenv("FF_PUB_DESTINATION_REQUEST_LOG_FORMAT", "json")

	var logs bytes.Buffer
	cmd, err := newCommand(context.Background(), viper.New(), &logs)
	require.NoError(t, err)
	cmd.SetArgs([]string{"0", "0", "0", "task"})

	// domain 500 is rejected before any socket is opened
	err = cmd.Execute()
	require.True(t, errors.Is(err, errReported), "got %v", err)
	assert.Contains(t, logs.String(), `"msg":"Publishing destination request failed"`)
	assert.Contains(t, logs.String(), "create participant")
}

// newListener subscribes to destination requests on net and returns the
// decoded samples.
func newListener(t *testing.T, net *rtps.MemoryNetwork) <-chan freefleet.DestinationRequest {
	t.Helper()
	p, err := rtps.NewParticipant(rtps.NewConfig(), net.Option())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	topic, err := p.CreateTopic(freefleet.DestinationRequestTopic, freefleet.DestinationRequestTypeName)
	require.NoError(t, err)
	got := make(chan freefleet.DestinationRequest, 1)
	_, err = p.CreateReader(topic, rtps.DefaultReaderQoS(), func(_ rtps.SampleInfo, b []byte) {
		var req freefleet.DestinationRequest
		if cdr.Unmarshal(b, &req) == nil {
			got <- req
		}
	})
	require.NoError(t, err)
	return got
}

func receive(t *testing.T, got <-chan freefleet.DestinationRequest) freefleet.DestinationRequest {
	t.Helper()
	select {
	case req := <-got:
		return req
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no destination request received")
		return freefleet.DestinationRequest{}
	}
}

func TestPublish(t *testing.T) {
	net := rtps.NewMemoryNetwork()
	got := newListener(t, net)
	metrics := filepath.Join(t.TempDir(), "metrics.prom")

	var logs bytes.Buffer
	cmd, err := newCommand(context.Background(), viper.New(), &logs, net.Option())
	require.NoError(t, err)
	cmd.SetArgs([]string{"-1.5", "-2", "-0.25", "task-7", "--level-name", "L3", "--metrics-path", metrics})
	require.NoError(t, cmd.Execute(), logs.String())

	req := receive(t, got)
	assert.Equal(t, "task-7", req.TaskID)
	assert.Equal(t, float32(-1.5), req.Location.X)
	assert.Equal(t, float32(-2), req.Location.Y)
	assert.Equal(t, float32(-0.25), req.Location.Yaw)
	assert.Equal(t, "L3", req.Location.LevelName)
	assert.WithinDuration(t, time.Now(), req.Location.Time(), time.Minute)

	assert.Contains(t, logs.String(), "Waiting for a reader to be discovered")
	assert.Contains(t, logs.String(), "level_name=L3")
	assert.Contains(t, logs.String(), "Participant closed")

	b, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(b), `rtps_participant_samples_written_total{topic="destination_request"} 1`)
	assert.Contains(t, string(b), "rtps_participant_packets_sent_total")
}

func TestMatchTimeout(t *testing.T) {
	net := rtps.NewMemoryNetwork()
	metrics := filepath.Join(t.TempDir(), "metrics.prom")

	var logs bytes.Buffer
	cmd, err := newCommand(context.Background(), viper.New(), &logs, net.Option())
	require.NoError(t, err)
	cmd.SetArgs([]string{"--match-timeout", "50ms", "--metrics-path", metrics, "0", "0", "0", "task"})

	err = cmd.Execute()
	require.True(t, errors.Is(err, errReported), "got %v", err)
	assert.Contains(t, logs.String(), "wait for reader: context deadline exceeded")
	assert.Contains(t, logs.String(), "Participant closed")

	// metrics are written even when publishing fails
	b, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(b), "rtps_participant_packets_sent_total")
	assert.NotContains(t, string(b), "samples_written_total{")
}

func TestPublishCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var logs bytes.Buffer
	cmd, err := newCommand(ctx, viper.New(), &logs, rtps.NewMemoryNetwork().Option())
	require.NoError(t, err)
	cmd.SetArgs([]string{"1", "2", "3", "task"})

	err = cmd.Execute()
	require.True(t, errors.Is(err, errReported), "got %v", err)
	assert.Contains(t, logs.String(), "context canceled")
}
