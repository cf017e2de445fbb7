package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewFormats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{format: FormatLogfmt, want: []string{`level=info`, `msg="Writer created"`, `topic=destination_request`}},
		// a bytes.Buffer is not a terminal
		{format: FormatAuto, want: []string{`level=info`, `topic=destination_request`}},
		{format: FormatJSON, want: []string{`"level":"info"`, `"msg":"Writer created"`, `"topic":"destination_request"`}},
		{format: FormatConsole, want: []string{"info", "Writer created", `{"topic": "destination_request"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := NewConfig()
			cfg.Format = tt.format
			log, err := New(&buf, cfg)
			require.NoError(t, err)

			log.Info("Writer created", zap.String("topic", "destination_request"))
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}

func TestNewUnknownFormat(t *testing.T) {
	cfg := NewConfig()
	cfg.Format = "xml"
	_, err := New(&bytes.Buffer{}, cfg)
	require.Error(t, err)
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Config{Format: FormatLogfmt, Level: zapcore.WarnLevel})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestTimeIsUTC(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Config{Format: FormatJSON, Level: zapcore.InfoLevel})
	require.NoError(t, err)

	log.Info("stamped", zap.Duration("poll", 20*time.Millisecond))
	assert.Regexp(t, `"ts":"\d{4}-\d\d-\d\dT\d\d:\d\d:\d\dZ"`, buf.String())
	assert.Contains(t, buf.String(), `"poll":"20ms"`)
}
