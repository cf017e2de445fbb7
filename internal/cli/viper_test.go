package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type testOpts struct {
	topic    string
	domain   int
	verbose  bool
	poll     time.Duration
	logLevel zapcore.Level
	args     []string
}

func newTestProgram(o *testOpts) *Program {
	return &Program{
		Name: "ff-test",
		Args: cobra.ArbitraryArgs,
		Run: func(args []string) error {
			o.args = args
			return nil
		},
		Opts: []Opt{
			NewOpt(&o.topic, "topic", "destination_request", "topic name"),
			NewOpt(&o.domain, "domain", -1, "domain id"),
			NewOpt(&o.verbose, "verbose", false, "verbose"),
			NewOpt(&o.poll, "poll-interval", 20*time.Millisecond, "poll interval"),
			NewOpt(&o.logLevel, "log-level", zapcore.InfoLevel, "log level"),
		},
	}
}

func execute(t *testing.T, o *testOpts, args ...string) {
	t.Helper()
	cmd, err := NewCommand(viper.New(), newTestProgram(o))
	require.NoError(t, err)
	// a nil slice would make cobra parse the test binary's arguments
	cmd.SetArgs(append([]string{}, args...))
	require.NoError(t, cmd.Execute())
}

func TestDefaults(t *testing.T) {
	var o testOpts
	execute(t, &o, "1.0", "2.0")

	assert.Equal(t, "destination_request", o.topic)
	assert.Equal(t, -1, o.domain)
	assert.False(t, o.verbose)
	assert.Equal(t, 20*time.Millisecond, o.poll)
	assert.Equal(t, zapcore.InfoLevel, o.logLevel)
	assert.Equal(t, []string{"1.0", "2.0"}, o.args)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("FF_TEST_TOPIC", "from_env")
	t.Setenv("FF_TEST_POLL_INTERVAL", "1s")
	t.Setenv("FF_TEST_LOG_LEVEL", "warn")

	var o testOpts
	execute(t, &o, "--topic", "from_flag", "--domain", "7")

	assert.Equal(t, "from_flag", o.topic)
	assert.Equal(t, 7, o.domain)
	assert.Equal(t, time.Second, o.poll)
	assert.Equal(t, zapcore.WarnLevel, o.logLevel)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topic: from_file\ndomain: 3\nlog-level: debug\n"), 0o600))
	t.Setenv("FF_TEST_CONFIG_PATH", path)
	t.Setenv("FF_TEST_DOMAIN", "5")

	var o testOpts
	execute(t, &o)

	assert.Equal(t, "from_file", o.topic)
	assert.Equal(t, 5, o.domain)
	assert.Equal(t, zapcore.DebugLevel, o.logLevel)
}

func TestMissingConfigFile(t *testing.T) {
	t.Setenv("FF_TEST_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	var o testOpts
	_, err := NewCommand(viper.New(), newTestProgram(&o))
	require.Error(t, err)
}

func TestBadLevelFromEnv(t *testing.T) {
	t.Setenv("FF_TEST_LOG_LEVEL", "loud")
	var o testOpts
	_, err := NewCommand(viper.New(), newTestProgram(&o))
	require.Error(t, err)
}

func TestLevelFlag(t *testing.T) {
	var o testOpts
	execute(t, &o, "--log-level", "error")
	assert.Equal(t, zapcore.ErrorLevel, o.logLevel)

	cmd, err := NewCommand(viper.New(), newTestProgram(&o))
	require.NoError(t, err)
	cmd.SetArgs([]string{"--log-level", "loud"})
	require.Error(t, cmd.Execute())
}

func TestSplitArgs(t *testing.T) {
	var o testOpts
	cmd, err := NewCommand(viper.New(), newTestProgram(&o))
	require.NoError(t, err)

	tests := []struct {
		name       string
		args       []string
		flags      []string
		positional []string
	}{
		{
			name:       "negative numbers",
			args:       []string{"-1.5", "-2", "0.25", "t"},
			positional: []string{"-1.5", "-2", "0.25", "t"},
		},
		{
			name:       "flag value is not positional",
			args:       []string{"--domain", "-1", "-3", "--topic=x", "t"},
			flags:      []string{"--domain", "-1", "--topic=x"},
			positional: []string{"-3", "t"},
		},
		{
			name:       "bool flag takes no value",
			args:       []string{"--verbose", "-4", "t"},
			flags:      []string{"--verbose"},
			positional: []string{"-4", "t"},
		},
		{
			name:       "double dash",
			args:       []string{"1", "--", "--topic"},
			positional: []string{"1", "--topic"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags, positional := splitArgs(cmd.Flags(), tt.args)
			assert.Equal(t, tt.flags, flags)
			assert.Equal(t, tt.positional, positional)
		})
	}
}

func TestNumericArgs(t *testing.T) {
	var o testOpts
	p := newTestProgram(&o)
	p.NumericArgs = true
	p.Args = cobra.MinimumNArgs(4)
	cmd, err := NewCommand(viper.New(), p)
	require.NoError(t, err)
	cmd.SetArgs([]string{"-1.5", "-2", "--domain", "-1", "-0.25", "t", "--topic", "from_flag"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, []string{"-1.5", "-2", "-0.25", "t"}, o.args)
	assert.Equal(t, -1, o.domain)
	assert.Equal(t, "from_flag", o.topic)

	cmd, err = NewCommand(viper.New(), p)
	require.NoError(t, err)
	cmd.SetArgs([]string{"-1.5", "-2", "t"})
	require.Error(t, cmd.Execute(), "too few positionals")

	cmd, err = NewCommand(viper.New(), p)
	require.NoError(t, err)
	cmd.SetArgs([]string{"-x", "1", "2", "3", "t"})
	require.Error(t, cmd.Execute(), "unknown shorthand")
}
