// Command ff-test-dds-pub-destination-request publishes a single
// destination request to the fleet server and exits.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/webvenky/free-fleet/freefleet"
	"github.com/webvenky/free-fleet/internal/cli"
	"github.com/webvenky/free-fleet/internal/logger"
	"github.com/webvenky/free-fleet/rtps"
)

const (
	name      = "ff-test-dds-pub-destination-request"
	envPrefix = "FF_PUB_DESTINATION_REQUEST"
)

var (
	errUsage    = errors.New("missing destination coordinates or task id")
	errReported = errors.New("publishing failed")
)

type options struct {
	domain         int
	topic          string
	levelName      string
	iface          string
	pollInterval   time.Duration
	matchTimeout   time.Duration
	announcePeriod time.Duration
	metricsPath    string
	log            logger.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := newCommand(ctx, viper.New(), os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		switch {
		case errors.Is(err, errUsage):
			printUsage(os.Stdout)
		case errors.Is(err, errReported):
		default:
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Please select the destination coordinates and task ID for the request after the executable, ")
	fmt.Fprintln(w, "For example, <exec> 0.0 0.0 0.0 <task_id>")
}

// newCommand builds the command; opts are passed on to the participant.
func newCommand(ctx context.Context, v *viper.Viper, logOut io.Writer, opts ...rtps.Option) (*cobra.Command, error) {
	o := options{log: logger.NewConfig()}
	prog := &cli.Program{
		Name:        name,
		EnvPrefix:   envPrefix,
		Usage:       "<x> <y> <yaw> <task_id>",
		NumericArgs: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) < 4 {
				return errUsage
			}
			return nil
		},
		Run: func(args []string) error {
			req, err := parseArgs(args, o.levelName, time.Now())
			if err != nil {
				return err
			}
			log, err := logger.New(logOut, o.log)
			if err != nil {
				return err
			}
			defer log.Sync()

			if err := publish(ctx, log, o, req, opts...); err != nil {
				log.Error("Publishing destination request failed", zap.Error(err))
				return errReported
			}
			return nil
		},
		Opts: []cli.Opt{
			cli.NewOpt(&o.domain, "domain", -1, "DDS domain id, -1 selects the default domain"),
			cli.NewOpt(&o.topic, "topic", freefleet.DestinationRequestTopic, "topic to publish the request on"),
			cli.NewOpt(&o.levelName, "level-name", freefleet.DefaultLevelName, "map level of the destination"),
			cli.NewOpt(&o.iface, "interface", "", "network interface to use, empty picks the first multicast capable one"),
			cli.NewOpt(&o.pollInterval, "poll-interval", rtps.DefaultPollInterval, "how often to check for a matched reader"),
			cli.NewOpt(&o.matchTimeout, "match-timeout", time.Duration(0), "give up waiting for a reader after this long, 0 waits forever"),
			cli.NewOpt(&o.announcePeriod, "announce-period", rtps.DefaultAnnouncePeriod, "participant discovery announcement period"),
			cli.NewOpt(&o.metricsPath, "metrics-path", "", "write protocol metrics in text format to this file before exiting"),
			cli.NewOpt(&o.log.Level, "log-level", o.log.Level, "supported log levels are debug, info, warn and error"),
			cli.NewOpt(&o.log.Format, "log-format", o.log.Format, "log output format: auto, console, logfmt or json"),
		},
	}
	return cli.NewCommand(v, prog)
}

// parseArgs builds the request from <x> <y> <yaw> <task_id>. Extra
// arguments are ignored.
func parseArgs(args []string, level string, now time.Time) (*freefleet.DestinationRequest, error) {
	if len(args) < 4 {
		return nil, errUsage
	}
	var coords [3]float32
	for i, field := range []string{"x", "y", "yaw"} {
		f, err := strconv.ParseFloat(args[i], 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s coordinate %q", field, args[i])
		}
		coords[i] = float32(f)
	}
	return &freefleet.DestinationRequest{
		TaskID:   args[3],
		Location: freefleet.NewLocation(now, coords[0], coords[1], coords[2], level),
	}, nil
}

func domainID(d int) uint32 {
	if d < 0 {
		return rtps.DomainDefault
	}
	return uint32(d)
}

// publish waits for a reader of the topic and writes req to it once.
func publish(ctx context.Context, log *zap.Logger, o options, req *freefleet.DestinationRequest, opts ...rtps.Option) (err error) {
	cfg := rtps.NewConfig()
	cfg.DomainID = domainID(o.domain)
	cfg.Interface = o.iface
	cfg.AnnouncePeriod = o.announcePeriod

	p, err := rtps.NewParticipant(cfg, append([]rtps.Option{rtps.WithLogger(log)}, opts...)...)
	if err != nil {
		return errors.Wrap(err, "create participant")
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(p.PrometheusCollectors()...)
	defer func() {
		// closing the participant deletes the topic and the writer
		err = multierr.Append(err, errors.Wrap(p.Close(), "delete participant"))
		if o.metricsPath != "" {
			err = multierr.Append(err, errors.Wrap(prometheus.WriteToTextfile(o.metricsPath, reg), "write metrics"))
		}
	}()

	topic, err := p.CreateTopic(o.topic, freefleet.DestinationRequestTypeName)
	if err != nil {
		return errors.Wrap(err, "create topic")
	}
	qos := rtps.DefaultWriterQoS()
	qos.Reliability = rtps.BestEffort
	w, err := p.CreateWriter(topic, qos)
	if err != nil {
		return errors.Wrap(err, "create writer")
	}
	if err := w.SetStatusMask(rtps.PublicationMatchedStatus); err != nil {
		return errors.Wrap(err, "set status mask")
	}

	log.Info("Waiting for a reader to be discovered", zap.String("topic", o.topic))
	waitCtx := ctx
	if o.matchTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.matchTimeout)
		defer cancel()
	}
	if err := w.WaitForMatch(waitCtx, o.pollInterval); err != nil {
		return errors.Wrap(err, "wait for reader")
	}

	log.Info("Writing destination request",
		zap.String("task_id", req.TaskID),
		zap.String("level_name", req.Location.LevelName),
		zap.Float32("x", req.Location.X),
		zap.Float32("y", req.Location.Y),
		zap.Float32("yaw", req.Location.Yaw))
	if err := w.Write(req); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}
