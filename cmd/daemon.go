package cmd

import (
	"github.com/sloonz/ushelf/config"
	"github.com/sloonz/ushelf/lib"
	"github.com/sloonz/ushelf/metrics"
	"github.com/sloonz/ushelf/schedule"

	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
)

var daemonLog = logrus.WithFields(logrus.Fields{"component": "daemon"})

// Log supervisor events with logrus
func supervisorEventHook(e suture.Event) {
	switch e := e.(type) {
	case suture.EventServicePanic:
		daemonLog.WithFields(logrus.Fields{"service": e.ServiceName}).Errorf("service panicked: %s", e.PanicMsg)
	case suture.EventServiceTerminate:
		daemonLog.WithFields(logrus.Fields{"service": e.ServiceName}).Warnf("service terminated: %v", e.Err)
	case suture.EventBackoff:
		daemonLog.WithFields(logrus.Fields{"supervisor": e.SupervisorName}).Warn("too many failures, backing off")
	case suture.EventResume:
		daemonLog.WithFields(logrus.Fields{"supervisor": e.SupervisorName}).Info("resuming")
	case suture.EventStopTimeout:
		daemonLog.WithFields(logrus.Fields{"service": e.ServiceName}).Warn("service did not stop in time")
	}
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	// --log-level wins over the configuration file
	if logLevel == "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logrus.Fatal(err)
		}
		logrus.SetLevel(level)
	}
}

// One job per configured library
func buildJobs(cfg *config.Config) ([]schedule.Job, []*optionsBuilder) {
	var jobs []schedule.Job
	var builders []*optionsBuilder
	for i := range cfg.Libraries {
		l := &cfg.Libraries[i]

		direction, err := ushelf.ParseDirection(l.Direction)
		if err != nil {
			logrus.Fatal(err)
		}

		libOpts := newOptionsBuilder(ushelf.EvalOptions(cfg.LibraryOptions(l), presets)).WithLibrary().FatalOnError()
		backendOpts := newOptionsBuilder(ushelf.EvalOptions(l.BackendOptions(), presets))
		e, backendOpts := buildEngine(libOpts.Library, backendOpts, direction)

		jobs = append(jobs, schedule.Job{Engine: e, Direction: direction})
		builders = append(builders, backendOpts)
	}
	return jobs, builders
}

var (
	cmdDaemonConfig string
	cmdDaemonOnce   bool
	cmdDaemon       = &cobra.Command{
		Use:   "daemon",
		Short: "Periodically sync every library of the configuration file",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(cmdDaemonConfig)
			if err != nil {
				logrus.Fatal(err)
			}
			setupLogging(cfg)

			jobs, builders := buildJobs(cfg)
			defer func() {
				for _, b := range builders {
					b.Close()
				}
			}()

			ctx, cancel := signalContext()
			defer cancel()

			runner := schedule.New(jobs, cfg.Interval)

			if cmdDaemonOnce {
				runner.Tick(ctx)
				return
			}

			supervisor := suture.New("ushelf", suture.Spec{
				EventHook:      supervisorEventHook,
				FailureBackoff: 15 * time.Second,
				Timeout:        time.Minute,
			})
			supervisor.Add(runner)
			if cfg.MetricsListen != "" {
				supervisor.Add(metrics.NewServer(cfg.MetricsListen))
			}

			daemonLog.WithFields(logrus.Fields{"libraries": len(jobs), "interval": cfg.Interval}).Info("starting")
			if err := supervisor.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logrus.Fatal(err)
			}
			daemonLog.Info("stopped")
		},
	}
)

func init() {
	cmdDaemon.Flags().StringVarP(&cmdDaemonConfig, "config", "c", "", "configuration file (default: ushelf.yaml, then /etc/ushelf/ushelf.yaml)")
	cmdDaemon.Flags().BoolVarP(&cmdDaemonOnce, "once", "1", false, "sync every library once and exit")
}
