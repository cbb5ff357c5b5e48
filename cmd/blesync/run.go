package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesync/internal/groutine"
	"github.com/srg/blesync/internal/scanner"
	"github.com/srg/blesync/internal/scheduler"
	"github.com/srg/blesync/internal/session"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Scan for sensors and synchronize them until interrupted",
		Long: `Scan for sensors continuously and synchronize every match, one device at a time.

A device is synchronized again once the resync interval has passed since its last successful
session (the calibration interval applies after a calibration frame). On Ctrl+C scanning stops,
queued devices are drained within drain_timeout, and a summary is printed.`,
		Args: cobra.NoArgs,
		RunE: runGateway,
	}
}

func runGateway(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := newReportPrinter(cmd.ErrOrStderr())
	policy := scheduler.NewResyncPolicy(0, 0)
	gw, err := newGateway(cmd, policy.Admit, func(r session.Report) {
		policy.Record(r)
		printer.Print(r)
	})
	if err != nil {
		return err
	}
	defer gw.Close()
	policy.Interval = gw.cfg.Resync.Interval
	policy.CalibrationInterval = gw.cfg.Resync.CalibrationInterval

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	sc := scanner.New(gw.radio, scanner.Options{
		Window:   gw.cfg.Scan.Window,
		Pause:    gw.cfg.Scan.Pause,
		MatchURL: gw.cfg.Scan.MatchURL,
		Services: gw.cfg.Scan.Services,
	}, gw.logger)

	// The scheduler outlives the scan so queued devices can drain after an interrupt.
	schedCtx, cancelSched := context.WithCancel(context.WithoutCancel(ctx))
	var workers groutine.Group
	workers.Go(schedCtx, "scheduler", func(ctx context.Context) error {
		return ignoreCanceled(gw.scheduler.Run(ctx))
	})

	// Events is closed when the scan loop returns.
	eventsDone := make(chan struct{})
	groutine.Go(ctx, "scan-events", func(context.Context) {
		defer close(eventsDone)
		for ev := range sc.Events() {
			gw.logger.WithFields(logrus.Fields{"address": ev.Address, "rssi": ev.RSSI, "event": ev.Type}).
				Debug("Sensor advertisement")
			printer.Discovered(ev)
		}
	})

	gw.logger.WithField("match_url", gw.cfg.Scan.MatchURL).Info("Gateway started")
	scanErr := ignoreCanceled(sc.Run(ctx, gw.scheduler.Enqueue))
	<-eventsDone
	if scanErr != nil {
		gw.logger.WithError(scanErr).Error("Scanning stopped")
	}

	gw.logger.WithField("pending", gw.scheduler.Pending()).Info("Draining queued devices...")
	drainErr := gw.scheduler.Drain(gw.cfg.DrainTimeout)
	cancelSched()
	if err := workers.Wait(); err != nil {
		gw.logger.WithError(err).Warn("Scheduler stopped with error")
	}

	metrics := gw.scheduler.Metrics()
	printer.Sensors(sc.Known())
	printer.Summary(metrics, recentReports(gw))
	logMetrics(gw.logger, metrics)
	return errors.Join(scanErr, drainErr)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func logMetrics(logger *logrus.Logger, m scheduler.Metrics) {
	logger.WithFields(logrus.Fields{
		"closed":              m.SessionsClosed,
		"failed":              m.SessionsFailed,
		"token_acquisitions":  m.TokenAcquisitions,
		"token_releases":      m.TokenReleases,
		"reports_overwritten": m.ReportsOverwritten,
	}).Debug("Scheduler metrics")
}
