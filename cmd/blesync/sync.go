package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/blesync/internal/groutine"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <address> [address...]",
		Short: "Synchronize the given devices once, without scanning",
		Long: `Connect to each address in turn, stream its buffered records, set its clock and publish.

Devices are synchronized strictly one at a time, in argument order. The command fails when any
device does not complete its session.`,
		Example: `  blesync sync AA:BB:CC:DD:EE:FF
  blesync sync -c gateway.yaml AA:BB:CC:DD:EE:01 AA:BB:CC:DD:EE:02`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSync,
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := newReportPrinter(cmd.ErrOrStderr())
	gw, err := newGateway(cmd, nil, printer.Print)
	if err != nil {
		return err
	}
	defer gw.Close()

	cmd.SilenceUsage = true

	for _, address := range args {
		if !gw.scheduler.Enqueue(strings.TrimSpace(address)) {
			gw.logger.WithField("address", address).Warn("Duplicate address ignored")
		}
	}

	// An interrupt stops pending devices from starting; the active one still finishes.
	schedCtx, cancelSched := context.WithCancel(context.WithoutCancel(ctx))
	var workers groutine.Group
	workers.Go(schedCtx, "scheduler", func(ctx context.Context) error {
		return ignoreCanceled(gw.scheduler.Run(ctx))
	})

	drained := make(chan error, 1)
	groutine.Go(schedCtx, "drain", func(context.Context) {
		drained <- gw.scheduler.Drain(gw.cfg.DrainTimeout)
	})

	var drainErr error
	select {
	case drainErr = <-drained:
	case <-ctx.Done():
		skipped := gw.scheduler.DropPending()
		gw.logger.WithField("skipped", len(skipped)).Warn("Interrupted, waiting for the active device")
		drainErr = <-drained
	}
	cancelSched()
	_ = workers.Wait()

	metrics := gw.scheduler.Metrics()
	reports := recentReports(gw)
	printer.Summary(metrics, reports)
	logMetrics(gw.logger, metrics)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if drainErr != nil {
		return drainErr
	}
	if metrics.SessionsFailed > 0 {
		return fmt.Errorf("%w: %d of %d devices (%s)", ErrSyncFailed, metrics.SessionsFailed, len(args),
			strings.Join(failedDevices(reports), ", "))
	}
	return nil
}
