package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesync/internal/config"
	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/device/goble"
	"github.com/srg/blesync/internal/scheduler"
	"github.com/srg/blesync/internal/session"
	"github.com/srg/blesync/internal/sink"
)

// Radio is the BLE host used by run and sync.
type Radio interface {
	device.Transport
	device.ScanningDevice
	Close() error
}

// newRadio creates the BLE host (can be overridden in tests).
var newRadio = func(logger *logrus.Logger) (Radio, error) {
	return goble.NewTransport(logger), nil
}

type sinkFactory func(cfg *config.Config, out io.Writer, logger *logrus.Logger) (sink.Sink, error)

// sinkFactories builds each configured sink (can be overridden in tests).
var sinkFactories = map[string]sinkFactory{
	config.SinkStdout: func(_ *config.Config, out io.Writer, _ *logrus.Logger) (sink.Sink, error) {
		return sink.NewWriter(out), nil
	},
	config.SinkMQTT: func(cfg *config.Config, _ io.Writer, logger *logrus.Logger) (sink.Sink, error) {
		return sink.NewMQTT(cfg.MQTT, logger)
	},
	config.SinkAMQP: func(cfg *config.Config, _ io.Writer, logger *logrus.Logger) (sink.Sink, error) {
		return sink.NewAMQP(cfg.AMQP, logger)
	},
	config.SinkInflux: func(cfg *config.Config, _ io.Writer, logger *logrus.Logger) (sink.Sink, error) {
		return sink.NewInflux(cfg.Influx, logger)
	},
}

// gateway bundles what run and sync share: configuration, logger, radio, sinks and scheduler.
type gateway struct {
	cfg       *config.Config
	logger    *logrus.Logger
	radio     Radio
	sink      sink.Sink
	scheduler *scheduler.Scheduler
	closers   []io.Closer
}

// newGateway loads configuration and wires the components. onReport may be nil.
func newGateway(cmd *cobra.Command, admit scheduler.AdmitFunc, onReport func(session.Report)) (*gateway, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := configureLogger(cmd, cfg.Log)
	if err != nil {
		return nil, err
	}
	g := &gateway{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	out, err := buildSink(cfg, cmd.OutOrStdout(), logger)
	if err != nil {
		g.Close()
		return nil, err
	}
	g.sink = out
	g.closers = append(g.closers, out)

	g.radio, err = newRadio(logger)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to create BLE radio: %w", err)
	}
	g.closers = append(g.closers, g.radio)

	g.scheduler, err = scheduler.New(g.radio, g.sink, scheduler.Options{
		Session:     cfg.SessionOptions(),
		HistorySize: cfg.HistorySize,
		Admit:       admit,
		OnReport:    onReport,
	}, logger)
	if err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// Close releases components in reverse creation order.
func (g *gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i].Close(); err != nil && g.logger != nil {
			g.logger.WithError(err).Warn("Shutdown error")
		}
	}
	g.closers = nil
}

type closingSink interface {
	sink.Sink
	io.Closer
}

// buildSink creates every configured sink, fanned out through sink.Multi and optionally
// deduplicated.
func buildSink(cfg *config.Config, out io.Writer, logger *logrus.Logger) (closingSink, error) {
	var multi sink.Multi
	for _, name := range cfg.Sinks {
		factory, ok := sinkFactories[name]
		if !ok {
			_ = multi.Close()
			return nil, fmt.Errorf("unknown sink %q", name)
		}
		s, err := factory(cfg, out, logger)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to create %s sink: %w", name, err), multi.Close())
		}
		multi = append(multi, s)
	}

	if cfg.Dedup.Enabled {
		return sink.NewDedup(multi, cfg.Dedup.DedupOptions), nil
	}
	return multi, nil
}
