package sink

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/telemetry"
)

// InfluxOptions configure the InfluxDB sink.
type InfluxOptions struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	Org         string        `yaml:"org"`
	Bucket      string        `yaml:"bucket"`
	Measurement string        `yaml:"measurement" default:"sensor"`
	Timeout     time.Duration `yaml:"timeout" default:"10s"`
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx writes one point per record, tagged with the device id.
type Influx struct {
	client      influxdb2.Client
	writer      pointWriter
	measurement string
	timeout     time.Duration
	logger      *logrus.Entry
}

// NewInflux creates the client and checks server health.
func NewInflux(opts InfluxOptions, logger *logrus.Logger) (*Influx, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connect to InfluxDB %s", opts.URL)
	}
	if health.Status != domain.HealthCheckStatusPass {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, errors.Errorf("InfluxDB health check failed: %s %s", health.Status, msg)
	}

	i := newInflux(client.WriteAPIBlocking(opts.Org, opts.Bucket), opts, logger)
	i.client = client
	i.logger.WithFields(logrus.Fields{"url": opts.URL, "bucket": opts.Bucket}).Info("Connected to InfluxDB")
	return i, nil
}

func newInflux(w pointWriter, opts InfluxOptions, logger *logrus.Logger) *Influx {
	return &Influx{
		writer:      w,
		measurement: opts.Measurement,
		timeout:     opts.Timeout,
		logger:      logger.WithField("component", "influx"),
	}
}

func (i *Influx) Publish(ctx context.Context, deviceID string, records []telemetry.Record) error {
	points := Points(i.measurement, deviceID, records)
	if len(points) == 0 {
		return nil
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	if err := i.writer.WritePoint(ctx, points...); err != nil {
		return errors.Wrapf(err, "write %d points for %s", len(points), deviceID)
	}
	i.logger.WithFields(logrus.Fields{"device": deviceID, "points": len(points)}).Debug("Points written")
	return nil
}

// Points converts records to line-protocol points. Records without values are skipped since a
// point needs at least one field.
func Points(measurement, deviceID string, records []telemetry.Record) []*write.Point {
	points := make([]*write.Point, 0, len(records))
	for _, rec := range records {
		if len(rec.Values) == 0 {
			continue
		}
		fields := make(map[string]interface{}, len(rec.Values))
		for name, v := range rec.Values {
			fields[name] = v
		}
		points = append(points, influxdb2.NewPoint(measurement, map[string]string{"device": deviceID}, fields, rec.Time()))
	}
	return points
}

func (i *Influx) Close() error {
	if i.client != nil {
		i.client.Close()
	}
	return nil
}
