package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// DefaultMeasurement is the InfluxDB measurement epoch points are written to.
const DefaultMeasurement = "multibit"

// InfluxConfig locates an InfluxDB 2.x bucket.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// InfluxSink writes one point per epoch, tagged with the run and project.
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
	runID       string
	project     string

	now func() time.Time
}

// NewInfluxSink connects lazily; the first write reports connection errors.
func NewInfluxSink(cfg InfluxConfig, runID, project string) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("influx url is required")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx org and bucket are required")
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = DefaultMeasurement
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
		runID:       runID,
		project:     project,
		now:         time.Now,
	}, nil
}

func (s *InfluxSink) Log(ctx context.Context, epoch int, metrics map[string]float64) error {
	p := influxdb2.NewPointWithMeasurement(s.measurement).
		AddTag("run", s.runID).
		AddTag("project", s.project).
		AddField("epoch", epoch).
		SetTime(s.now())
	for _, k := range sortedKeys(metrics) {
		p.AddField(k, metrics[k])
	}

	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
