// Package metrics writes one InfluxDB point per ingestion cycle.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const measurement = "ingestion_cycle"

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

func (c Config) Enabled() bool { return c.URL != "" }

// Cycle is the slice of a cycle report that is recorded.
type Cycle struct {
	ID              string
	Outcome         string
	FetchErrorKind  string
	StartedAt       time.Time
	FinishedAt      time.Time
	Attempts        int
	Attempted       int
	Applied         int
	Skipped         int
	Malformed       int
	SnapshotVersion int64
}

type Recorder interface {
	RecordCycle(ctx context.Context, c Cycle) error
	Close()
}

type influxRecorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

type noopRecorder struct{}

// New returns an InfluxDB recorder, or a recorder that drops everything
// when no URL is configured.
func New(ctx context.Context, cfg Config) (Recorder, error) {
	if !cfg.Enabled() {
		return noopRecorder{}, nil
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx health %s: %w", cfg.URL, err)
	}
	if health.Status != "pass" {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("influx health check failed: %s", msg)
	}
	slog.Info("cycle metrics enabled", "url", cfg.URL, "bucket", cfg.Bucket)
	return &influxRecorder{client: client, write: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}, nil
}

func (r *influxRecorder) RecordCycle(ctx context.Context, c Cycle) error {
	if err := r.write.WritePoint(ctx, Point(c)); err != nil {
		return fmt.Errorf("write cycle %s: %w", c.ID, err)
	}
	return nil
}

func (r *influxRecorder) Close() { r.client.Close() }

func (noopRecorder) RecordCycle(context.Context, Cycle) error { return nil }
func (noopRecorder) Close()                                    {}

// Point builds the line-protocol point for c, stamped with its finish time.
func Point(c Cycle) *write.Point {
	tags := map[string]string{"outcome": c.Outcome}
	if c.FetchErrorKind != "" {
		tags["fetch_error_kind"] = c.FetchErrorKind
	}
	fields := map[string]interface{}{
		"cycle_id":         c.ID,
		"duration_ms":      c.FinishedAt.Sub(c.StartedAt).Milliseconds(),
		"attempts":         c.Attempts,
		"attempted":        c.Attempted,
		"applied":          c.Applied,
		"skipped":          c.Skipped,
		"malformed":        c.Malformed,
		"snapshot_version": c.SnapshotVersion,
	}
	return influxdb2.NewPoint(measurement, tags, fields, c.FinishedAt)
}
