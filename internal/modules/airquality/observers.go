package airquality

import (
	"context"
	"log/slog"

	"github.com/ab000641/air-quality-monitor/internal/metrics"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/scheduler"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
	"github.com/ab000641/air-quality-monitor/internal/mqtt"
)

// Publisher is the subset of the MQTT client the publish observer needs.
type Publisher interface {
	PublishCycle(mqtt.CycleSummary) error
	PublishStationStatus(mqtt.StationStatus) error
}

type publishObserver struct {
	pub    Publisher
	logger *slog.Logger
}

// NewPublishObserver publishes each cycle summary and the new status of
// every station whose reading was applied.
func NewPublishObserver(pub Publisher, logger *slog.Logger) scheduler.Observer {
	return &publishObserver{pub: pub, logger: logger}
}

func (o *publishObserver) ObserveCycle(_ context.Context, r scheduler.CycleReport, applied []types.Reading) {
	if err := o.pub.PublishCycle(mqtt.CycleSummary{
		CycleID:         r.ID,
		Outcome:         string(r.Outcome),
		Applied:         r.Applied,
		Skipped:         r.Skipped,
		Malformed:       r.Malformed,
		SnapshotVersion: r.SnapshotVersion,
		FetchErrorKind:  string(r.FetchErrorKind),
		FinishedAt:      r.FinishedAt,
	}); err != nil {
		o.logger.Warn("cycle summary not published", "cycle_id", r.ID, "error", err)
		return
	}
	for _, rd := range applied {
		if err := o.pub.PublishStationStatus(mqtt.StationStatus{
			StationID:   rd.StationID,
			AQI:         rd.AQI,
			Status:      string(rd.Status),
			StatusClass: rd.Status.Slug(),
			PublishTime: rd.PublishTime,
		}); err != nil {
			o.logger.Warn("station status not published", "station_id", rd.StationID, "error", err)
			return
		}
	}
}

type metricsObserver struct {
	rec    metrics.Recorder
	logger *slog.Logger
}

func NewMetricsObserver(rec metrics.Recorder, logger *slog.Logger) scheduler.Observer {
	return &metricsObserver{rec: rec, logger: logger}
}

func (o *metricsObserver) ObserveCycle(ctx context.Context, r scheduler.CycleReport, _ []types.Reading) {
	err := o.rec.RecordCycle(ctx, metrics.Cycle{
		ID:              r.ID,
		Outcome:         string(r.Outcome),
		FetchErrorKind:  string(r.FetchErrorKind),
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		Attempts:        r.Attempts,
		Attempted:       r.Attempted,
		Applied:         r.Applied,
		Skipped:         r.Skipped,
		Malformed:       r.Malformed,
		SnapshotVersion: r.SnapshotVersion,
	})
	if err != nil {
		o.logger.Warn("cycle metrics not recorded", "cycle_id", r.ID, "error", err)
	}
}
