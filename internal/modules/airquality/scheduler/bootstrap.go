package scheduler

import (
	"context"
	"fmt"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/normalizer"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
)

// BootstrapStations loads the provider's station catalog when no stations
// are stored yet. Invalid catalog entries are skipped.
func (s *Scheduler) BootstrapStations(ctx context.Context) (int, error) {
	n, err := s.repo.CountStations(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("station catalog present, skipping bootstrap", "stations", n)
		return 0, nil
	}

	raws, err := s.fetcher.FetchStations(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch station catalog: %w", err)
	}

	stations := make([]types.Station, 0, len(raws))
	for _, raw := range raws {
		st, err := normalizer.NormalizeStation(raw)
		if err != nil {
			s.logger.Warn("catalog entry skipped", "error", err)
			continue
		}
		stations = append(stations, st)
	}

	written, err := s.repo.UpsertStations(ctx, stations)
	if err != nil {
		return 0, err
	}
	s.logger.Info("station catalog loaded", "stations", written, "skipped", len(raws)-len(stations))
	return written, nil
}
