// Package service is the read side: it composes stored stations and
// readings with display metadata for the page, the JSON API and chat
// responders.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ab000641/air-quality-monitor/internal/cache"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/classifier"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/repository"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/scheduler"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
)

// StationView bundles a station, its current reading and the category's
// display metadata. Reading is nil when the station has never been
// observed; such stations are shown with the "na" styling.
type StationView struct {
	Station  types.Station       `json:"station"`
	Reading  *types.Reading      `json:"reading"`
	Category classifier.Category `json:"category"`
	Slug     string              `json:"slug"`
	Label    string              `json:"label"`
}

type IngestionStatus struct {
	State           scheduler.State        `json:"state"`
	LastCycle       *scheduler.CycleReport `json:"lastCycle"`
	SnapshotVersion int64                  `json:"snapshotVersion"`
	CommittedAt     *time.Time             `json:"committedAt"`
	AgeSeconds      *float64               `json:"ageSeconds"`
}

// CycleSource exposes the scheduler's progress. It is nil when ingestion
// is disabled.
type CycleSource interface {
	State() scheduler.State
	LastReport() *scheduler.CycleReport
}

type Facade interface {
	SnapshotFor(ctx context.Context, filter types.Filter) ([]StationView, error)
	Current(ctx context.Context, stationID string) (*StationView, error)
	Nearest(ctx context.Context, lat, lon float64) (*StationView, float64, error)
	Status(ctx context.Context) (IngestionStatus, error)
}

type Service struct {
	repo   repository.SnapshotRepository
	cache  cache.Cache
	cycles CycleSource
	now    func() time.Time
}

var _ Facade = (*Service)(nil)

func NewService(repo repository.SnapshotRepository, c cache.Cache, cycles CycleSource) *Service {
	if c == nil {
		c = cache.Noop()
	}
	return &Service{repo: repo, cache: c, cycles: cycles, now: time.Now}
}

// SnapshotFor lists every matching station. Cached entries are keyed by
// the committed snapshot version, so a cached list is never older than
// the version the caller observed.
func (s *Service) SnapshotFor(ctx context.Context, filter types.Filter) ([]StationView, error) {
	meta, err := s.repo.SnapshotMeta(ctx)
	if err != nil {
		return nil, err
	}
	key := snapshotKey(meta.Version, filter)

	var views []StationView
	if ok, err := s.cache.Get(ctx, key, &views); err != nil {
		slog.Warn("snapshot cache read failed", "key", key, "error", err)
	} else if ok {
		return views, nil
	}

	rows, err := s.repo.ListCurrent(ctx, filter)
	if err != nil {
		return nil, err
	}
	views = make([]StationView, 0, len(rows))
	for _, row := range rows {
		views = append(views, newView(row.Station, row.Reading))
	}
	if err := s.cache.Set(ctx, key, views); err != nil {
		slog.Warn("snapshot cache write failed", "key", key, "error", err)
	}
	return views, nil
}

// Current returns nil for a station that is not known at all.
func (s *Service) Current(ctx context.Context, stationID string) (*StationView, error) {
	st, err := s.repo.GetStation(ctx, stationID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, nil
	}
	rd, err := s.repo.GetCurrent(ctx, stationID)
	if err != nil {
		return nil, err
	}
	v := newView(*st, rd)
	return &v, nil
}

// Nearest returns the closest station with coordinates and its distance
// in kilometers, or nil when no station has coordinates.
func (s *Service) Nearest(ctx context.Context, lat, lon float64) (*StationView, float64, error) {
	views, err := s.SnapshotFor(ctx, types.Filter{})
	if err != nil {
		return nil, 0, err
	}
	var best *StationView
	bestDist := math.Inf(1)
	for i := range views {
		st := views[i].Station
		if st.Latitude == nil || st.Longitude == nil {
			continue
		}
		d := Haversine(lat, lon, *st.Latitude, *st.Longitude)
		if d < bestDist {
			bestDist = d
			best = &views[i]
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestDist, nil
}

func (s *Service) Status(ctx context.Context) (IngestionStatus, error) {
	meta, err := s.repo.SnapshotMeta(ctx)
	if err != nil {
		return IngestionStatus{}, err
	}
	st := IngestionStatus{
		State:           scheduler.StateIdle,
		SnapshotVersion: meta.Version,
		CommittedAt:     meta.CommittedAt,
	}
	if meta.CommittedAt != nil {
		age := s.now().Sub(*meta.CommittedAt).Seconds()
		st.AgeSeconds = &age
	}
	if s.cycles != nil {
		st.State = s.cycles.State()
		st.LastCycle = s.cycles.LastReport()
	}
	return st, nil
}

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometers.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func newView(st types.Station, rd *types.Reading) StationView {
	cat := classifier.NA
	if rd != nil {
		cat = rd.Status
	}
	return StationView{
		Station:  st,
		Reading:  rd,
		Category: cat,
		Slug:     cat.Slug(),
		Label:    cat.Label(),
	}
}

func snapshotKey(version int64, f types.Filter) string {
	return fmt.Sprintf("aqi:snapshot:v%d:%s:%s", version, f.Status, f.Region)
}
