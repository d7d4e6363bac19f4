package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/classifier"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/normalizer"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
)

//go:embed sql/upsert-station.sql
var upsertStationSQL string

//go:embed sql/ensure-station.sql
var ensureStationSQL string

//go:embed sql/get-publish-time.sql
var getPublishTimeSQL string

//go:embed sql/upsert-reading.sql
var upsertReadingSQL string

//go:embed sql/bump-snapshot.sql
var bumpSnapshotSQL string

//go:embed sql/get-snapshot-meta.sql
var getSnapshotMetaSQL string

//go:embed sql/get-current.sql
var getCurrentSQL string

//go:embed sql/list-current.sql
var listCurrentSQL string

//go:embed sql/list-publish-times.sql
var listPublishTimesSQL string

//go:embed sql/count-stations.sql
var countStationsSQL string

//go:embed sql/get-station.sql
var getStationSQL string

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeApplied       Outcome = "applied"
	OutcomeRejectedStale Outcome = "rejected_stale"
)

type StationOutcome struct {
	StationID string
	Outcome   Outcome
	Previous  *time.Time
}

// UpsertReport lists per-station outcomes of one UpsertBatch in input order.
type UpsertReport struct {
	Outcomes []StationOutcome
	Version  int64
}

func (r UpsertReport) Count(o Outcome) int {
	n := 0
	for _, so := range r.Outcomes {
		if so.Outcome == o {
			n++
		}
	}
	return n
}

type SnapshotMeta struct {
	Version     int64
	CommittedAt *time.Time
}

type SnapshotRepository interface {
	UpsertBatch(ctx context.Context, readings []types.Reading) (UpsertReport, error)
	GetCurrent(ctx context.Context, stationID string) (*types.Reading, error)
	ListCurrent(ctx context.Context, filter types.Filter) ([]types.StationReading, error)
	CurrentPublishTimes(ctx context.Context) (map[string]time.Time, error)
	UpsertStations(ctx context.Context, stations []types.Station) (int, error)
	CountStations(ctx context.Context) (int, error)
	GetStation(ctx context.Context, stationID string) (*types.Station, error)
	SnapshotMeta(ctx context.Context) (SnapshotMeta, error)
}

type repositoryImpl struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) SnapshotRepository {
	return &repositoryImpl{db: db, now: time.Now}
}

// UpsertBatch writes readings in one transaction. A reading older than the
// stored one for its station is left out and reported as rejected_stale.
// Unknown stations get a minimal row so the reading has a parent.
func (r *repositoryImpl) UpsertBatch(ctx context.Context, readings []types.Reading) (report UpsertReport, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertReport{}, &StorageError{Kind: KindUnavailable, Op: "upsert batch: begin", Err: err}
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Error("rollback upsert batch", "error", rbErr)
			}
		}
	}()

	changed := false
	for _, rd := range readings {
		so, err := upsertOne(ctx, tx, rd)
		if err != nil {
			return UpsertReport{}, storageErr("upsert batch: station "+rd.StationID, err)
		}
		if so.Outcome != OutcomeRejectedStale {
			changed = true
		}
		report.Outcomes = append(report.Outcomes, so)
	}

	if changed {
		if _, err := tx.ExecContext(ctx, bumpSnapshotSQL, formatTime(r.now())); err != nil {
			return UpsertReport{}, storageErr("upsert batch: bump snapshot", err)
		}
	}
	if err := tx.QueryRowContext(ctx, getSnapshotMetaSQL).Scan(&report.Version, new(sql.NullString)); err != nil {
		return UpsertReport{}, storageErr("upsert batch: read snapshot version", err)
	}
	if err := tx.Commit(); err != nil {
		return UpsertReport{}, storageErr("upsert batch: commit", err)
	}
	return report, nil
}

func upsertOne(ctx context.Context, tx *sql.Tx, rd types.Reading) (StationOutcome, error) {
	so := StationOutcome{StationID: rd.StationID}

	var stored string
	err := tx.QueryRowContext(ctx, getPublishTimeSQL, rd.StationID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		st := normalizer.StationFromReading(rd)
		if _, err := tx.ExecContext(ctx, ensureStationSQL, st.ID, st.Name, st.County, st.Region); err != nil {
			return so, fmt.Errorf("ensure station: %w", err)
		}
		so.Outcome = OutcomeCreated
	case err != nil:
		return so, fmt.Errorf("read stored publish time: %w", err)
	default:
		prev, err := parseTime(stored)
		if err != nil {
			return so, err
		}
		so.Previous = &prev
		if rd.PublishTime.Before(prev) {
			so.Outcome = OutcomeRejectedStale
			return so, nil
		}
		so.Outcome = OutcomeApplied
	}

	_, err = tx.ExecContext(ctx, upsertReadingSQL,
		rd.StationID,
		nullInt(rd.AQI),
		nullFloat(rd.PM25),
		nullFloat(rd.PM10),
		string(classifier.Classify(rd.AQI, rd.Flag)),
		rd.Flag.String(),
		formatTime(rd.PublishTime),
		formatTime(rd.IngestedAt),
	)
	if err != nil {
		return so, fmt.Errorf("upsert reading: %w", err)
	}
	return so, nil
}

func (r *repositoryImpl) GetCurrent(ctx context.Context, stationID string) (*types.Reading, error) {
	row := r.db.QueryRowContext(ctx, getCurrentSQL, stationID)
	var (
		rd                  types.Reading
		aqi                 sql.NullInt64
		pm25, pm10          sql.NullFloat64
		flag                string
		publish, ingestedAt string
	)
	err := row.Scan(&rd.StationID, &aqi, &pm25, &pm10, &flag, &publish, &ingestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get current", err)
	}
	if err := fillReading(&rd, aqi, pm25, pm10, flag, publish, ingestedAt); err != nil {
		return nil, err
	}
	return &rd, nil
}

func (r *repositoryImpl) ListCurrent(ctx context.Context, filter types.Filter) ([]types.StationReading, error) {
	rows, err := r.db.QueryContext(ctx, listCurrentSQL, filter.Status, filter.Status, filter.Region, filter.Region)
	if err != nil {
		return nil, storageErr("list current", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close current readings rows", "error", err)
		}
	}()

	var out []types.StationReading
	for rows.Next() {
		var (
			s                   types.Station
			lat, lon            sql.NullFloat64
			readingStation      sql.NullString
			aqi                 sql.NullInt64
			pm25, pm10          sql.NullFloat64
			flag                sql.NullString
			publish, ingestedAt sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.County, &s.Region, &lat, &lon,
			&readingStation, &aqi, &pm25, &pm10, &flag, &publish, &ingestedAt); err != nil {
			return nil, storageErr("list current: scan", err)
		}
		s.Latitude = floatPtr(lat)
		s.Longitude = floatPtr(lon)

		sr := types.StationReading{Station: s}
		if readingStation.Valid {
			rd := types.Reading{StationID: readingStation.String, StationName: s.Name, County: s.County}
			if err := fillReading(&rd, aqi, pm25, pm10, flag.String, publish.String, ingestedAt.String); err != nil {
				return nil, err
			}
			sr.Reading = &rd
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list current: rows", err)
	}
	return out, nil
}

func (r *repositoryImpl) CurrentPublishTimes(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, listPublishTimesSQL)
	if err != nil {
		return nil, storageErr("list publish times", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close publish time rows", "error", err)
		}
	}()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id, ts string
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, storageErr("list publish times: scan", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		out[id] = t
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list publish times: rows", err)
	}
	return out, nil
}

// UpsertStations writes catalog entries in one transaction and returns the
// number written.
func (r *repositoryImpl) UpsertStations(ctx context.Context, stations []types.Station) (n int, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StorageError{Kind: KindUnavailable, Op: "upsert stations: begin", Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, s := range stations {
		if _, err := tx.ExecContext(ctx, upsertStationSQL,
			s.ID, s.Name, s.County, s.Region, nullFloat(s.Latitude), nullFloat(s.Longitude)); err != nil {
			return 0, storageErr("upsert stations: "+s.ID, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("upsert stations: commit", err)
	}
	return n, nil
}

func (r *repositoryImpl) CountStations(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, countStationsSQL).Scan(&n); err != nil {
		return 0, storageErr("count stations", err)
	}
	return n, nil
}

func (r *repositoryImpl) GetStation(ctx context.Context, stationID string) (*types.Station, error) {
	var (
		s        types.Station
		lat, lon sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, getStationSQL, stationID).Scan(&s.ID, &s.Name, &s.County, &s.Region, &lat, &lon)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get station", err)
	}
	s.Latitude = floatPtr(lat)
	s.Longitude = floatPtr(lon)
	return &s, nil
}

func (r *repositoryImpl) SnapshotMeta(ctx context.Context) (SnapshotMeta, error) {
	var (
		meta        SnapshotMeta
		committedAt sql.NullString
	)
	if err := r.db.QueryRowContext(ctx, getSnapshotMetaSQL).Scan(&meta.Version, &committedAt); err != nil {
		return SnapshotMeta{}, storageErr("snapshot meta", err)
	}
	if committedAt.Valid {
		t, err := parseTime(committedAt.String)
		if err != nil {
			return SnapshotMeta{}, err
		}
		meta.CommittedAt = &t
	}
	return meta, nil
}

// fillReading derives Status from the stored aqi and provider flag. The
// status column mirrors it for filtering only.
func fillReading(rd *types.Reading, aqi sql.NullInt64, pm25, pm10 sql.NullFloat64, flag, publish, ingestedAt string) error {
	if aqi.Valid {
		v := int(aqi.Int64)
		rd.AQI = &v
	}
	rd.PM25 = floatPtr(pm25)
	rd.PM10 = floatPtr(pm10)
	rd.Flag = classifier.ParseFlag(flag)
	rd.Status = classifier.Classify(rd.AQI, rd.Flag)

	var err error
	if rd.PublishTime, err = parseTime(publish); err != nil {
		return err
	}
	if rd.IngestedAt, err = parseTime(ingestedAt); err != nil {
		return err
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		var err2 error
		t, err2 = time.Parse(time.RFC3339Nano, s)
		if err2 != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w; RFC3339Nano: %w", s, err, err2)
		}
	}
	return t.UTC(), nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
