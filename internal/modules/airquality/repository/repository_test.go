package repository

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ab000641/air-quality-monitor/internal/migrate"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/classifier"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
)

var _ SnapshotRepository = (*repositoryImpl)(nil)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate.Run(context.Background(), db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			t.Fatalf("close db: %v", closeErr)
		}
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Errorf("close db: %v", closeErr)
		}
	})
	return db
}

func intPtr(v int) *int             { return &v }
func floatPtrOf(v float64) *float64 { return &v }

func reading(id string, aqi int, publish time.Time) types.Reading {
	return types.Reading{
		StationID:   id,
		AQI:         intPtr(aqi),
		Status:      classifier.Classify(intPtr(aqi), classifier.NoFlag),
		PublishTime: publish,
		IngestedAt:  publish.Add(5 * time.Minute),
	}
}

func TestUpsertBatch_CreatesStationAndReading(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupTestDB(t))

	rd := reading("S1", 42, t0)
	rd.StationName = "萬華"
	rd.County = "臺北市"
	rd.PM25 = floatPtrOf(12.5)

	report, err := repo.UpsertBatch(ctx, []types.Reading{rd})
	if err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if got := report.Count(OutcomeCreated); got != 1 {
		t.Fatalf("created = %d, want 1", got)
	}
	if report.Version != 1 {
		t.Fatalf("version = %d, want 1", report.Version)
	}

	got, err := repo.GetCurrent(ctx, "S1")
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if got == nil {
		t.Fatal("GetCurrent returned nil")
	}
	if *got.AQI != 42 || got.Status != classifier.Good || !got.PublishTime.Equal(t0) {
		t.Fatalf("got %+v", got)
	}
	if got.PM25 == nil || *got.PM25 != 12.5 {
		t.Fatalf("PM25 = %v", got.PM25)
	}
	if got.PM10 != nil {
		t.Fatalf("PM10 = %v, want absent", *got.PM10)
	}

	st, err := repo.GetStation(ctx, "S1")
	if err != nil {
		t.Fatalf("GetStation: %v", err)
	}
	if st == nil || st.Name != "萬華" || st.Region != "north" {
		t.Fatalf("station = %+v", st)
	}
}

func TestUpsertBatch_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupTestDB(t))
	batch := []types.Reading{reading("S1", 42, t0), reading("S2", 120, t0)}

	if _, err := repo.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("first UpsertBatch: %v", err)
	}
	first, err := repo.ListCurrent(ctx, types.Filter{})
	if err != nil {
		t.Fatalf("ListCurrent: %v", err)
	}

	report, err := repo.UpsertBatch(ctx, batch)
	if err != nil {
		t.Fatalf("second UpsertBatch: %v", err)
	}
	if got := report.Count(OutcomeApplied); got != 2 {
		t.Fatalf("applied = %d, want 2", got)
	}
	second, err := repo.ListCurrent(ctx, types.Filter{})
	if err != nil {
		t.Fatalf("ListCurrent: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshot drifted:\nfirst  %+v\nsecond %+v", first, second)
	}
	if len(second) != 2 {
		t.Fatalf("stations = %d, want 2", len(second))
	}
}

func TestUpsertBatch_MonotonicPublishTime(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupTestDB(t))

	for _, rd := range []types.Reading{reading("S", 10, t1), reading("S", 20, t2)} {
		if _, err := repo.UpsertBatch(ctx, []types.Reading{rd}); err != nil {
			t.Fatalf("UpsertBatch: %v", err)
		}
	}

	report, err := repo.UpsertBatch(ctx, []types.Reading{reading("S", 30, t0)})
	if err != nil {
		t.Fatalf("UpsertBatch stale: %v", err)
	}
	if got := report.Count(OutcomeRejectedStale); got != 1 {
		t.Fatalf("rejected = %d, want 1", got)
	}
	if prev := report.Outcomes[0].Previous; prev == nil || !prev.Equal(t2) {
		t.Fatalf("previous = %v, want %v", prev, t2)
	}
	if report.Version != 2 {
		t.Fatalf("version = %d, want 2 (stale batch must not bump)", report.Version)
	}

	got, err := repo.GetCurrent(ctx, "S")
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if !got.PublishTime.Equal(t2) || *got.AQI != 20 {
		t.Fatalf("current = %v aqi=%d, want %v aqi=20", got.PublishTime, *got.AQI, t2)
	}
}

func TestUpsertBatch_AtomicOnFailure(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewRepository(db)

	if _, err := repo.UpsertBatch(ctx, []types.Reading{reading("S1", 10, t0), reading("S2", 20, t0)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before, err := repo.ListCurrent(ctx, types.Filter{})
	if err != nil {
		t.Fatalf("ListCurrent: %v", err)
	}

	if _, err := db.Exec(`
		CREATE TRIGGER fail_s3 BEFORE INSERT ON current_readings
		WHEN NEW.station_id = 'S3'
		BEGIN SELECT RAISE(ABORT, 'simulated storage failure'); END;`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err = repo.UpsertBatch(ctx, []types.Reading{
		reading("S1", 100, t1),
		reading("S2", 200, t1),
		reading("S3", 300, t1),
	})
	if err == nil {
		t.Fatal("UpsertBatch: want error")
	}
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *StorageError", err)
	}
	if se.Kind != KindTransactionFailure {
		t.Fatalf("kind = %s, want %s", se.Kind, KindTransactionFailure)
	}

	after, err := repo.ListCurrent(ctx, types.Filter{})
	if err != nil {
		t.Fatalf("ListCurrent: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("partial batch visible:\nbefore %+v\nafter  %+v", before, after)
	}
	meta, err := repo.SnapshotMeta(ctx)
	if err != nil {
		t.Fatalf("SnapshotMeta: %v", err)
	}
	if meta.Version != 1 {
		t.Fatalf("version = %d, want 1", meta.Version)
	}
}

func TestGetCurrent_Unknown(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	got, err := repo.GetCurrent(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

func TestListCurrent_NeverObservedAndFilters(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupTestDB(t))

	n, err := repo.UpsertStations(ctx, []types.Station{
		{ID: "A", Name: "Alpha", County: "臺北市", Region: "north"},
		{ID: "B", Name: "Beta", County: "高雄市", Region: "south"},
		{ID: "C", Name: "Gamma", County: "高雄市", Region: "south"},
	})
	if err != nil || n != 3 {
		t.Fatalf("UpsertStations: n=%d err=%v", n, err)
	}

	na := types.Reading{StationID: "C", Status: classifier.NA, PublishTime: t0, IngestedAt: t0}
	if _, err := repo.UpsertBatch(ctx, []types.Reading{reading("B", 160, t0), na}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	all, err := repo.ListCurrent(ctx, types.Filter{})
	if err != nil {
		t.Fatalf("ListCurrent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("stations = %d, want 3", len(all))
	}
	byID := map[string]types.StationReading{}
	for _, sr := range all {
		byID[sr.Station.ID] = sr
	}
	if byID["A"].Reading != nil {
		t.Fatalf("A should be never observed, got %+v", byID["A"].Reading)
	}
	if byID["C"].Reading == nil || byID["C"].Reading.Status != classifier.NA {
		t.Fatalf("C should be observed with na, got %+v", byID["C"].Reading)
	}

	south, err := repo.ListCurrent(ctx, types.Filter{Region: "south"})
	if err != nil {
		t.Fatalf("ListCurrent south: %v", err)
	}
	if len(south) != 2 {
		t.Fatalf("south = %d, want 2", len(south))
	}

	unhealthy, err := repo.ListCurrent(ctx, types.Filter{Status: string(classifier.Unhealthy)})
	if err != nil {
		t.Fatalf("ListCurrent unhealthy: %v", err)
	}
	if len(unhealthy) != 1 || unhealthy[0].Station.ID != "B" {
		t.Fatalf("unhealthy = %+v", unhealthy)
	}
}

func TestGetCurrent_ProviderFlagSurvivesRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewRepository(db)

	flagged := reading("S1", 42, t0)
	flagged.Flag = classifier.FlagMaintenance
	flagged.Status = classifier.Classify(flagged.AQI, flagged.Flag)
	if _, err := repo.UpsertBatch(ctx, []types.Reading{flagged, reading("S2", 42, t0)}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	// A stale status column must not leak into reads.
	if _, err := db.Exec(`UPDATE current_readings SET status = 'hazardous'`); err != nil {
		t.Fatalf("overwrite status: %v", err)
	}

	got, err := repo.GetCurrent(ctx, "S1")
	if err != nil || got == nil {
		t.Fatalf("GetCurrent: %+v err=%v", got, err)
	}
	if got.Flag != classifier.FlagMaintenance || got.Status != classifier.Maintenance {
		t.Fatalf("S1 flag=%v status=%s, want maintenance", got.Flag, got.Status)
	}
	if got.AQI == nil || *got.AQI != 42 {
		t.Fatalf("S1 aqi = %v, want 42", got.AQI)
	}

	rows, err := repo.ListCurrent(ctx, types.Filter{})
	if err != nil {
		t.Fatalf("ListCurrent: %v", err)
	}
	want := map[string]classifier.Category{"S1": classifier.Maintenance, "S2": classifier.Good}
	for _, sr := range rows {
		if sr.Reading == nil || sr.Reading.Status != want[sr.Station.ID] {
			t.Errorf("%s reading = %+v, want %s", sr.Station.ID, sr.Reading, want[sr.Station.ID])
		}
	}
}

func TestUpsertBatch_StatusColumnFollowsFlag(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupTestDB(t))

	rd := reading("S1", 180, t0)
	rd.Flag = classifier.FlagInvalid
	if _, err := repo.UpsertBatch(ctx, []types.Reading{rd}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	invalid, err := repo.ListCurrent(ctx, types.Filter{Status: string(classifier.Invalid)})
	if err != nil {
		t.Fatalf("ListCurrent invalid: %v", err)
	}
	if len(invalid) != 1 || invalid[0].Station.ID != "S1" {
		t.Fatalf("invalid = %+v", invalid)
	}
	unhealthy, err := repo.ListCurrent(ctx, types.Filter{Status: string(classifier.Unhealthy)})
	if err != nil {
		t.Fatalf("ListCurrent unhealthy: %v", err)
	}
	if len(unhealthy) != 0 {
		t.Fatalf("unhealthy = %+v, want none", unhealthy)
	}
}

func TestUpsertStations_UpdatesCatalogWithoutTouchingReadings(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupTestDB(t))

	if _, err := repo.UpsertBatch(ctx, []types.Reading{reading("A", 10, t0)}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	lat, lon := 25.0, 121.5
	if _, err := repo.UpsertStations(ctx, []types.Station{{ID: "A", Name: "Alpha", County: "臺北市", Region: "north", Latitude: &lat, Longitude: &lon}}); err != nil {
		t.Fatalf("UpsertStations: %v", err)
	}

	st, err := repo.GetStation(ctx, "A")
	if err != nil {
		t.Fatalf("GetStation: %v", err)
	}
	if st.Name != "Alpha" || st.Latitude == nil || *st.Latitude != 25.0 {
		t.Fatalf("station = %+v", st)
	}
	rd, err := repo.GetCurrent(ctx, "A")
	if err != nil || rd == nil || *rd.AQI != 10 {
		t.Fatalf("reading lost: %+v err=%v", rd, err)
	}
	count, err := repo.CountStations(ctx)
	if err != nil || count != 1 {
		t.Fatalf("CountStations = %d err=%v", count, err)
	}
}

func TestCurrentPublishTimes(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupTestDB(t))
	if _, err := repo.UpsertBatch(ctx, []types.Reading{reading("A", 10, t0), reading("B", 10, t1)}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	got, err := repo.CurrentPublishTimes(ctx)
	if err != nil {
		t.Fatalf("CurrentPublishTimes: %v", err)
	}
	if len(got) != 2 || !got["A"].Equal(t0) || !got["B"].Equal(t1) {
		t.Fatalf("got %v", got)
	}
}

func TestSnapshotMeta_Initial(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	meta, err := repo.SnapshotMeta(context.Background())
	if err != nil {
		t.Fatalf("SnapshotMeta: %v", err)
	}
	if meta.Version != 0 || meta.CommittedAt != nil {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestFormatTime_SortsLexically(t *testing.T) {
	a := formatTime(t0)
	b := formatTime(t0.Add(500 * time.Millisecond))
	if !(a < b) {
		t.Fatalf("%q should sort before %q", a, b)
	}
	back, err := parseTime(b)
	if err != nil || !back.Equal(t0.Add(500*time.Millisecond)) {
		t.Fatalf("round trip = %v err=%v", back, err)
	}
}
