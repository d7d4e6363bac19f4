package normalizer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/classifier"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
)

var now = time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)

func TestNormalize_ProviderRecord(t *testing.T) {
	raw := types.RawRecord{
		"sitename":    "萬華",
		"county":      "臺北市",
		"aqi":         "42",
		"status":      "良好",
		"pm2.5":       "11",
		"pm10":        "",
		"publishtime": "2024/01/01 08:00:00",
		"siteid":      "13",
	}

	r, err := Normalize(raw, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.StationID != "13" {
		t.Errorf("StationID = %q, want 13", r.StationID)
	}
	if r.AQI == nil || *r.AQI != 42 {
		t.Errorf("AQI = %v, want 42", r.AQI)
	}
	if r.PM25 == nil || *r.PM25 != 11 {
		t.Errorf("PM25 = %v, want 11", r.PM25)
	}
	if r.PM10 != nil {
		t.Errorf("PM10 = %v, want absent", *r.PM10)
	}
	if r.Status != classifier.Good {
		t.Errorf("Status = %q, want %q", r.Status, classifier.Good)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !r.PublishTime.Equal(want) {
		t.Errorf("PublishTime = %v, want %v", r.PublishTime, want)
	}
	if !r.IngestedAt.Equal(now) {
		t.Errorf("IngestedAt = %v, want %v", r.IngestedAt, now)
	}
	if r.StationName != "萬華" || r.County != "臺北市" {
		t.Errorf("name/county = %q/%q", r.StationName, r.County)
	}
}

func TestNormalize_CanonicalRecord(t *testing.T) {
	raw := types.RawRecord{
		"stationId":   "S1",
		"aqi":         json.Number("42"),
		"publishTime": "2024-01-01T00:00:00Z",
	}
	r, err := Normalize(raw, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.AQI == nil || *r.AQI != 42 || r.Status != classifier.Good {
		t.Fatalf("got aqi=%v status=%q", r.AQI, r.Status)
	}
	if got := r.PublishTime.Format(time.RFC3339); got != "2024-01-01T00:00:00Z" {
		t.Fatalf("PublishTime = %s", got)
	}
}

func TestNormalize_MaintenanceFlag(t *testing.T) {
	raw := types.RawRecord{
		"stationId":    "S1",
		"aqi":          nil,
		"providerFlag": "maintenance",
		"publishTime":  "2024-01-01T00:00:00Z",
	}
	r, err := Normalize(raw, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.Status != classifier.Maintenance {
		t.Errorf("Status = %q, want maintenance", r.Status)
	}
	if r.Flag != classifier.FlagMaintenance {
		t.Errorf("Flag = %q, want maintenance", r.Flag)
	}
	if r.AQI != nil {
		t.Errorf("AQI = %d, want absent", *r.AQI)
	}
}

func TestNormalize_StatusTextNeverTrusted(t *testing.T) {
	raw := types.RawRecord{
		"stationId":   "S1",
		"aqi":         "180",
		"status":      "良好",
		"publishTime": "2024-01-01 08:00",
	}
	r, err := Normalize(raw, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.Status != classifier.Unhealthy {
		t.Fatalf("Status = %q, want %q", r.Status, classifier.Unhealthy)
	}
}

func TestNormalize_NoDataSentinels(t *testing.T) {
	for _, v := range []any{"", "-", "--", "ND", "N/A", "x", nil} {
		raw := types.RawRecord{"stationId": "S1", "publishTime": "2024-01-01T00:00:00Z", "pm10": v}
		r, err := Normalize(raw, now)
		if err != nil {
			t.Fatalf("pm10=%v: %v", v, err)
		}
		if r.PM10 != nil {
			t.Fatalf("pm10=%v: got %v, want absent", v, *r.PM10)
		}
	}
}

func TestNormalize_ZeroIsNotAbsent(t *testing.T) {
	raw := types.RawRecord{"stationId": "S1", "publishTime": "2024-01-01T00:00:00Z", "aqi": "0", "pm25": "0"}
	r, err := Normalize(raw, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.AQI == nil || *r.AQI != 0 || r.PM25 == nil || *r.PM25 != 0 {
		t.Fatalf("zero values lost: aqi=%v pm25=%v", r.AQI, r.PM25)
	}
	if r.Status != classifier.Good {
		t.Fatalf("Status = %q", r.Status)
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name       string
		raw        types.RawRecord
		wantField  string
		wantReason string
	}{
		{
			name:       "missing station id",
			raw:        types.RawRecord{"aqi": "10", "publishTime": "2024-01-01T00:00:00Z"},
			wantField:  "stationId",
			wantReason: ReasonMissingKey,
		},
		{
			name:       "blank station id",
			raw:        types.RawRecord{"siteid": "  ", "publishTime": "2024-01-01T00:00:00Z"},
			wantField:  "stationId",
			wantReason: ReasonMissingKey,
		},
		{
			name:       "missing publish time",
			raw:        types.RawRecord{"stationId": "S1", "aqi": "10"},
			wantField:  "publishTime",
			wantReason: ReasonMissingKey,
		},
		{
			name:       "malformed publish time",
			raw:        types.RawRecord{"stationId": "S1", "publishTime": "yesterday"},
			wantField:  "publishTime",
			wantReason: ReasonUnparseable,
		},
		{
			name:       "malformed pm10",
			raw:        types.RawRecord{"stationId": "S1", "publishTime": "2024-01-01T00:00:00Z", "pm10": "abc"},
			wantField:  "pm10",
			wantReason: ReasonUnparseable,
		},
		{
			name:       "boolean aqi",
			raw:        types.RawRecord{"stationId": "S1", "publishTime": "2024-01-01T00:00:00Z", "aqi": true},
			wantField:  "aqi",
			wantReason: ReasonUnparseable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw, now)
			if err == nil {
				t.Fatal("Normalize: want error, got nil")
			}
			var ne *NormalizationError
			if !errors.As(err, &ne) {
				t.Fatalf("error type = %T, want *NormalizationError", err)
			}
			if ne.Field != tt.wantField || ne.Reason != tt.wantReason {
				t.Fatalf("got field=%q reason=%q, want field=%q reason=%q", ne.Field, ne.Reason, tt.wantField, tt.wantReason)
			}
		})
	}
}

func TestNormalizeAll_IndependentFailures(t *testing.T) {
	raws := []types.RawRecord{
		{"stationId": "S1", "aqi": "10", "publishTime": "2024-01-01T00:00:00Z"},
		{"stationId": "S2", "pm10": "bad", "publishTime": "2024-01-01T00:00:00Z"},
		{"aqi": "10"},
		{"stationId": "S4", "aqi": "350", "publishTime": "2024-01-01T00:00:00Z"},
	}
	readings, failures := NormalizeAll(raws, now)
	if len(readings) != 2 {
		t.Fatalf("readings = %d, want 2", len(readings))
	}
	if readings[0].StationID != "S1" || readings[1].StationID != "S4" {
		t.Fatalf("order = %s,%s", readings[0].StationID, readings[1].StationID)
	}
	if readings[1].Status != classifier.Hazardous {
		t.Fatalf("S4 status = %q", readings[1].Status)
	}
	if len(failures) != 2 {
		t.Fatalf("failures = %d, want 2", len(failures))
	}
	if failures[0].StationID != "S2" || failures[0].Field != "pm10" {
		t.Fatalf("first failure = %+v", failures[0])
	}
}

func TestNormalizeStation(t *testing.T) {
	t.Run("catalog record", func(t *testing.T) {
		s, err := NormalizeStation(types.RawRecord{
			"SiteName": "萬華",
			"SiteId":   "13",
			"County":   "臺北市",
			"TWD97Lat": "25.046503",
			"TWD97Lon": "121.507972",
		})
		if err != nil {
			t.Fatalf("NormalizeStation: %v", err)
		}
		if s.ID != "13" || s.Name != "萬華" || s.Region != "north" {
			t.Fatalf("got %+v", s)
		}
		if s.Latitude == nil || *s.Latitude != 25.046503 {
			t.Fatalf("Latitude = %v", s.Latitude)
		}
	})
	t.Run("missing name", func(t *testing.T) {
		if _, err := NormalizeStation(types.RawRecord{"SiteId": "13"}); err == nil {
			t.Fatal("want error for missing name")
		}
	})
	t.Run("latitude out of range", func(t *testing.T) {
		if _, err := NormalizeStation(types.RawRecord{"SiteId": "13", "SiteName": "A", "TWD97Lat": "123"}); err == nil {
			t.Fatal("want error for latitude out of range")
		}
	})
	t.Run("empty coordinates", func(t *testing.T) {
		s, err := NormalizeStation(types.RawRecord{"SiteId": "13", "SiteName": "A", "TWD97Lat": ""})
		if err != nil {
			t.Fatalf("NormalizeStation: %v", err)
		}
		if s.Latitude != nil || s.Region != "other" {
			t.Fatalf("got %+v", s)
		}
	})
}

func TestRegionForCounty(t *testing.T) {
	tests := map[string]string{
		"臺北市": "north",
		"台中市": "central",
		"高雄市": "south",
		"花蓮縣": "east",
		"金門縣": "islands",
		"":    "other",
		"Narnia": "other",
	}
	for county, want := range tests {
		if got := RegionForCounty(county); got != want {
			t.Errorf("RegionForCounty(%q) = %q, want %q", county, got, want)
		}
	}
}
