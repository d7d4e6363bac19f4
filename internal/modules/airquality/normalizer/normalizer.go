package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/classifier"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
)

const (
	ReasonMissingKey  = "missing key field"
	ReasonUnparseable = "unparseable"
)

// NormalizationError describes why a single provider record was dropped.
type NormalizationError struct {
	StationID string
	Field     string
	Reason    string
	Value     string
}

func (e *NormalizationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("normalize %s: field %s: %s (%q)", e.stationLabel(), e.Field, e.Reason, e.Value)
	}
	return fmt.Sprintf("normalize %s: field %s: %s", e.stationLabel(), e.Field, e.Reason)
}

func (e *NormalizationError) stationLabel() string {
	if e.StationID == "" {
		return "record"
	}
	return "station " + e.StationID
}

// providerZone is the offset of provider timestamps that carry no zone.
var providerZone = time.FixedZone("Asia/Taipei", 8*60*60)

var publishTimeLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
}

var noDataSentinels = map[string]bool{
	"":     true,
	"-":    true,
	"--":   true,
	"nd":   true,
	"n/a":  true,
	"na":   true,
	"x":    true,
	"null": true,
}

var fieldAliases = map[string][]string{
	"stationId":   {"stationid", "siteid", "site_id", "station_id"},
	"name":        {"sitename", "name", "site_name"},
	"county":      {"county"},
	"aqi":         {"aqi"},
	"pm25":        {"pm25", "pm2.5", "pm2_5"},
	"pm10":        {"pm10"},
	"publishTime": {"publishtime", "publish_time", "datacreationdate"},
	"statusFlag":  {"statusflag", "providerflag", "status_flag"},
	"status":      {"status"},
	"latitude":    {"latitude", "twd97lat", "lat"},
	"longitude":   {"longitude", "twd97lon", "lon"},
}

// Normalize converts one provider record into a Reading stamped with now.
// It has no side effects; errors are always *NormalizationError.
func Normalize(raw types.RawRecord, now time.Time) (types.Reading, error) {
	rec := index(raw)

	stationID, ok := rec.text("stationId")
	if !ok || stationID == "" {
		return types.Reading{}, &NormalizationError{Field: "stationId", Reason: ReasonMissingKey}
	}

	publishRaw, ok := rec.text("publishTime")
	if !ok || publishRaw == "" {
		return types.Reading{}, &NormalizationError{StationID: stationID, Field: "publishTime", Reason: ReasonMissingKey}
	}
	publishTime, err := parsePublishTime(publishRaw)
	if err != nil {
		return types.Reading{}, &NormalizationError{StationID: stationID, Field: "publishTime", Reason: ReasonUnparseable, Value: publishRaw}
	}

	aqiF, err := rec.number("aqi")
	if err != nil {
		return types.Reading{}, fieldErr(stationID, "aqi", err)
	}
	pm25, err := rec.number("pm25")
	if err != nil {
		return types.Reading{}, fieldErr(stationID, "pm25", err)
	}
	pm10, err := rec.number("pm10")
	if err != nil {
		return types.Reading{}, fieldErr(stationID, "pm10", err)
	}

	var aqi *int
	if aqiF != nil {
		v := int(math.Round(*aqiF))
		aqi = &v
	}

	flag := rec.flag()
	name, _ := rec.text("name")
	county, _ := rec.text("county")

	return types.Reading{
		StationID:   stationID,
		StationName: name,
		County:      county,
		AQI:         aqi,
		PM25:        pm25,
		PM10:        pm10,
		Status:      classifier.Classify(aqi, flag),
		Flag:        flag,
		PublishTime: publishTime.UTC(),
		IngestedAt:  now.UTC(),
	}, nil
}

// NormalizeAll normalizes each record independently, returning successes
// and failures in input order.
func NormalizeAll(raws []types.RawRecord, now time.Time) ([]types.Reading, []*NormalizationError) {
	readings := make([]types.Reading, 0, len(raws))
	var failures []*NormalizationError
	for _, raw := range raws {
		r, err := Normalize(raw, now)
		if err != nil {
			failures = append(failures, err.(*NormalizationError))
			continue
		}
		readings = append(readings, r)
	}
	return readings, failures
}

type unparseableError struct{ value string }

func (e *unparseableError) Error() string { return ReasonUnparseable }

func fieldErr(stationID, field string, err error) *NormalizationError {
	ne := &NormalizationError{StationID: stationID, Field: field, Reason: ReasonUnparseable}
	if u, ok := err.(*unparseableError); ok {
		ne.Value = u.value
	}
	return ne
}

func parsePublishTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range publishTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, providerZone); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized publish time %q", s)
}

// record is a RawRecord re-keyed by lower-case field name.
type record map[string]any

func index(raw types.RawRecord) record {
	out := make(record, len(raw))
	for k, v := range raw {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func (r record) lookup(field string) (any, bool) {
	for _, alias := range fieldAliases[field] {
		if v, ok := r[alias]; ok {
			return v, true
		}
	}
	return nil, false
}

func (r record) text(field string) (string, bool) {
	v, ok := r.lookup(field)
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return strings.TrimSpace(fmt.Sprint(t)), true
	}
}

// number returns nil for absent or "no data" values.
func (r record) number(field string) (*float64, error) {
	v, ok := r.lookup(field)
	if !ok || v == nil {
		return nil, nil
	}
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case float64:
		return &t, nil
	case int:
		f := float64(t)
		return &f, nil
	case string:
		s = strings.TrimSpace(t)
	default:
		return nil, &unparseableError{value: fmt.Sprint(t)}
	}
	if noDataSentinels[strings.ToLower(s)] {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &unparseableError{value: s}
	}
	return &f, nil
}

func (r record) flag() classifier.Flag {
	if s, ok := r.text("statusFlag"); ok && s != "" {
		return classifier.ParseFlag(s)
	}
	if s, ok := r.text("status"); ok {
		return classifier.ParseFlag(s)
	}
	return classifier.NoFlag
}
