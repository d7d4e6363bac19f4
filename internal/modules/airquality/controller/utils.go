package controller

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/repository"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/service"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
)

var validate = validator.New()

// aqiRow is one element of GET /api/aqi_data. Absent values encode as null.
type aqiRow struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	County          string     `json:"county"`
	AQI             *int       `json:"aqi"`
	PM25            *float64   `json:"pm25"`
	PM10            *float64   `json:"pm10"`
	Status          *string    `json:"status"`
	StatusClassName string     `json:"status_class_name"`
	Region          string     `json:"region"`
	PublishTime     *time.Time `json:"publish_time"`
}

type stationResponse struct {
	aqiRow
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Label      string   `json:"label"`
	DistanceKm *float64 `json:"distance_km,omitempty"`
}

func toRow(v service.StationView) aqiRow {
	row := aqiRow{
		ID:              v.Station.ID,
		Name:            v.Station.Name,
		County:          v.Station.County,
		Region:          v.Station.Region,
		StatusClassName: v.Slug,
	}
	if rd := v.Reading; rd != nil {
		status := string(rd.Status)
		pt := rd.PublishTime
		row.AQI = rd.AQI
		row.PM25 = rd.PM25
		row.PM10 = rd.PM10
		row.Status = &status
		row.PublishTime = &pt
	}
	return row
}

func toStation(v service.StationView) stationResponse {
	return stationResponse{
		aqiRow:    toRow(v),
		Latitude:  v.Station.Latitude,
		Longitude: v.Station.Longitude,
		Label:     v.Label,
	}
}

func parseFilter(r *http.Request) (types.Filter, error) {
	q := r.URL.Query()
	f := types.Filter{
		Status: strings.TrimSpace(q.Get("status")),
		Region: strings.TrimSpace(q.Get("region")),
	}
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field := strings.ToLower(verrs[0].Field())
			return types.Filter{}, fmt.Errorf("invalid '%s' %q", field, verrs[0].Value())
		}
		return types.Filter{}, err
	}
	return f, nil
}

func parseCoords(r *http.Request) (lat, lon float64, err error) {
	q := r.URL.Query()
	lat, err = parseCoord(q.Get("lat"), "lat", 90)
	if err != nil {
		return 0, 0, err
	}
	lon, err = parseCoord(q.Get("lon"), "lon", 180)
	if err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}

func parseCoord(s, name string, limit float64) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing '%s'", name)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid '%s' (expected number)", name)
	}
	if v < -limit || v > limit {
		return 0, fmt.Errorf("'%s' must be within ±%g", name, limit)
	}
	return v, nil
}

// readStatus maps facade errors to a status code. Storage failures are
// reported as temporarily unavailable.
func readStatus(err error) (int, string) {
	var se *repository.StorageError
	if errors.As(err, &se) {
		return http.StatusServiceUnavailable, "snapshot temporarily unavailable"
	}
	return http.StatusInternalServerError, "failed to read snapshot"
}
