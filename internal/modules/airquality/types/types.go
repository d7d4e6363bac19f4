package types

import (
	"time"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/classifier"
)

type Station struct {
	ID        string   `json:"id" validate:"required,max=50"`
	Name      string   `json:"name" validate:"required,max=100"`
	County    string   `json:"county" validate:"max=50"`
	Region    string   `json:"region"`
	Latitude  *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

// Reading is the current observation for a station. Nil pointers mean the
// provider reported no data for that field.
type Reading struct {
	StationID   string              `json:"stationId"`
	StationName string              `json:"-"`
	County      string              `json:"-"`
	AQI         *int                `json:"aqi"`
	PM25        *float64            `json:"pm25"`
	PM10        *float64            `json:"pm10"`
	Status      classifier.Category `json:"status"`
	Flag        classifier.Flag     `json:"-"`
	PublishTime time.Time           `json:"publishTime"`
	IngestedAt  time.Time           `json:"ingestedAt"`
}

// RawRecord is one undecoded provider record keyed by field name.
// Values are strings, json.Number or nil.
type RawRecord map[string]any

// StationReading pairs a station with its current reading. Reading is nil
// when the station has never been observed.
type StationReading struct {
	Station Station
	Reading *Reading
}

type Filter struct {
	Status string `validate:"omitempty,oneof=good moderate unhealthy_sensitive unhealthy very_unhealthy hazardous maintenance invalid na unknown"`
	Region string `validate:"omitempty,oneof=north central south east islands other"`
}
