package normalizer

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
)

var validate = validator.New()

var countyRegions = map[string]string{
	"臺北市": "north", "台北市": "north", "新北市": "north", "基隆市": "north",
	"桃園市": "north", "新竹市": "north", "新竹縣": "north", "宜蘭縣": "north",
	"苗栗縣": "central", "臺中市": "central", "台中市": "central", "彰化縣": "central",
	"南投縣": "central", "雲林縣": "central",
	"嘉義市": "south", "嘉義縣": "south", "臺南市": "south", "台南市": "south",
	"高雄市": "south", "屏東縣": "south",
	"花蓮縣": "east", "臺東縣": "east", "台東縣": "east",
	"澎湖縣": "islands", "金門縣": "islands", "連江縣": "islands",
}

// RegionForCounty groups a county into a coarse region; unknown counties
// map to "other".
func RegionForCounty(county string) string {
	if r, ok := countyRegions[strings.TrimSpace(county)]; ok {
		return r
	}
	return "other"
}

// NormalizeStation converts a catalog record into a Station.
func NormalizeStation(raw types.RawRecord) (types.Station, error) {
	rec := index(raw)

	id, _ := rec.text("stationId")
	name, _ := rec.text("name")
	county, _ := rec.text("county")

	lat, err := rec.number("latitude")
	if err != nil {
		return types.Station{}, fieldErr(id, "latitude", err)
	}
	lon, err := rec.number("longitude")
	if err != nil {
		return types.Station{}, fieldErr(id, "longitude", err)
	}

	s := types.Station{
		ID:        id,
		Name:      name,
		County:    county,
		Region:    RegionForCounty(county),
		Latitude:  lat,
		Longitude: lon,
	}
	if err := validate.Struct(s); err != nil {
		return types.Station{}, fmt.Errorf("station %q: %w", id, err)
	}
	return s, nil
}

// StationFromReading builds the minimal station row for a reading whose
// station is not in the catalog yet.
func StationFromReading(r types.Reading) types.Station {
	name := r.StationName
	if name == "" {
		name = r.StationID
	}
	return types.Station{
		ID:     r.StationID,
		Name:   name,
		County: r.County,
		Region: RegionForCounty(r.County),
	}
}
