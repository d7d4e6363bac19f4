package views

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"sort"
	"time"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/classifier"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/service"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
)

//go:embed templates
var viewsFS embed.FS

var pageTmpl *template.Template

var funcs = template.FuncMap{
	"aqi": func(v *int) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%d", *v)
	},
	"num": func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%.1f", *v)
	},
	"when": func(t *time.Time) string {
		if t == nil {
			return "never"
		}
		return t.UTC().Format("2006-01-02 15:04 MST")
	},
}

// loadTemplatesFromFS loads page templates from the given fs and dir.
// Tests use it to simulate failures.
func loadTemplatesFromFS(fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	pageTmpl, err = template.New("").Funcs(funcs).ParseFS(sub, "*.html", "partials/*.html")
	if err != nil {
		return err
	}
	return nil
}

// LoadTemplates loads the embedded templates. Call during startup before
// serving requests; if it returns an error, do not start the server.
func LoadTemplates() error {
	return loadTemplatesFromFS(viewsFS, "templates")
}

type StationCard struct {
	ID          string
	Name        string
	AQI         *int
	PM25        *float64
	PM10        *float64
	Slug        string
	Label       string
	PublishTime *time.Time
}

type CountyGroup struct {
	County   string
	Stations []StationCard
}

type FilterOption struct {
	Value    string
	Label    string
	Selected bool
}

type IndexData struct {
	Groups   []CountyGroup
	Statuses []FilterOption
	Regions  []FilterOption
	Status   string
	Region   string
}

var regions = []string{"north", "central", "south", "east", "islands", "other"}

// BuildIndex groups station views by county, keeping the input order
// within each county.
func BuildIndex(list []service.StationView, filter types.Filter) *IndexData {
	byCounty := map[string]*CountyGroup{}
	var order []string
	for _, v := range list {
		county := v.Station.County
		if county == "" {
			county = "Unknown"
		}
		g, ok := byCounty[county]
		if !ok {
			g = &CountyGroup{County: county}
			byCounty[county] = g
			order = append(order, county)
		}
		card := StationCard{
			ID:    v.Station.ID,
			Name:  v.Station.Name,
			Slug:  v.Slug,
			Label: v.Label,
		}
		if v.Reading != nil {
			card.AQI = v.Reading.AQI
			card.PM25 = v.Reading.PM25
			card.PM10 = v.Reading.PM10
			pt := v.Reading.PublishTime
			card.PublishTime = &pt
		}
		g.Stations = append(g.Stations, card)
	}
	sort.Strings(order)

	data := &IndexData{Status: filter.Status, Region: filter.Region}
	for _, c := range order {
		data.Groups = append(data.Groups, *byCounty[c])
	}
	for _, c := range classifier.Categories() {
		data.Statuses = append(data.Statuses, FilterOption{Value: string(c), Label: c.Label(), Selected: string(c) == filter.Status})
	}
	for _, r := range regions {
		data.Regions = append(data.Regions, FilterOption{Value: r, Label: r, Selected: r == filter.Region})
	}
	return data
}

func RenderIndex(w io.Writer, data *IndexData) error {
	if pageTmpl == nil {
		return errors.New("index template not loaded: call views.LoadTemplates during startup")
	}
	return pageTmpl.ExecuteTemplate(w, "index.html", data)
}

// RenderStationsPartial executes only the station cards into w, for
// fragment refresh.
func RenderStationsPartial(w io.Writer, data *IndexData) error {
	if pageTmpl == nil {
		return errors.New("index template not loaded: call views.LoadTemplates during startup")
	}
	return pageTmpl.ExecuteTemplate(w, "stations", data)
}
