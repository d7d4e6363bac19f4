package controller

import (
	"net/http"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/service"
)

type AirQualityController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type airQualityControllerImpl struct {
	facade service.Facade
}

func NewAirQualityController(facade service.Facade) AirQualityController {
	return &airQualityControllerImpl{facade: facade}
}

func (c *airQualityControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", c.handleIndex)
	mux.HandleFunc("GET /partials/stations", c.handleStationsPartial)
	mux.HandleFunc("GET /api/aqi_data", c.handleAQIData)
	mux.HandleFunc("GET /api/stations/nearest", c.handleNearest)
	mux.HandleFunc("GET /api/stations/{id}", c.handleStation)
	mux.HandleFunc("GET /api/ingestion/status", c.handleStatus)
}
