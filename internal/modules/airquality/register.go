package airquality

import (
	"net/http"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/controller"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/service"
)

func RegisterFeature(mux *http.ServeMux, facade service.Facade) {
	airQualityController := controller.NewAirQualityController(facade)
	airQualityController.RegisterRoutes(mux)
}
