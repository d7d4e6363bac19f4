package controller

import (
	"bytes"
	"log/slog"
	"net/http"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/views"
	"github.com/ab000641/air-quality-monitor/internal/utils"
)

func (c *airQualityControllerImpl) handleIndex(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := c.facade.SnapshotFor(r.Context(), filter)
	if err != nil {
		slog.Error("index: snapshot failed", "error", err)
		status, msg := readStatus(err)
		utils.WriteError(w, status, msg)
		return
	}
	var buf bytes.Buffer
	if err := views.RenderIndex(&buf, views.BuildIndex(list, filter)); err != nil {
		slog.Error("index template render failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to render page")
		return
	}
	utils.WriteHTML(w, http.StatusOK, buf.Bytes())
}

func (c *airQualityControllerImpl) handleStationsPartial(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := c.facade.SnapshotFor(r.Context(), filter)
	if err != nil {
		slog.Error("stations partial: snapshot failed", "error", err)
		status, msg := readStatus(err)
		utils.WriteError(w, status, msg)
		return
	}
	var buf bytes.Buffer
	if err := views.RenderStationsPartial(&buf, views.BuildIndex(list, filter)); err != nil {
		slog.Error("stations partial render failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to render")
		return
	}
	utils.WriteHTML(w, http.StatusOK, buf.Bytes())
}

func (c *airQualityControllerImpl) handleAQIData(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := c.facade.SnapshotFor(r.Context(), filter)
	if err != nil {
		slog.Error("aqi data: snapshot failed", "error", err)
		status, msg := readStatus(err)
		utils.WriteError(w, status, msg)
		return
	}
	rows := make([]aqiRow, 0, len(list))
	for _, v := range list {
		rows = append(rows, toRow(v))
	}
	utils.WriteJSON(w, http.StatusOK, rows)
}

func (c *airQualityControllerImpl) handleStation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing station id")
		return
	}
	v, err := c.facade.Current(r.Context(), id)
	if err != nil {
		slog.Error("station: read failed", "station_id", id, "error", err)
		status, msg := readStatus(err)
		utils.WriteError(w, status, msg)
		return
	}
	if v == nil {
		utils.WriteError(w, http.StatusNotFound, "unknown station")
		return
	}
	utils.WriteJSON(w, http.StatusOK, toStation(*v))
}

func (c *airQualityControllerImpl) handleNearest(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := parseCoords(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, dist, err := c.facade.Nearest(r.Context(), lat, lon)
	if err != nil {
		slog.Error("nearest: read failed", "error", err)
		status, msg := readStatus(err)
		utils.WriteError(w, status, msg)
		return
	}
	if v == nil {
		utils.WriteError(w, http.StatusNotFound, "no station with coordinates")
		return
	}
	resp := toStation(*v)
	resp.DistanceKm = &dist
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (c *airQualityControllerImpl) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := c.facade.Status(r.Context())
	if err != nil {
		slog.Error("ingestion status: read failed", "error", err)
		status, msg := readStatus(err)
		utils.WriteError(w, status, msg)
		return
	}
	utils.WriteJSON(w, http.StatusOK, st)
}
