package scheduler

import (
	"fmt"
	"time"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/fetcher"
)

type Diagnostic struct {
	StationID string `json:"stationId,omitempty"`
	Field     string `json:"field,omitempty"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

// CycleReport summarizes one cycle. It is informational only.
type CycleReport struct {
	ID              string       `json:"id"`
	Outcome         State        `json:"outcome"`
	StartedAt       time.Time    `json:"startedAt"`
	FinishedAt      time.Time    `json:"finishedAt"`
	Attempts        int          `json:"attempts"`
	Attempted       int          `json:"attempted"`
	Applied         int          `json:"applied"`
	Skipped         int          `json:"skipped"`
	Malformed       int          `json:"malformed"`
	SnapshotVersion int64        `json:"snapshotVersion"`
	FetchErrorKind  fetcher.Kind `json:"fetchErrorKind,omitempty"`
	Error           string       `json:"error,omitempty"`
	Diagnostics     []Diagnostic `json:"diagnostics,omitempty"`
}

const reasonStale = "stale publish time"

func staleDiagnostic(stationID string, got, stored time.Time) Diagnostic {
	return Diagnostic{
		StationID: stationID,
		Field:     "publishTime",
		Reason:    reasonStale,
		Message:   fmt.Sprintf("publish time %s is older than stored %s", got.Format(time.RFC3339), stored.Format(time.RFC3339)),
	}
}
