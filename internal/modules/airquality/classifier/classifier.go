// Package classifier maps AQI values and provider flags to health-status
// categories.
package classifier

import "strings"

type Category string

const (
	Good               Category = "good"
	Moderate           Category = "moderate"
	UnhealthySensitive Category = "unhealthy_sensitive"
	Unhealthy          Category = "unhealthy"
	VeryUnhealthy      Category = "very_unhealthy"
	Hazardous          Category = "hazardous"
	Maintenance        Category = "maintenance"
	Invalid            Category = "invalid"
	NA                 Category = "na"
	Unknown            Category = "unknown"
)

type Flag int

const (
	NoFlag Flag = iota
	FlagMaintenance
	FlagInvalid
)

type band struct {
	min      int
	category Category
}

// bands are ordered by ascending lower bound; each is inclusive of min.
var bands = []band{
	{0, Good},
	{51, Moderate},
	{101, UnhealthySensitive},
	{151, Unhealthy},
	{201, VeryUnhealthy},
	{301, Hazardous},
}

var info = map[Category]struct{ slug, label string }{
	Good:               {"status-good", "Good"},
	Moderate:           {"status-moderate", "Moderate"},
	UnhealthySensitive: {"status-unhealthy-sensitive", "Unhealthy for Sensitive Groups"},
	Unhealthy:          {"status-unhealthy", "Unhealthy"},
	VeryUnhealthy:      {"status-very-unhealthy", "Very Unhealthy"},
	Hazardous:          {"status-hazardous", "Hazardous"},
	Maintenance:        {"status-maintenance", "Maintenance"},
	Invalid:            {"status-invalid", "Invalid"},
	NA:                 {"status-na", "No Data"},
	Unknown:            {"status-unknown", "Unknown"},
}

// Classify returns the category for aqi under the given provider flag.
// Flags win over the numeric value.
func Classify(aqi *int, flag Flag) Category {
	switch flag {
	case FlagMaintenance:
		return Maintenance
	case FlagInvalid:
		return Invalid
	}
	if aqi == nil {
		return NA
	}
	v := *aqi
	if v < 0 {
		return Unknown
	}
	c := Unknown
	for _, b := range bands {
		if v >= b.min {
			c = b.category
		}
	}
	return c
}

// Slug returns the stable display key used by page styles.
func (c Category) Slug() string {
	if i, ok := info[c]; ok {
		return i.slug
	}
	return info[Unknown].slug
}

func (c Category) Label() string {
	if i, ok := info[c]; ok {
		return i.label
	}
	return info[Unknown].label
}

func (c Category) Valid() bool {
	_, ok := info[c]
	return ok
}

// Categories lists every category in severity order followed by the
// non-numeric ones.
func Categories() []Category {
	return []Category{Good, Moderate, UnhealthySensitive, Unhealthy, VeryUnhealthy, Hazardous, Maintenance, Invalid, NA, Unknown}
}

// String returns the stored form of f; ParseFlag reads it back.
func (f Flag) String() string {
	switch f {
	case FlagMaintenance:
		return "maintenance"
	case FlagInvalid:
		return "invalid"
	default:
		return ""
	}
}

// ParseFlag recognizes provider flag text. Anything unrecognized is NoFlag,
// so upstream status labels such as "良好" never influence the category.
func ParseFlag(s string) Flag {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "maintenance", "設備維護", "維護":
		return FlagMaintenance
	case "invalid", "無效", "資料無效":
		return FlagInvalid
	default:
		return NoFlag
	}
}
