// Package aqi converts PM2.5 concentrations into the US EPA Air Quality Index,
// applies the EPA humidity correction for low-cost sensors and scores the
// agreement of a sensor's redundant channel pair.
//
// Everything here is pure: no I/O, no clock, no shared state.
package aqi

import (
	"errors"
	"math"
)

var (
	// ErrOutOfRange is returned when a concentration falls outside every
	// breakpoint. Callers treat the reading as missing.
	ErrOutOfRange = errors.New("aqi: concentration outside breakpoint table")

	// ErrInvalidConcentration is returned for NaN or infinite input.
	ErrInvalidConcentration = errors.New("aqi: concentration is not a finite number")

	// ErrComputation is returned when the EPA correction produces a
	// non-finite result.
	ErrComputation = errors.New("aqi: epa correction failed")
)

// breakpoint is one row of the PM2.5 AQI table
type breakpoint struct {
	iLow, iHigh float64
	cLow, cHigh float64
}

var pm25Breakpoints = []breakpoint{
	{0, 50, 0, 12},
	{51, 100, 12.1, 35.4},
	{101, 150, 35.5, 55.4},
	{151, 200, 55.5, 150.4},
	{201, 300, 150.5, 250.4},
	{301, 500, 250.5, 500.4},
}

// EPA correction branch point in µg/m³
const epaHighConcentration = 343.0

// AQI averages the supplied PM2.5 concentrations, truncates the mean to
// 0.1 µg/m³, floors it at zero and maps it through the breakpoint table.
func AQI(pm float64, more ...float64) (int, error) {
	sum := pm
	if !finite(pm) {
		return 0, ErrInvalidConcentration
	}
	for _, v := range more {
		if !finite(v) {
			return 0, ErrInvalidConcentration
		}
		sum += v
	}
	mean := sum / float64(len(more)+1)

	c := math.Max(math.Trunc(mean*10)/10, 0)
	for _, bp := range pm25Breakpoints {
		if c >= bp.cLow && c <= bp.cHigh {
			index := (bp.iHigh-bp.iLow)/(bp.cHigh-bp.cLow)*(c-bp.cLow) + bp.iLow
			return int(math.Round(index)), nil
		}
	}
	return 0, ErrOutOfRange
}

// EPA returns the humidity-corrected PM2.5 concentration for the mean of the
// supplied raw readings, rounded to three decimals. Non-finite inputs count
// as zero and negative inputs are clamped to zero.
func EPA(humidity, pm float64, more ...float64) (float64, error) {
	rh := sanitize(humidity)
	sum := sanitize(pm)
	for _, v := range more {
		sum += sanitize(v)
	}
	mean := sum / float64(len(more)+1)

	var corrected float64
	if mean <= epaHighConcentration {
		corrected = 0.52*mean - 0.086*rh + 5.75
	} else {
		corrected = 0.46*mean + 3.93e-4*mean*mean + 2.97
	}
	if !finite(corrected) {
		return 0, ErrComputation
	}
	return math.Round(corrected*1000) / 1000, nil
}

// Category names the AQI band an index falls into
func Category(index int) string {
	switch {
	case index <= 50:
		return "Good"
	case index <= 100:
		return "Moderate"
	case index <= 150:
		return "Unhealthy for Sensitive Groups"
	case index <= 200:
		return "Unhealthy"
	case index <= 300:
		return "Very Unhealthy"
	default:
		return "Hazardous"
	}
}

func sanitize(v float64) float64 {
	if !finite(v) || v < 0 {
		return 0
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
