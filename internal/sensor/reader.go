// Package sensor fetches local and regional PM2.5 data from PurpleAir and
// turns it into scored readings.
package sensor

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/aqi"
	"github.com/afroash/aq-notify/internal/errs"
	"github.com/afroash/aq-notify/internal/models"
	"github.com/afroash/aq-notify/internal/retry"
)

// Fetcher is the raw data source
type Fetcher interface {
	FetchLocalReading(ctx context.Context, sensorIndex int) (LocalSample, error)
	FetchRegionalReadings(ctx context.Context, bbox BBox) ([]aqi.Station, error)
}

var _ Fetcher = (*Client)(nil)

// Reader wraps a Fetcher with retries and scoring
type Reader struct {
	fetcher     Fetcher
	sensorIndex int
	bbox        BBox
	policy      retry.Policy
	logger      zerolog.Logger
}

// NewReader creates a reader for one local station and one region
func NewReader(fetcher Fetcher, sensorIndex int, bbox BBox, policy retry.Policy, logger zerolog.Logger) *Reader {
	return &Reader{
		fetcher:     fetcher,
		sensorIndex: sensorIndex,
		bbox:        bbox,
		policy:      policy,
		logger:      logger,
	}
}

// StationID is the local station's identifier as a string
func (r *Reader) StationID() string {
	return strconv.Itoa(r.sensorIndex)
}

// ReadLocal fetches and scores the local station. When the fetch fails
// after retries the returned reading has ERROR confidence alongside the error.
func (r *Reader) ReadLocal(ctx context.Context) (models.Reading, error) {
	sample, err := retry.DoValue(ctx, r.policy, "fetch local", func(ctx context.Context) (LocalSample, error) {
		return r.fetcher.FetchLocalReading(ctx, r.sensorIndex)
	})
	if err != nil {
		return models.Reading{StationID: r.StationID(), Confidence: aqi.LevelError}, err
	}

	reading, err := Score(r.StationID(), sample)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Float64("a", sample.Atm.A).
			Float64("b", sample.Atm.B).
			Str("confidence", reading.Confidence.String()).
			Msg("Local reading conversion failed")
		if reading.Confidence == aqi.LevelError {
			return reading, errs.DataQuality("sensor.read_local", err)
		}
	}

	r.logger.Info().Msgf("read from station: %s", reading.String())
	return reading, nil
}

// RegionalMean fetches the region and returns the cleaned mean index.
// On fetch failure it returns fallback with the error.
func (r *Reader) RegionalMean(ctx context.Context, fallback float64) (float64, int, error) {
	stations, err := retry.DoValue(ctx, r.policy, "fetch regional", func(ctx context.Context) ([]aqi.Station, error) {
		return r.fetcher.FetchRegionalReadings(ctx, r.bbox)
	})
	if err != nil {
		return fallback, 0, err
	}

	mean, used := aqi.RegionalMean(stations, fallback)
	if used == 0 {
		r.logger.Warn().
			Int("fetched", len(stations)).
			Float64("fallback", fallback).
			Msg("No regional station passed cleaning, using local index")
	} else {
		r.logger.Debug().
			Int("fetched", len(stations)).
			Int("used", used).
			Float64("mean", mean).
			Msg("Regional mean")
	}
	return mean, used, nil
}

// Score converts a raw sample into a Reading. The AQI comes from the
// atmospheric pair and the EPA value from the CF=1 pair when present.
// LOW pairs contribute their maximum channel. An index conversion failure
// yields ERROR confidence; an EPA failure leaves EPA at zero and is
// returned alongside an otherwise usable reading.
func Score(stationID string, s LocalSample) (models.Reading, error) {
	reading := models.Reading{
		StationID: stationID,
		Timestamp: s.Timestamp,
		ChannelA:  s.Atm.A,
		ChannelB:  s.Atm.B,
		CF1:       s.CF1,
		Humidity:  s.Humidity,
	}

	atm := aqi.ScorePair(s.Atm.A, s.Atm.B)
	if atm.Level == aqi.LevelError {
		reading.Confidence = aqi.LevelError
		return reading, aqi.ErrInvalidConcentration
	}
	index, err := aqi.AQI(atm.Value)
	if err != nil {
		reading.Confidence = aqi.LevelError
		return reading, err
	}
	reading.AQI = index
	reading.Confidence = atm.Level

	epaValue := atm.Value
	if s.CF1 != nil {
		cf1 := aqi.ScorePair(s.CF1.A, s.CF1.B)
		reading.Confidence = aqi.Worst(reading.Confidence, cf1.Level)
		epaValue = cf1.Value
	}

	epa, err := aqi.EPA(s.Humidity, epaValue)
	if err != nil {
		return reading, err
	}
	reading.EPA = epa
	return reading, nil
}
