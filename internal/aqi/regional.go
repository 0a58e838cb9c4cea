package aqi

import "math"

// MaxValidConcentration is the raw channel ceiling in µg/m³. Stations
// reporting above it on any channel are treated as faulty.
const MaxValidConcentration = 2000.0

// Pair holds the A and B channel readings of one quantity
type Pair struct {
	A float64
	B float64
}

// Station is a regional sensor's atmospheric pair plus its optional
// CF=1 pair.
type Station struct {
	Atm Pair
	CF1 *Pair
}

// Trusted reports whether a station survives regional cleaning: no channel
// over MaxValidConcentration and every present pair scoring GOOD.
func (s Station) Trusted() bool {
	if !pairTrusted(s.Atm) {
		return false
	}
	if s.CF1 != nil && !pairTrusted(*s.CF1) {
		return false
	}
	return true
}

func pairTrusted(p Pair) bool {
	if p.A > MaxValidConcentration || p.B > MaxValidConcentration {
		return false
	}
	return ScorePair(p.A, p.B).Level == LevelGood
}

// RegionalMean averages AQI(atm A, atm B) over the trusted stations and
// rounds to two decimals. It returns fallback and zero when no station is
// usable.
func RegionalMean(stations []Station, fallback float64) (mean float64, used int) {
	var sum float64
	for _, s := range stations {
		if !s.Trusted() {
			continue
		}
		idx, err := AQI(s.Atm.A, s.Atm.B)
		if err != nil {
			continue
		}
		sum += float64(idx)
		used++
	}
	if used == 0 {
		return fallback, 0
	}
	return math.Round(sum/float64(used)*100) / 100, used
}
