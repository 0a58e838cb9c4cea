package window

import (
	"math"
	"time"
)

// RateOfChange fits a least-squares line through values spaced poll apart
// and returns the slope in AQI per hour, rounded to one decimal.
// Fewer than two values, or a non-positive poll, give 0.
func RateOfChange(values []int, poll time.Duration) float64 {
	n := len(values)
	step := poll.Minutes()
	if n < 2 || step <= 0 {
		return 0
	}

	var sumX, sumY float64
	for i, v := range values {
		sumX += float64(i) * step
		sumY += float64(v)
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var num, den float64
	for i, v := range values {
		dx := float64(i)*step - meanX
		num += dx * (float64(v) - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}

	perHour := num / den * 60
	return math.Round(perHour*10) / 10
}

// Trend is RateOfChange over the buffer's current contents
func (b *Buffer) Trend(poll time.Duration) float64 {
	return RateOfChange(b.Values(), poll)
}
