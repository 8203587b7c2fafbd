package background

import "math"

// Summarize returns the mean and population standard deviation of values,
// summing in slice order. An empty slice yields zeros.
func Summarize(values []float64) (mean, stdev float64) {
	if len(values) == 0 {
		return 0, 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
