package tutor

import "math"

// Mastery bands calibrate the pronunciation scorer's difficulty
// expectations without a separate placement test.
const (
	MinBand     = 1
	MaxBand     = 5
	DefaultBand = 3
)

// BandFromMastery derives the learner's band from prior mastery scores:
// the average divided into five bands of twenty points each. With no
// history the learner is placed mid-level.
func BandFromMastery(scores []float64) int {
	if len(scores) == 0 {
		return DefaultBand
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	avg := sum / float64(len(scores))
	band := int(math.Ceil(avg / 20))
	if band < MinBand {
		band = MinBand
	}
	if band > MaxBand {
		band = MaxBand
	}
	return band
}
