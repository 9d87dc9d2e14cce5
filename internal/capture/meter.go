package capture

// Meter folds a magnitude spectrum into a fixed number of visualizer bands.
type Meter struct {
	Bands int
	Gain  float64
}

// Levels splits spectrum into Bands contiguous slices of equal width, averages
// each one and scales it by Gain. Bins past the last full band are ignored.
// The result has Bands entries in [0,1], or is nil when Bands is not positive.
func (m Meter) Levels(spectrum []float64) []float64 {
	if m.Bands <= 0 {
		return nil
	}
	levels := make([]float64, m.Bands)

	bandSize := len(spectrum) / m.Bands
	if bandSize == 0 {
		return levels
	}

	for b := range levels {
		var sum float64
		for _, v := range spectrum[b*bandSize : (b+1)*bandSize] {
			sum += v
		}
		levels[b] = clamp01(sum / float64(bandSize) * m.Gain)
	}
	return levels
}

func clamp01(v float64) float64 {
	if !(v > 0) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
