// Package audio provides level metering for rendered float PCM.
package audio

import "math"

const (
	// MinDB is the minimum dB level (silence).
	MinDB = -60.0
	// FullScale is the sample magnitude of 0 dBFS.
	FullScale = 1.0
)

// LevelData holds raw sample accumulator data for level calculation.
type LevelData struct {
	SumSquaresL float64
	SumSquaresR float64
	PeakL       float64
	PeakR       float64
	ClipCountL  int
	ClipCountR  int
	SampleCount int
}

// ProcessSamples accumulates level data for a block of stereo samples.
// left and right must have the same length.
func ProcessSamples(left, right []float64, data *LevelData) {
	for i := range left {
		l, r := left[i], right[i]

		data.SumSquaresL += l * l
		data.SumSquaresR += r * r

		absL, absR := math.Abs(l), math.Abs(r)
		data.PeakL = max(data.PeakL, absL)
		data.PeakR = max(data.PeakR, absR)

		if absL >= FullScale {
			data.ClipCountL++
		}
		if absR >= FullScale {
			data.ClipCountR++
		}

		data.SampleCount++
	}
}

// Levels contains calculated audio levels in dBFS.
type Levels struct {
	RMSLeft   float64 `json:"rms_left"`
	RMSRight  float64 `json:"rms_right"`
	PeakLeft  float64 `json:"peak_left"`
	PeakRight float64 `json:"peak_right"`
	ClipLeft  int     `json:"clip_left,omitzero"`
	ClipRight int     `json:"clip_right,omitzero"`
}

// CalculateLevels computes RMS and peak levels from accumulated sample data.
func CalculateLevels(data *LevelData) Levels {
	if data.SampleCount == 0 {
		return Levels{
			RMSLeft: MinDB, RMSRight: MinDB,
			PeakLeft: MinDB, PeakRight: MinDB,
		}
	}

	rmsL := math.Sqrt(data.SumSquaresL / float64(data.SampleCount))
	rmsR := math.Sqrt(data.SumSquaresR / float64(data.SampleCount))

	return Levels{
		RMSLeft:   ToDB(rmsL),
		RMSRight:  ToDB(rmsR),
		PeakLeft:  ToDB(data.PeakL),
		PeakRight: ToDB(data.PeakR),
		ClipLeft:  data.ClipCountL,
		ClipRight: data.ClipCountR,
	}
}

// ToDB converts a linear magnitude to dBFS, floored at MinDB.
func ToDB(v float64) float64 {
	if v <= 0 {
		return MinDB
	}
	return max(20*math.Log10(v/FullScale), MinDB)
}

// Reset resets accumulators for the next measurement period.
func (d *LevelData) Reset() {
	d.SampleCount = 0
	d.SumSquaresL = 0
	d.SumSquaresR = 0
	d.PeakL = 0
	d.PeakR = 0
	d.ClipCountL = 0
	d.ClipCountR = 0
}
