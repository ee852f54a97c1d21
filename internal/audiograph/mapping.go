package audiograph

import "github.com/oszuidwest/zwfm-tabboost/internal/types"

// Fixed filter tuning.
const (
	BassFrequency  = 100.0
	VoiceFrequency = 2000.0
	VoiceQ         = 1.0

	maxBassDB  = 15.0
	maxVoiceDB = 24.0
)

// GainValue maps a volume percentage to a linear gain.
func GainValue(volume float64) float64 {
	return clamp(volume, 0, types.MaxVolume) / 100
}

// BassGainDB maps a bass boost percentage to the low-shelf gain in dB.
func BassGainDB(bassBoost float64) float64 {
	return clamp((bassBoost-100)/100*maxBassDB, -maxBassDB, maxBassDB)
}

// VoiceGainDB maps a voice boost percentage to the peaking filter gain in dB.
func VoiceGainDB(voiceBoost float64) float64 {
	return clamp((voiceBoost-100)/100*maxVoiceDB, -maxVoiceDB, maxVoiceDB)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
