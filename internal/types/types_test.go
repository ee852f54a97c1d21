package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeProducesNewValue(t *testing.T) {
	t.Parallel()
	base := DefaultAudioSettings()
	vol := 300.0
	mono := true

	merged := base.Merge(AudioSettingsPatch{Volume: &vol, Mono: &mono})

	assert.Equal(t, 300.0, merged.Volume)
	assert.True(t, merged.Mono)
	assert.Equal(t, DefaultBassBoost, merged.BassBoost)
	assert.Equal(t, DefaultVolume, base.Volume, "original must not change")
	assert.False(t, base.Mono)
}

func TestNeedsAudioGraph(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		modify func(*AudioSettings)
		want   bool
	}{
		{name: "defaults", modify: func(*AudioSettings) {}, want: false},
		{name: "speed only", modify: func(s *AudioSettings) { s.Speed = 150 }, want: false},
		{name: "volume", modify: func(s *AudioSettings) { s.Volume = 101 }, want: true},
		{name: "bass", modify: func(s *AudioSettings) { s.BassBoost = 50 }, want: true},
		{name: "voice", modify: func(s *AudioSettings) { s.VoiceBoost = 150 }, want: true},
		{name: "mono", modify: func(s *AudioSettings) { s.Mono = true }, want: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultAudioSettings()
			tc.modify(&s)
			assert.Equal(t, tc.want, s.NeedsAudioGraph())
		})
	}
}

func TestSiteSettingsEffective(t *testing.T) {
	t.Parallel()
	global := DefaultAudioSettings()
	global.Volume = 250
	stored := DefaultAudioSettings()
	stored.Volume = 40

	site := SiteSettings{Enabled: true, ActiveSetting: ModeGlobal, Settings: &stored}
	assert.Equal(t, global, site.Effective(global))

	site.ActiveSetting = ModeSite
	assert.Equal(t, stored, site.Effective(global))

	site.ActiveSetting = ModeDisabled
	site.Enabled = false
	assert.Equal(t, DefaultAudioSettings(), site.Effective(global))
	assert.Equal(t, 40.0, site.Settings.Volume, "stored snapshot survives disable")
}

func TestSiteSettingsCloneIsDeep(t *testing.T) {
	t.Parallel()
	stored := DefaultAudioSettings()
	site := SiteSettings{Enabled: true, ActiveSetting: ModeSite, Settings: &stored}

	c := site.Clone()
	c.Settings.Volume = 900

	assert.Equal(t, DefaultVolume, site.Settings.Volume)
}

func TestValidationErrorMessage(t *testing.T) {
	t.Parallel()
	verr := NewValidationError()
	verr.Add("volume", "must be at most 1000", 2000)
	verr.Add("mode", "is required", "")

	assert.Equal(t, "validation failed: volume must be at most 1000; mode is required", verr.Error())
}
