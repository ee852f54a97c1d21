// Package types provides shared type definitions used across tabboost.
package types

import "time"

// Default and neutral values for audio settings.
const (
	DefaultVolume     = 100.0
	DefaultBassBoost  = 100.0
	DefaultVoiceBoost = 100.0
	DefaultSpeed      = 100.0

	MaxVolume     = 1000.0
	MaxBassBoost  = 200.0
	MaxVoiceBoost = 200.0
)

// Timing constants shared by the background and the frames.
const (
	// PersistDebounce is the quiet period before settings are written to storage.
	PersistDebounce = 1000 * time.Millisecond
	// MediaScanDebounce is the quiet period before added DOM nodes trigger a rescan.
	MediaScanDebounce = 500 * time.Millisecond
	// HostnameRequestDelay is the wait before an iframe asks the top frame for its hostname.
	HostnameRequestDelay = 500 * time.Millisecond
	// HostnameRequestTimeout is how long an iframe waits for the top frame to answer.
	HostnameRequestTimeout = 10000 * time.Millisecond
)

// AudioSettings is an immutable snapshot of the audio adjustments for a page.
type AudioSettings struct {
	// Volume is the output volume in percent (0-1000).
	Volume float64 `json:"volume" validate:"gte=0,lte=1000"`
	// BassBoost is the low-shelf level in percent, 100 is neutral (0-200).
	BassBoost float64 `json:"bassBoost" validate:"gte=0,lte=200"`
	// VoiceBoost is the presence peak level in percent, 100 is neutral (0-200).
	VoiceBoost float64 `json:"voiceBoost" validate:"gte=0,lte=200"`
	// Mono reports whether both channels are down-mixed.
	Mono bool `json:"mono"`
	// Speed is the playback rate in percent.
	Speed float64 `json:"speed" validate:"gt=0,lte=1600"`
}

// DefaultAudioSettings returns the neutral settings used for fresh installs and disabled sites.
func DefaultAudioSettings() AudioSettings {
	return AudioSettings{
		Volume:     DefaultVolume,
		BassBoost:  DefaultBassBoost,
		VoiceBoost: DefaultVoiceBoost,
		Mono:       false,
		Speed:      DefaultSpeed,
	}
}

// AudioSettingsPatch carries the fields of a partial settings change.
// Nil fields keep the previous value.
type AudioSettingsPatch struct {
	Volume     *float64 `json:"volume,omitempty" validate:"omitempty,gte=0,lte=1000"`
	BassBoost  *float64 `json:"bassBoost,omitempty" validate:"omitempty,gte=0,lte=200"`
	VoiceBoost *float64 `json:"voiceBoost,omitempty" validate:"omitempty,gte=0,lte=200"`
	Mono       *bool    `json:"mono,omitempty"`
	Speed      *float64 `json:"speed,omitempty" validate:"omitempty,gt=0,lte=1600"`
}

// Merge returns a copy of s with the non-nil fields of p applied.
func (s AudioSettings) Merge(p AudioSettingsPatch) AudioSettings {
	if p.Volume != nil {
		s.Volume = *p.Volume
	}
	if p.BassBoost != nil {
		s.BassBoost = *p.BassBoost
	}
	if p.VoiceBoost != nil {
		s.VoiceBoost = *p.VoiceBoost
	}
	if p.Mono != nil {
		s.Mono = *p.Mono
	}
	if p.Speed != nil {
		s.Speed = *p.Speed
	}
	return s
}

// Patch returns a patch that sets every field to the value in s.
func (s AudioSettings) Patch() AudioSettingsPatch {
	return AudioSettingsPatch{
		Volume:     &s.Volume,
		BassBoost:  &s.BassBoost,
		VoiceBoost: &s.VoiceBoost,
		Mono:       &s.Mono,
		Speed:      &s.Speed,
	}
}

// NeedsAudioGraph reports whether any graph-affecting value differs from neutral.
// Speed is applied directly to the media element and never needs the graph.
func (s AudioSettings) NeedsAudioGraph() bool {
	return s.Volume != DefaultVolume ||
		s.BassBoost != DefaultBassBoost ||
		s.VoiceBoost != DefaultVoiceBoost ||
		s.Mono
}

// Mode selects which settings apply to a site.
type Mode string

// Site modes.
const (
	ModeGlobal   Mode = "global"
	ModeSite     Mode = "site"
	ModeDisabled Mode = "disabled"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeGlobal, ModeSite, ModeDisabled:
		return true
	}
	return false
}

// SiteSettings is the stored record for a single hostname.
type SiteSettings struct {
	Enabled       bool           `json:"enabled"`
	ActiveSetting Mode           `json:"activeSetting"`
	Settings      *AudioSettings `json:"settings,omitempty"`
}

// Clone returns a deep copy of s.
func (s SiteSettings) Clone() SiteSettings {
	if s.Settings != nil {
		settings := *s.Settings
		s.Settings = &settings
	}
	return s
}

// UsesGlobal reports whether the site follows the global settings.
func (s SiteSettings) UsesGlobal() bool {
	return s.ActiveSetting == ModeGlobal || s.ActiveSetting == ""
}

// Effective returns the settings that playback must use for this site.
// Global mode always resolves to the current global settings, disabled mode to the defaults.
func (s SiteSettings) Effective(global AudioSettings) AudioSettings {
	switch {
	case s.ActiveSetting == ModeDisabled || !s.Enabled:
		return DefaultAudioSettings()
	case s.ActiveSetting == ModeSite && s.Settings != nil:
		return *s.Settings
	default:
		return global
	}
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
