// Package mediaproc applies audio settings to media elements. Playback speed
// is set on the element directly; volume, bass, voice and mono go through
// the audio graph.
package mediaproc

import (
	"errors"
	"log/slog"
	"math"

	"github.com/oszuidwest/zwfm-tabboost/internal/audiograph"
	"github.com/oszuidwest/zwfm-tabboost/internal/dom"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

// Processor routes settings to media elements.
type Processor struct {
	audio *audiograph.Processor
}

// New returns a Processor driving audio.
func New(audio *audiograph.Processor) *Processor {
	return &Processor{audio: audio}
}

// Audio returns the underlying graph processor.
func (p *Processor) Audio() *audiograph.Processor {
	return p.audio
}

// ApplyImmediate sets the playback rate of el from settings.Speed. Some
// browsers reset the position on a rate change, so position and play state
// are restored afterwards.
func (p *Processor) ApplyImmediate(el dom.Media, settings types.AudioSettings) {
	rate := settings.Speed / 100
	if rate <= 0 {
		rate = 1
	}
	if el.PlaybackRate() == rate {
		return
	}

	position := el.CurrentTime()
	wasPlaying := !el.Paused()

	el.SetPlaybackRate(rate)
	el.SetDefaultPlaybackRate(rate)

	if math.Abs(el.CurrentTime()-position) > 0.01 {
		el.SetCurrentTime(position)
	}
	if wasPlaying && el.Paused() {
		if err := el.Play(); err != nil {
			slog.Warn("failed to resume playback after rate change", "element", el.Handle(), "error", err)
		}
	}
}

// ProcessMediaElements applies speed to every element. When needsProcessing
// is set, elements without a processing chain get one and all chains are
// updated; otherwise existing chains are set to the given settings and no new
// chains are built. Per-element setup failures are collected and returned;
// they never stop the remaining elements.
func (p *Processor) ProcessMediaElements(elements []dom.Media, settings types.AudioSettings, needsProcessing bool) error {
	for _, el := range elements {
		p.ApplyImmediate(el, settings)
	}

	if !needsProcessing {
		if p.audio.Len() > 0 {
			p.updateEffects(settings)
		}
		return nil
	}

	var errs []error
	for _, el := range elements {
		if p.audio.HasProcessing(el) {
			continue
		}
		if _, err := p.audio.SetupAudioContext(el, settings); err != nil {
			slog.Warn("failed to set up audio processing", "element", el.Handle(), "error", err)
			errs = append(errs, util.WrapError("set up audio processing", err))
		}
	}

	// The context may be torn down between setup and update.
	if p.audio.CanApplyAudioEffects() {
		p.updateEffects(settings)
	}
	return errors.Join(errs...)
}

func (p *Processor) updateEffects(settings types.AudioSettings) {
	if err := p.audio.UpdateAudioEffects(settings); err != nil {
		slog.Debug("audio effects skipped", "error", err)
	}
}

// CanApplyAudioEffects reports whether effects can be applied now.
func (p *Processor) CanApplyAudioEffects() bool {
	return p.audio.CanApplyAudioEffects()
}

// Release tears down the chains of elements that left the page.
func (p *Processor) Release(elements []dom.Media) {
	for _, el := range elements {
		p.audio.DisconnectElementNodes(el)
	}
}

// ResetAllToDisabled returns all chains to neutral and releases them.
func (p *Processor) ResetAllToDisabled() {
	p.audio.ResetAllToDisabled()
}

// Cleanup releases every chain and the audio context.
func (p *Processor) Cleanup() {
	p.audio.Cleanup()
}
