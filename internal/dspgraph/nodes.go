package dspgraph

import (
	"math"
	"slices"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"

	"github.com/oszuidwest/zwfm-tabboost/internal/audiograph"
)

// maxChannels bounds splitter outputs and merger inputs.
const maxChannels = 32

// shelfQ gives the shelf slope of 1 that WebAudio shelving filters use.
const shelfQ = math.Sqrt2 / 2

type kind int

const (
	kindDestination kind = iota
	kindSource
	kindGain
	kindFilter
	kindSplitter
	kindMerger
)

type edge struct {
	to            *node
	output, input int
}

// node is the shared state behind every node type. Fields are guarded by
// ctx.mu.
type node struct {
	ctx     *Context
	kind    kind
	self    audiograph.Node
	inputs  int
	outputs int
	edges   []edge

	sampler Sampler
	gain    *param
	filter  *filter
}

type baser interface {
	base() *node
}

func (n *node) base() *node { return n }

// Connect routes output of n to input of dst. Repeating an existing
// connection is a no-op.
func (n *node) Connect(dst audiograph.Node, output, input int) error {
	b, ok := dst.(baser)
	if !ok || b.base().ctx != n.ctx {
		return ErrForeignNode
	}
	to := b.base()

	n.ctx.mu.Lock()
	defer n.ctx.mu.Unlock()
	if n.ctx.state == audiograph.StateClosed {
		return ErrClosed
	}
	if output < 0 || output >= n.outputs || input < 0 || input >= to.inputs {
		return ErrIndexSize
	}
	e := edge{to: to, output: output, input: input}
	if slices.Contains(n.edges, e) {
		return nil
	}
	n.edges = append(n.edges, e)
	return nil
}

// Disconnect removes every outgoing connection of n.
func (n *node) Disconnect() error {
	n.ctx.mu.Lock()
	defer n.ctx.mu.Unlock()
	n.edges = nil
	return nil
}

type plainNode struct{ *node }

type gainNode struct{ *node }

func (g *gainNode) Gain() audiograph.Param { return g.gain }

type filterNode struct{ *node }

func (f *filterNode) Type() audiograph.FilterType {
	f.ctx.mu.Lock()
	defer f.ctx.mu.Unlock()
	return f.filter.typ
}

func (f *filterNode) SetType(t audiograph.FilterType) {
	f.ctx.mu.Lock()
	defer f.ctx.mu.Unlock()
	f.filter.typ = t
}

func (f *filterNode) Frequency() audiograph.Param { return f.filter.freq }
func (f *filterNode) Q() audiograph.Param         { return f.filter.q }
func (f *filterNode) Gain() audiograph.Param      { return f.filter.gain }

// param is a k-rate parameter: its value is sampled once per render block.
type param struct {
	ctx    *Context
	value  float64
	events []event // pending changes, sorted by time
}

type event struct {
	t, v float64
}

func newParam(ctx *Context, def float64) *param {
	return &param{ctx: ctx, value: def}
}

// Value returns the value at the current context time.
func (p *param) Value() float64 {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	return p.valueLocked()
}

// SetValueAtTime schedules value from context time t. An event at the same
// time replaces the earlier one.
func (p *param) SetValueAtTime(value, t float64) {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()

	i, found := slices.BinarySearchFunc(p.events, t, func(e event, t float64) int {
		switch {
		case e.t < t:
			return -1
		case e.t > t:
			return 1
		}
		return 0
	})
	if found {
		p.events[i].v = value
	} else {
		p.events = slices.Insert(p.events, i, event{t: t, v: value})
	}
	p.valueLocked()
}

// valueLocked folds events that are due into the current value.
func (p *param) valueLocked() float64 {
	now := p.ctx.timeLocked()
	due := 0
	for due < len(p.events) && p.events[due].t <= now {
		p.value = p.events[due].v
		due++
	}
	p.events = p.events[due:]
	return p.value
}

// filter is a biquad with one section per channel.
type filter struct {
	typ           audiograph.FilterType
	freq, q, gain *param
	sections      [2]*biquad.Section
	designed      bool
	lastTyp       audiograph.FilterType
	lastF, lastQ  float64
	lastG         float64
}

func newFilter(ctx *Context) *filter {
	return &filter{
		typ:  audiograph.Lowpass,
		freq: newParam(ctx, 350),
		q:    newParam(ctx, 1),
		gain: newParam(ctx, 0),
		sections: [2]*biquad.Section{
			biquad.NewSection(biquad.Coefficients{B0: 1}),
			biquad.NewSection(biquad.Coefficients{B0: 1}),
		},
	}
}

// updateLocked redesigns the coefficients when a parameter changed. Filter
// state is kept so parameter changes do not reset the signal.
func (f *filter) updateLocked(sampleRate float64) {
	freq, q, g := f.freq.valueLocked(), f.q.valueLocked(), f.gain.valueLocked()
	if f.designed && f.typ == f.lastTyp && freq == f.lastF && q == f.lastQ && g == f.lastG {
		return
	}

	var c biquad.Coefficients
	switch f.typ {
	case audiograph.LowShelf:
		c = design.LowShelf(freq, g, shelfQ, sampleRate)
	case audiograph.Peaking:
		c = design.Peak(freq, g, q, sampleRate)
	case audiograph.Lowpass:
		c = design.Lowpass(freq, q, sampleRate)
	default:
		c = biquad.Coefficients{B0: 1}
	}
	for _, s := range f.sections {
		s.Coefficients = c
	}

	f.designed = true
	f.lastTyp, f.lastF, f.lastQ, f.lastG = f.typ, freq, q, g
}
