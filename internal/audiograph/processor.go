package audiograph

import (
	"log/slog"
	"math"
	"sync"

	"github.com/oszuidwest/zwfm-tabboost/internal/dom"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

// seekTolerance is how far the playback position may drift during a rewire
// before it is restored.
const seekTolerance = 0.01

// Nodes is the processing chain of one media element.
type Nodes struct {
	Element  dom.Media
	Source   Node
	Bass     FilterNode
	Voice    FilterNode
	Splitter Node
	Merger   Node
	Gain     GainNode

	mono bool // topology currently wired
}

// all returns the nodes in chain order.
func (n *Nodes) all() []Node {
	return []Node{n.Source, n.Bass, n.Voice, n.Splitter, n.Merger, n.Gain}
}

// Processor owns one audio context per page and the node chain of every
// processed media element. It is safe for concurrent use.
type Processor struct {
	newContext ContextFactory

	mu    sync.Mutex
	ctx   Context
	nodes map[dom.Handle]*Nodes
}

// NewProcessor returns a Processor that creates its context lazily with factory.
func NewProcessor(factory ContextFactory) *Processor {
	return &Processor{
		newContext: factory,
		nodes:      make(map[dom.Handle]*Nodes),
	}
}

// SetupAudioContext builds and wires the node chain for el, creating the
// page's audio context on first use. Elements that already have a chain are
// returned unchanged.
func (p *Processor) SetupAudioContext(el dom.Media, settings types.AudioSettings) (*Nodes, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n, ok := p.nodes[el.Handle()]; ok {
		return n, nil
	}

	if err := p.ensureContextLocked(); err != nil {
		return nil, err
	}

	n, err := p.createNodesLocked(el)
	if err != nil {
		return nil, err
	}
	p.nodes[el.Handle()] = n

	p.connectNodesLocked(n, settings)
	p.updateNodeSettingsLocked(n, settings)
	return n, nil
}

func (p *Processor) ensureContextLocked() error {
	if p.ctx != nil && p.ctx.State() != StateClosed {
		return nil
	}
	ctx, err := p.newContext()
	if err != nil {
		return util.WrapError("create audio context", err)
	}
	p.ctx = ctx
	// Browsers keep the context suspended until a user gesture; a later
	// play event retries.
	if err := ctx.Resume(); err != nil {
		slog.Debug("audio context resume deferred", "error", err)
	}
	return nil
}

// createNodesLocked builds the chain of el. Once the source exists the
// element only plays through it, so if a later node cannot be created the
// source is routed straight to the destination instead.
func (p *Processor) createNodesLocked(el dom.Media) (*Nodes, error) {
	source, err := p.ctx.CreateMediaElementSource(el)
	if err != nil {
		return nil, util.WrapError("create media element source", err)
	}
	bypass := func(op string, err error) error {
		if cerr := source.Connect(p.ctx.Destination(), 0, 0); cerr != nil {
			slog.Warn("failed to route unprocessed audio", "element", el.Handle(), "error", cerr)
		}
		return util.WrapError(op, err)
	}

	gain, err := p.ctx.CreateGain()
	if err != nil {
		return nil, bypass("create gain node", err)
	}
	bass, err := p.ctx.CreateBiquadFilter()
	if err != nil {
		return nil, bypass("create bass filter", err)
	}
	voice, err := p.ctx.CreateBiquadFilter()
	if err != nil {
		return nil, bypass("create voice filter", err)
	}
	splitter, err := p.ctx.CreateChannelSplitter(2)
	if err != nil {
		return nil, bypass("create channel splitter", err)
	}
	merger, err := p.ctx.CreateChannelMerger(2)
	if err != nil {
		return nil, bypass("create channel merger", err)
	}

	now := p.ctx.CurrentTime()
	bass.SetType(LowShelf)
	bass.Frequency().SetValueAtTime(BassFrequency, now)
	voice.SetType(Peaking)
	voice.Frequency().SetValueAtTime(VoiceFrequency, now)
	voice.Q().SetValueAtTime(VoiceQ, now)

	return &Nodes{
		Element:  el,
		Source:   source,
		Bass:     bass,
		Voice:    voice,
		Splitter: splitter,
		Merger:   merger,
		Gain:     gain,
	}, nil
}

// ConnectNodes rewires the chain of el for settings.
func (p *Processor) ConnectNodes(el dom.Media, settings types.AudioSettings) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.nodes[el.Handle()]
	if !ok {
		return nil
	}
	if !p.liveLocked() {
		return types.ErrContextClosed
	}
	p.connectNodesLocked(n, settings)
	return nil
}

// connectNodesLocked tears down every connection of n and wires it again.
// Playback position and play state survive the rewire.
func (p *Processor) connectNodesLocked(n *Nodes, settings types.AudioSettings) {
	el := n.Element
	position := el.CurrentTime()
	wasPlaying := !el.Paused()

	disconnectAll(n)

	links := []link{{n.Source, n.Bass, 0, 0}, {n.Bass, n.Voice, 0, 0}}
	if settings.Mono {
		// Both channels feed both merger inputs.
		links = append(links,
			link{n.Voice, n.Splitter, 0, 0},
			link{n.Splitter, n.Merger, 0, 0},
			link{n.Splitter, n.Merger, 0, 1},
			link{n.Splitter, n.Merger, 1, 0},
			link{n.Splitter, n.Merger, 1, 1},
			link{n.Merger, n.Gain, 0, 0},
		)
	} else {
		links = append(links, link{n.Voice, n.Gain, 0, 0})
	}
	links = append(links, link{n.Gain, p.ctx.Destination(), 0, 0})

	for _, l := range links {
		if err := l.from.Connect(l.to, l.output, l.input); err != nil {
			slog.Warn("failed to connect audio node", "element", el.Handle(), "error", err)
		}
	}
	n.mono = settings.Mono

	if math.Abs(el.CurrentTime()-position) > seekTolerance {
		el.SetCurrentTime(position)
	}
	if wasPlaying && el.Paused() {
		if err := el.Play(); err != nil {
			slog.Warn("failed to resume playback after rewire", "element", el.Handle(), "error", err)
		}
	}
}

// link is one connection of the chain.
type link struct {
	from, to      Node
	output, input int
}

// disconnectAll drops every outgoing connection of n. Nodes that are
// already disconnected are not an error.
func disconnectAll(n *Nodes) {
	for _, node := range n.all() {
		if node == nil {
			continue
		}
		if err := node.Disconnect(); err != nil {
			slog.Debug("audio node already disconnected", "element", n.Element.Handle(), "error", err)
		}
	}
}

// UpdateNodeSettings writes settings into the parameters of n at the current
// context time, rewiring first when the mono mode changed.
func (p *Processor) UpdateNodeSettings(n *Nodes, settings types.AudioSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.liveLocked() {
		return
	}
	if n.mono != settings.Mono {
		p.connectNodesLocked(n, settings)
	}
	p.updateNodeSettingsLocked(n, settings)
}

func (p *Processor) updateNodeSettingsLocked(n *Nodes, settings types.AudioSettings) {
	now := p.ctx.CurrentTime()
	n.Gain.Gain().SetValueAtTime(GainValue(settings.Volume), now)
	n.Bass.Gain().SetValueAtTime(BassGainDB(settings.BassBoost), now)
	n.Voice.Gain().SetValueAtTime(VoiceGainDB(settings.VoiceBoost), now)
}

// UpdateAudioEffects applies settings to every processed element. It returns
// ErrContextClosed without touching any node when the context is gone.
func (p *Processor) UpdateAudioEffects(settings types.AudioSettings) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.liveLocked() {
		return types.ErrContextClosed
	}
	for _, n := range p.nodes {
		if n.mono != settings.Mono {
			p.connectNodesLocked(n, settings)
		}
		p.updateNodeSettingsLocked(n, settings)
	}
	return nil
}

// DisconnectElementNodes tears down the chain of el. The context is closed
// once no element is left.
func (p *Processor) DisconnectElementNodes(el dom.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.nodes[el.Handle()]
	if !ok {
		return
	}
	disconnectAll(n)
	delete(p.nodes, el.Handle())

	if len(p.nodes) == 0 {
		p.closeLocked()
	}
}

// ResetAllToDisabled returns every chain to neutral and then releases all
// nodes and the context.
func (p *Processor) ResetAllToDisabled() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.liveLocked() {
		for _, n := range p.nodes {
			p.updateNodeSettingsLocked(n, types.DefaultAudioSettings())
		}
	}
	p.releaseLocked()
}

// Cleanup releases all nodes and closes the context.
func (p *Processor) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked()
}

func (p *Processor) releaseLocked() {
	for h, n := range p.nodes {
		disconnectAll(n)
		delete(p.nodes, h)
	}
	p.closeLocked()
}

func (p *Processor) closeLocked() {
	if p.ctx == nil {
		return
	}
	if p.ctx.State() != StateClosed {
		if err := p.ctx.Close(); err != nil {
			slog.Warn("failed to close audio context", "error", err)
		}
	}
	p.ctx = nil
}

// HasProcessing reports whether el has a node chain.
func (p *Processor) HasProcessing(el dom.Element) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.nodes[el.Handle()]
	return ok
}

// Nodes returns the chain of el, or nil.
func (p *Processor) Nodes(el dom.Element) *Nodes {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes[el.Handle()]
}

// CanApplyAudioEffects reports whether a context exists and is not closed.
func (p *Processor) CanApplyAudioEffects() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked()
}

// Resume resumes a suspended context.
func (p *Processor) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.liveLocked() {
		return types.ErrContextClosed
	}
	if p.ctx.State() == StateRunning {
		return nil
	}
	return util.WrapError("resume audio context", p.ctx.Resume())
}

// Context returns the current audio context, or nil.
func (p *Processor) Context() Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

// Len returns the number of processed elements.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes)
}

func (p *Processor) liveLocked() bool {
	return p.ctx != nil && p.ctx.State() != StateClosed
}
