// Package dspgraph is a native audio render engine implementing the
// audiograph capability interfaces. Media sources are pulled through gain,
// biquad, splitter and merger nodes into a stereo destination in fixed
// blocks, which makes processing chains observable without a browser.
package dspgraph

import (
	"errors"
	"sync"

	"github.com/oszuidwest/zwfm-tabboost/internal/audiograph"
	"github.com/oszuidwest/zwfm-tabboost/internal/dom"
)

// DefaultSampleRate is used when a Context is created with a zero rate.
const DefaultSampleRate = 48000.0

var (
	// ErrClosed is returned for operations on a closed context.
	ErrClosed = errors.New("audio context closed")
	// ErrNotAllowed is returned by Resume before a user gesture when gestures are required.
	ErrNotAllowed = errors.New("audio context not allowed to start")
	// ErrNotRunning is returned by Render on a context that is not running.
	ErrNotRunning = errors.New("audio context not running")
	// ErrForeignNode is returned when connecting nodes of different contexts.
	ErrForeignNode = errors.New("node belongs to another audio context")
	// ErrIndexSize is returned for an output or input index out of range.
	ErrIndexSize = errors.New("node output or input index out of range")
	// ErrAlreadyBound is returned when a media element already has a source.
	ErrAlreadyBound = errors.New("media element already has a source node")
	// ErrNoSignal is returned for media elements that cannot produce samples.
	ErrNoSignal = errors.New("media element does not produce samples")
	// ErrCycle is returned by Render when the graph contains a loop.
	ErrCycle = errors.New("audio graph contains a cycle")
)

// Sampler produces stereo PCM. dom.Node implements it.
type Sampler interface {
	ReadSamples(left, right []float64)
}

// Context is a native audio context. It is safe for concurrent use.
type Context struct {
	mu              sync.Mutex
	sampleRate      float64
	state           audiograph.State
	frames          int64
	gestureRequired bool
	gesture         bool
	nodes           []*node
	bound           map[dom.Handle]struct{}
	dest            *node
}

// Option configures a Context.
type Option func(*Context)

// WithGestureRequired makes Resume fail until Gesture is called, like a
// browser autoplay policy.
func WithGestureRequired() Option {
	return func(c *Context) {
		c.gestureRequired = true
	}
}

// New returns a suspended Context.
func New(sampleRate float64, opts ...Option) *Context {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	c := &Context{
		sampleRate: sampleRate,
		state:      audiograph.StateSuspended,
		bound:      make(map[dom.Handle]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dest = c.addLocked(kindDestination, 1, 0)
	c.dest.self = &plainNode{c.dest}
	return c
}

// Factory returns an audiograph.ContextFactory creating native contexts.
func Factory(sampleRate float64, opts ...Option) audiograph.ContextFactory {
	return func() (audiograph.Context, error) {
		return New(sampleRate, opts...), nil
	}
}

// SampleRate returns the rate in Hz.
func (c *Context) SampleRate() float64 {
	return c.sampleRate
}

// State returns the lifecycle state.
func (c *Context) State() audiograph.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentTime returns the rendered time in seconds.
func (c *Context) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeLocked()
}

func (c *Context) timeLocked() float64 {
	return float64(c.frames) / c.sampleRate
}

// Gesture records a user activation.
func (c *Context) Gesture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gesture = true
}

// Resume starts rendering.
func (c *Context) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == audiograph.StateClosed:
		return ErrClosed
	case c.gestureRequired && !c.gesture:
		return ErrNotAllowed
	}
	c.state = audiograph.StateRunning
	return nil
}

// Suspend pauses rendering.
func (c *Context) Suspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == audiograph.StateClosed {
		return ErrClosed
	}
	c.state = audiograph.StateSuspended
	return nil
}

// Close releases the context. Closing twice is an error.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == audiograph.StateClosed {
		return ErrClosed
	}
	c.state = audiograph.StateClosed
	clear(c.bound)
	return nil
}

// Destination returns the final node of the graph.
func (c *Context) Destination() audiograph.Node {
	return c.dest.self
}

// CreateMediaElementSource binds el to a new source node. An element can be
// bound once per context.
func (c *Context) CreateMediaElementSource(el dom.Media) (audiograph.Node, error) {
	sampler, ok := el.(Sampler)
	if !ok {
		return nil, ErrNoSignal
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == audiograph.StateClosed {
		return nil, ErrClosed
	}
	if _, dup := c.bound[el.Handle()]; dup {
		return nil, ErrAlreadyBound
	}
	c.bound[el.Handle()] = struct{}{}

	n := c.addLocked(kindSource, 0, 1)
	n.sampler = sampler
	n.self = &plainNode{n}
	return n.self, nil
}

// CreateGain returns a gain node with unity gain.
func (c *Context) CreateGain() (audiograph.GainNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == audiograph.StateClosed {
		return nil, ErrClosed
	}
	n := c.addLocked(kindGain, 1, 1)
	n.gain = newParam(c, 1)
	g := &gainNode{n}
	n.self = g
	return g, nil
}

// CreateBiquadFilter returns a lowpass filter with WebAudio default parameters.
func (c *Context) CreateBiquadFilter() (audiograph.FilterNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == audiograph.StateClosed {
		return nil, ErrClosed
	}
	n := c.addLocked(kindFilter, 1, 1)
	n.filter = newFilter(c)
	f := &filterNode{n}
	n.self = f
	return f, nil
}

// CreateChannelSplitter returns a node splitting its input into mono outputs.
func (c *Context) CreateChannelSplitter(channels int) (audiograph.Node, error) {
	return c.createPlain(kindSplitter, 1, channels)
}

// CreateChannelMerger returns a node merging mono inputs into one output.
func (c *Context) CreateChannelMerger(channels int) (audiograph.Node, error) {
	return c.createPlain(kindMerger, channels, 1)
}

func (c *Context) createPlain(k kind, inputs, outputs int) (audiograph.Node, error) {
	if inputs < 1 || outputs < 1 || max(inputs, outputs) > maxChannels {
		return nil, ErrIndexSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == audiograph.StateClosed {
		return nil, ErrClosed
	}
	n := c.addLocked(k, inputs, outputs)
	n.self = &plainNode{n}
	return n.self, nil
}

func (c *Context) addLocked(k kind, inputs, outputs int) *node {
	n := &node{ctx: c, kind: k, inputs: inputs, outputs: outputs}
	c.nodes = append(c.nodes, n)
	return n
}

// Connection is one outgoing edge of a node.
type Connection struct {
	To     audiograph.Node
	Output int
	Input  int
}

// Connections returns the outgoing edges of n.
func (c *Context) Connections(n audiograph.Node) []Connection {
	b, ok := n.(baser)
	if !ok || b.base().ctx != c {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Connection, 0, len(b.base().edges))
	for _, e := range b.base().edges {
		out = append(out, Connection{To: e.to.self, Output: e.output, Input: e.input})
	}
	return out
}

// FanOut returns the number of outgoing edges of n.
func (c *Context) FanOut(n audiograph.Node) int {
	return len(c.Connections(n))
}

// NodeCount returns the number of nodes created, including the destination.
func (c *Context) NodeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}
