// Package audiograph builds and maintains the per-element audio processing
// chain: source → bass → voice → (splitter → merger) → gain → destination.
//
// The graph is expressed against small capability interfaces modelled on the
// WebAudio API so the same Processor drives a browser AudioContext or the
// native render engine in package dspgraph.
package audiograph

import "github.com/oszuidwest/zwfm-tabboost/internal/dom"

// State is the lifecycle state of a Context.
type State string

// Context states.
const (
	StateSuspended State = "suspended"
	StateRunning   State = "running"
	StateClosed    State = "closed"
)

// FilterType selects the response of a FilterNode.
type FilterType string

// Filter types. Lowpass is the WebAudio default; the processing chain uses
// LowShelf and Peaking.
const (
	Lowpass  FilterType = "lowpass"
	LowShelf FilterType = "lowshelf"
	Peaking  FilterType = "peaking"
)

// Context owns audio nodes and the clock their parameters are scheduled on.
type Context interface {
	State() State
	// CurrentTime returns the context time in seconds.
	CurrentTime() float64
	Resume() error
	Close() error
	Destination() Node
	CreateMediaElementSource(el dom.Media) (Node, error)
	CreateGain() (GainNode, error)
	CreateBiquadFilter() (FilterNode, error)
	CreateChannelSplitter(channels int) (Node, error)
	CreateChannelMerger(channels int) (Node, error)
}

// Node is a vertex in the audio graph.
type Node interface {
	// Connect routes output of this node to input of dst.
	Connect(dst Node, output, input int) error
	// Disconnect removes every outgoing connection.
	Disconnect() error
}

// Param is an automatable node parameter.
type Param interface {
	Value() float64
	// SetValueAtTime sets the value from context time t onwards.
	SetValueAtTime(value, t float64)
}

// GainNode scales its input.
type GainNode interface {
	Node
	Gain() Param
}

// FilterNode is a biquad filter.
type FilterNode interface {
	Node
	Type() FilterType
	SetType(t FilterType)
	Frequency() Param
	Q() Param
	Gain() Param
}

// ContextFactory creates a new Context.
type ContextFactory func() (Context, error)
