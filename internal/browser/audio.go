//go:build js

package browser

import (
	"errors"

	"github.com/gopherjs/gopherjs/js"

	"github.com/oszuidwest/zwfm-tabboost/internal/audiograph"
	"github.com/oszuidwest/zwfm-tabboost/internal/dom"
)

// NewAudioContext creates an AudioContext, falling back to the prefixed
// constructor of older browsers.
func NewAudioContext() (audiograph.Context, error) {
	ctor := js.Global.Get("AudioContext")
	if !defined(ctor) {
		ctor = js.Global.Get("webkitAudioContext")
	}
	if !defined(ctor) {
		return nil, errors.New("WebAudio not supported")
	}
	var ctx *js.Object
	if err := try(func() { ctx = ctor.New() }); err != nil {
		return nil, err
	}
	return &audioContext{ctx: ctx}, nil
}

type audioContext struct {
	ctx *js.Object
}

func (c *audioContext) State() audiograph.State {
	return audiograph.State(c.ctx.Get("state").String())
}

func (c *audioContext) CurrentTime() float64 {
	return c.ctx.Get("currentTime").Float()
}

// Resume asks the browser to start the context. Without a user gesture the
// promise stays pending; the next play event tries again.
func (c *audioContext) Resume() error {
	return try(func() { c.ctx.Call("resume") })
}

func (c *audioContext) Close() error {
	return try(func() { c.ctx.Call("close") })
}

func (c *audioContext) Destination() audiograph.Node {
	return &node{obj: c.ctx.Get("destination")}
}

func (c *audioContext) CreateMediaElementSource(el dom.Media) (audiograph.Node, error) {
	obj, err := jsObject(el)
	if err != nil {
		return nil, err
	}
	return c.create(func() *js.Object { return c.ctx.Call("createMediaElementSource", obj) })
}

func (c *audioContext) CreateGain() (audiograph.GainNode, error) {
	n, err := c.create(func() *js.Object { return c.ctx.Call("createGain") })
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (c *audioContext) CreateBiquadFilter() (audiograph.FilterNode, error) {
	n, err := c.create(func() *js.Object { return c.ctx.Call("createBiquadFilter") })
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (c *audioContext) CreateChannelSplitter(channels int) (audiograph.Node, error) {
	return c.create(func() *js.Object { return c.ctx.Call("createChannelSplitter", channels) })
}

func (c *audioContext) CreateChannelMerger(channels int) (audiograph.Node, error) {
	return c.create(func() *js.Object { return c.ctx.Call("createChannelMerger", channels) })
}

func (c *audioContext) create(fn func() *js.Object) (*node, error) {
	var obj *js.Object
	if err := try(func() { obj = fn() }); err != nil {
		return nil, err
	}
	return &node{obj: obj}, nil
}

// node wraps any AudioNode. Gain and filter methods read the matching
// AudioParam properties.
type node struct {
	obj *js.Object
}

func (n *node) Connect(dst audiograph.Node, output, input int) error {
	d, ok := dst.(*node)
	if !ok {
		return errors.New("foreign audio node")
	}
	return try(func() { n.obj.Call("connect", d.obj, output, input) })
}

// Disconnect throws when nothing is connected; that is not a failure.
func (n *node) Disconnect() error {
	_ = try(func() { n.obj.Call("disconnect") })
	return nil
}

func (n *node) Gain() audiograph.Param          { return &param{obj: n.obj.Get("gain")} }
func (n *node) Frequency() audiograph.Param     { return &param{obj: n.obj.Get("frequency")} }
func (n *node) Q() audiograph.Param             { return &param{obj: n.obj.Get("Q")} }
func (n *node) Type() audiograph.FilterType     { return audiograph.FilterType(n.obj.Get("type").String()) }
func (n *node) SetType(t audiograph.FilterType) { n.obj.Set("type", string(t)) }

type param struct {
	obj *js.Object
}

func (p *param) Value() float64 { return p.obj.Get("value").Float() }

func (p *param) SetValueAtTime(value, t float64) {
	p.obj.Call("setValueAtTime", value, t)
}
