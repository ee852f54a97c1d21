package dspgraph

import (
	"github.com/oszuidwest/zwfm-tabboost/internal/audio"
	"github.com/oszuidwest/zwfm-tabboost/internal/audiograph"
)

// bus is a block of audio with one or two channels.
type bus [][]float64

type port struct {
	n      *node
	output int
}

// renderer evaluates one block. Node outputs are computed once per block so
// sources advance exactly one block however many paths read them.
type renderer struct {
	ctx      *Context
	frames   int
	cache    map[port]bus
	visiting map[*node]bool
}

// Render processes frames samples of every source and returns the stereo
// signal arriving at the destination. Context time advances by frames.
func (c *Context) Render(frames int) (left, right []float64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != audiograph.StateRunning {
		return nil, nil, ErrNotRunning
	}

	r := &renderer{
		ctx:      c,
		frames:   frames,
		cache:    make(map[port]bus),
		visiting: make(map[*node]bool),
	}
	in, err := r.input(c.dest, 0)
	if err != nil {
		return nil, nil, err
	}
	out := r.upmix(in)
	c.frames += int64(frames)
	return out[0], out[1], nil
}

// RenderLevels renders frames samples and meters the result.
func (c *Context) RenderLevels(frames int) (audio.Levels, error) {
	left, right, err := c.Render(frames)
	if err != nil {
		return audio.Levels{}, err
	}
	var data audio.LevelData
	audio.ProcessSamples(left, right, &data)
	return audio.CalculateLevels(&data), nil
}

// input sums every connection arriving at input of n. A nil bus is silence.
func (r *renderer) input(n *node, input int) (bus, error) {
	var sum bus
	for _, src := range r.ctx.nodes {
		for _, e := range src.edges {
			if e.to != n || e.input != input {
				continue
			}
			b, err := r.output(src, e.output)
			if err != nil {
				return nil, err
			}
			sum = r.mix(sum, b)
		}
	}
	return sum, nil
}

func (r *renderer) output(n *node, output int) (bus, error) {
	key := port{n, output}
	if b, ok := r.cache[key]; ok {
		return b, nil
	}
	if r.visiting[n] {
		return nil, ErrCycle
	}
	r.visiting[n] = true
	defer delete(r.visiting, n)

	var out bus
	switch n.kind {
	case kindSource:
		left, right := make([]float64, r.frames), make([]float64, r.frames)
		n.sampler.ReadSamples(left, right)
		out = bus{left, right}

	case kindGain:
		in, err := r.input(n, 0)
		if err != nil {
			return nil, err
		}
		g := n.gain.valueLocked()
		out = r.clone(in)
		for _, ch := range out {
			for i := range ch {
				ch[i] *= g
			}
		}

	case kindFilter:
		in, err := r.input(n, 0)
		if err != nil {
			return nil, err
		}
		n.filter.updateLocked(r.ctx.sampleRate)
		out = r.clone(in)
		for i, ch := range out {
			n.filter.sections[i].ProcessBlock(ch)
		}

	case kindSplitter:
		in, err := r.input(n, 0)
		if err != nil {
			return nil, err
		}
		out = bus{make([]float64, r.frames)}
		if output < 2 {
			copy(out[0], r.upmix(in)[output])
		}

	case kindMerger:
		out = bus{make([]float64, r.frames), make([]float64, r.frames)}
		for i := range min(n.inputs, 2) {
			in, err := r.input(n, i)
			if err != nil {
				return nil, err
			}
			copy(out[i], r.downmix(in))
		}
	}

	r.cache[key] = out
	return out, nil
}

func (r *renderer) clone(b bus) bus {
	if b == nil {
		return bus{make([]float64, r.frames), make([]float64, r.frames)}
	}
	out := make(bus, len(b))
	for i, ch := range b {
		out[i] = append([]float64(nil), ch...)
	}
	return out
}

// mix adds src into sum, widening to stereo when the channel counts differ.
func (r *renderer) mix(sum, src bus) bus {
	if sum == nil {
		return r.clone(src)
	}
	if len(src) > len(sum) {
		sum = r.upmix(sum)
	}
	for i, ch := range sum {
		from := src[min(i, len(src)-1)]
		for j := range ch {
			ch[j] += from[j]
		}
	}
	return sum
}

// upmix returns b as two channels; mono is copied to both.
func (r *renderer) upmix(b bus) bus {
	switch len(b) {
	case 0:
		return bus{make([]float64, r.frames), make([]float64, r.frames)}
	case 1:
		return bus{b[0], append([]float64(nil), b[0]...)}
	}
	return b
}

// downmix returns b as one channel averaging left and right.
func (r *renderer) downmix(b bus) []float64 {
	switch len(b) {
	case 0:
		return make([]float64, r.frames)
	case 1:
		return b[0]
	}
	out := make([]float64, r.frames)
	for i := range out {
		out[i] = 0.5 * (b[0][i] + b[1][i])
	}
	return out
}
