package audiograph_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-tabboost/internal/audiograph"
	"github.com/oszuidwest/zwfm-tabboost/internal/dom"
	"github.com/oszuidwest/zwfm-tabboost/internal/dspgraph"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

func TestMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(float64) float64
		in   float64
		want float64
	}{
		{"gain neutral", audiograph.GainValue, 100, 1},
		{"gain 250", audiograph.GainValue, 250, 2.5},
		{"gain max", audiograph.GainValue, 1000, 10},
		{"gain clamped high", audiograph.GainValue, 5000, 10},
		{"gain clamped low", audiograph.GainValue, -50, 0},
		{"bass min", audiograph.BassGainDB, 0, -15},
		{"bass neutral", audiograph.BassGainDB, 100, 0},
		{"bass 150", audiograph.BassGainDB, 150, 7.5},
		{"bass max", audiograph.BassGainDB, 200, 15},
		{"bass clamped", audiograph.BassGainDB, 300, 15},
		{"voice min", audiograph.VoiceGainDB, 0, -24},
		{"voice 125", audiograph.VoiceGainDB, 125, 6},
		{"voice max", audiograph.VoiceGainDB, 200, 24},
		{"voice clamped", audiograph.VoiceGainDB, -100, -24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, tt.fn(tt.in), 1e-12)
		})
	}
}

type fixture struct {
	doc  *dom.Document
	proc *audiograph.Processor
	ctxs []*dspgraph.Context
}

func newFixture(t *testing.T, opts ...dspgraph.Option) *fixture {
	t.Helper()
	doc, err := dom.ParseString(`<html><body><video id="v1"></video><audio id="a1"></audio></body></html>`)
	require.NoError(t, err)
	f := &fixture{doc: doc}
	f.proc = audiograph.NewProcessor(func() (audiograph.Context, error) {
		c := dspgraph.New(48000, opts...)
		f.ctxs = append(f.ctxs, c)
		return c, nil
	})
	return f
}

func (f *fixture) media(t *testing.T, sel string) *dom.Node {
	t.Helper()
	n := f.doc.QuerySelector(sel)
	require.NotNil(t, n)
	return n
}

func (f *fixture) ctx() *dspgraph.Context {
	return f.ctxs[len(f.ctxs)-1]
}

func fanOuts(c *dspgraph.Context, n *audiograph.Nodes) []int {
	return []int{
		c.FanOut(n.Source), c.FanOut(n.Bass), c.FanOut(n.Voice),
		c.FanOut(n.Splitter), c.FanOut(n.Merger), c.FanOut(n.Gain),
	}
}

func TestSetupAudioContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := f.media(t, "#v1")

	settings := types.DefaultAudioSettings()
	settings.Volume = 300
	settings.BassBoost = 200
	settings.VoiceBoost = 50

	n, err := f.proc.SetupAudioContext(v, settings)
	require.NoError(t, err)
	require.Len(t, f.ctxs, 1)
	assert.Equal(t, audiograph.StateRunning, f.ctx().State())

	assert.Equal(t, audiograph.LowShelf, n.Bass.Type())
	assert.Equal(t, audiograph.BassFrequency, n.Bass.Frequency().Value())
	assert.Equal(t, audiograph.Peaking, n.Voice.Type())
	assert.Equal(t, audiograph.VoiceFrequency, n.Voice.Frequency().Value())
	assert.Equal(t, audiograph.VoiceQ, n.Voice.Q().Value())

	assert.InDelta(t, 3.0, n.Gain.Gain().Value(), 1e-12)
	assert.InDelta(t, 15.0, n.Bass.Gain().Value(), 1e-12)
	assert.InDelta(t, -12.0, n.Voice.Gain().Value(), 1e-12)

	again, err := f.proc.SetupAudioContext(v, settings)
	require.NoError(t, err)
	assert.Same(t, n, again)
	assert.True(t, f.proc.HasProcessing(v))
	assert.Equal(t, 1, f.proc.Len())
}

func TestConnectNodesIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := f.media(t, "#v1")
	settings := types.DefaultAudioSettings()

	n, err := f.proc.SetupAudioContext(v, settings)
	require.NoError(t, err)
	stereo := []int{1, 1, 1, 0, 0, 1}
	assert.Equal(t, stereo, fanOuts(f.ctx(), n))

	require.NoError(t, f.proc.ConnectNodes(v, settings))
	require.NoError(t, f.proc.ConnectNodes(v, settings))
	assert.Equal(t, stereo, fanOuts(f.ctx(), n))

	settings.Mono = true
	require.NoError(t, f.proc.ConnectNodes(v, settings))
	require.NoError(t, f.proc.ConnectNodes(v, settings))
	assert.Equal(t, []int{1, 1, 1, 4, 1, 1}, fanOuts(f.ctx(), n))

	conns := f.ctx().Connections(n.Gain)
	require.Len(t, conns, 1)
	assert.Equal(t, f.ctx().Destination(), conns[0].To)
}

func TestRewirePreservesPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := f.media(t, "#v1")
	v.SetCurrentTime(42.5)
	require.NoError(t, v.Play())

	_, err := f.proc.SetupAudioContext(v, types.DefaultAudioSettings())
	require.NoError(t, err)

	mono := types.DefaultAudioSettings()
	mono.Mono = true
	require.NoError(t, f.proc.UpdateAudioEffects(mono))

	assert.Equal(t, 42.5, v.CurrentTime())
	assert.False(t, v.Paused())
}

func TestUpdateAudioEffects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v, a := f.media(t, "#v1"), f.media(t, "#a1")

	for _, el := range []*dom.Node{v, a} {
		_, err := f.proc.SetupAudioContext(el, types.DefaultAudioSettings())
		require.NoError(t, err)
	}
	require.Len(t, f.ctxs, 1, "one context per page")

	settings := types.DefaultAudioSettings()
	settings.Volume = 300
	require.NoError(t, f.proc.UpdateAudioEffects(settings))

	for _, el := range []*dom.Node{v, a} {
		assert.InDelta(t, 3.0, f.proc.Nodes(el).Gain.Gain().Value(), 1e-12)
	}
}

func TestUpdateAudioEffectsSkipsClosedContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := f.media(t, "#v1")
	n, err := f.proc.SetupAudioContext(v, types.DefaultAudioSettings())
	require.NoError(t, err)

	// Torn down underneath the processor, as on navigation.
	require.NoError(t, f.ctx().Close())

	settings := types.DefaultAudioSettings()
	settings.Volume = 500
	err = f.proc.UpdateAudioEffects(settings)
	assert.True(t, errors.Is(err, types.ErrContextClosed))
	assert.InDelta(t, 1.0, n.Gain.Gain().Value(), 1e-12)
	assert.False(t, f.proc.CanApplyAudioEffects())
	assert.ErrorIs(t, f.proc.ConnectNodes(v, settings), types.ErrContextClosed)
}

func TestDisconnectElementNodes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v, a := f.media(t, "#v1"), f.media(t, "#a1")
	for _, el := range []*dom.Node{v, a} {
		_, err := f.proc.SetupAudioContext(el, types.DefaultAudioSettings())
		require.NoError(t, err)
	}
	nv := f.proc.Nodes(v)

	f.proc.DisconnectElementNodes(v)
	assert.False(t, f.proc.HasProcessing(v))
	assert.Equal(t, 1, f.proc.Len())
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0}, fanOuts(f.ctx(), nv))
	assert.True(t, f.proc.CanApplyAudioEffects())

	f.proc.DisconnectElementNodes(a)
	assert.Zero(t, f.proc.Len())
	assert.Equal(t, audiograph.StateClosed, f.ctx().State(), "last element closes the context")
	assert.False(t, f.proc.CanApplyAudioEffects())
	assert.Nil(t, f.proc.Context())

	f.proc.DisconnectElementNodes(a)
}

func TestContextIsRecreatedAfterClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v, a := f.media(t, "#v1"), f.media(t, "#a1")

	_, err := f.proc.SetupAudioContext(v, types.DefaultAudioSettings())
	require.NoError(t, err)
	f.proc.Cleanup()
	assert.Equal(t, audiograph.StateClosed, f.ctxs[0].State())

	_, err = f.proc.SetupAudioContext(a, types.DefaultAudioSettings())
	require.NoError(t, err)
	assert.Len(t, f.ctxs, 2)
	assert.True(t, f.proc.CanApplyAudioEffects())
}

func TestResetAllToDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := f.media(t, "#v1")
	settings := types.DefaultAudioSettings()
	settings.Volume = 800

	n, err := f.proc.SetupAudioContext(v, settings)
	require.NoError(t, err)

	f.proc.ResetAllToDisabled()
	assert.InDelta(t, 1.0, n.Gain.Gain().Value(), 1e-12)
	assert.Zero(t, f.proc.Len())
	assert.Equal(t, audiograph.StateClosed, f.ctx().State())
}

func TestResumeWaitsForGesture(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dspgraph.WithGestureRequired())
	v := f.media(t, "#v1")

	_, err := f.proc.SetupAudioContext(v, types.DefaultAudioSettings())
	require.NoError(t, err, "a suspended context is not a setup failure")
	assert.Equal(t, audiograph.StateSuspended, f.ctx().State())
	assert.True(t, f.proc.CanApplyAudioEffects())

	assert.ErrorIs(t, f.proc.Resume(), dspgraph.ErrNotAllowed)
	f.ctx().Gesture()
	require.NoError(t, f.proc.Resume())
	assert.Equal(t, audiograph.StateRunning, f.ctx().State())
}

func TestProcessedSignalLevel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := f.media(t, "#v1")
	signal := make([]float64, 4800)
	for i := range signal {
		signal[i] = 0.1
		if (i/24)%2 == 1 {
			signal[i] = -0.1
		}
	}
	v.SetSignal(signal, nil)
	require.NoError(t, v.Play())

	settings := types.DefaultAudioSettings()
	settings.Volume = 300
	_, err := f.proc.SetupAudioContext(v, settings)
	require.NoError(t, err)

	// Skip the filter transient.
	_, err = f.ctx().RenderLevels(4800)
	require.NoError(t, err)
	lv, err := f.ctx().RenderLevels(4800)
	require.NoError(t, err)
	assert.InDelta(t, 20*0.4771212547, lv.RMSLeft+20, 0.01, "0.1 RMS boosted by 3x")
}

// filterlessContext cannot create biquad filters.
type filterlessContext struct {
	*dspgraph.Context
}

func (filterlessContext) CreateBiquadFilter() (audiograph.FilterNode, error) {
	return nil, errors.New("filters unsupported")
}

func TestPartialSetupKeepsAudioPlaying(t *testing.T) {
	t.Parallel()
	doc, err := dom.ParseString(`<html><body><video id="v1"></video></body></html>`)
	require.NoError(t, err)
	v := doc.QuerySelector("#v1")
	require.NotNil(t, v)

	ctx := dspgraph.New(48000)
	proc := audiograph.NewProcessor(func() (audiograph.Context, error) {
		return filterlessContext{ctx}, nil
	})

	signal := make([]float64, 4800)
	for i := range signal {
		signal[i] = 0.1
		if (i/24)%2 == 1 {
			signal[i] = -0.1
		}
	}
	v.SetSignal(signal, nil)
	require.NoError(t, v.Play())

	_, err = proc.SetupAudioContext(v, types.DefaultAudioSettings())
	require.Error(t, err)
	assert.False(t, proc.HasProcessing(v))

	lv, err := ctx.RenderLevels(4800)
	require.NoError(t, err)
	assert.InDelta(t, -20.0, lv.RMSLeft, 0.01, "source plays unprocessed")
}
