package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"sync"

	"github.com/oszuidwest/zwfm-tabboost/internal/audio"
	"github.com/oszuidwest/zwfm-tabboost/internal/audiograph"
	"github.com/oszuidwest/zwfm-tabboost/internal/bus"
	"github.com/oszuidwest/zwfm-tabboost/internal/content"
	"github.com/oszuidwest/zwfm-tabboost/internal/dom"
	"github.com/oszuidwest/zwfm-tabboost/internal/dspgraph"
	"github.com/oszuidwest/zwfm-tabboost/internal/frames"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

const (
	previewSampleRate = 48000
	// previewTone is a 1 kHz square wave at -20 dBFS.
	previewToneAmplitude = 0.1
	previewToneHalfCycle = previewSampleRate / 2000
)

// headlessWindow is the top frame of a page loaded from disk.
type headlessWindow struct {
	hostname string
	origin   string
}

func (w headlessWindow) IsTop() bool      { return true }
func (w headlessWindow) Hostname() string { return w.hostname }
func (w headlessWindow) Origin() string   { return w.origin }

func (w headlessWindow) PostToTop(string) error {
	return errors.New("top frame has no parent")
}

func (w headlessWindow) AddMessageListener(func(frames.MessageEvent)) func() {
	return func() {}
}

// previewReport is what a page would sound like with the site's settings.
// Input is the level of the tone one element plays; Output is the mix of
// every element at the destination.
type previewReport struct {
	Hostname  string              `json:"hostname"`
	Enabled   bool                `json:"enabled"`
	Settings  types.AudioSettings `json:"settings"`
	Media     []string            `json:"media"`
	Processed bool                `json:"processed"`
	Input     audio.Levels        `json:"input"`
	Output    audio.Levels        `json:"output"`
}

// previewPage runs the content script headless against a parsed page.
type previewPage struct {
	doc    *dom.Document
	script *content.Script

	mu       sync.Mutex
	contexts []*dspgraph.Context
}

func newPreviewPage(pageURL string, doc *dom.Document) (*previewPage, error) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid page URL %q", pageURL)
	}
	p := &previewPage{doc: doc}
	p.script = content.NewScript(content.Config{
		PageURL:         pageURL,
		Version:         Version,
		Window:          headlessWindow{hostname: u.Hostname(), origin: u.Scheme + "://" + u.Host},
		Document:        doc,
		Root:            doc.DocumentElement(),
		NewAudioContext: p.newAudioContext,
	})
	return p, nil
}

func (p *previewPage) newAudioContext() (audiograph.Context, error) {
	c := dspgraph.New(previewSampleRate)
	p.mu.Lock()
	p.contexts = append(p.contexts, c)
	p.mu.Unlock()
	return c, nil
}

func (p *previewPage) audioContext() *dspgraph.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.contexts) == 0 {
		return nil
	}
	return p.contexts[len(p.contexts)-1]
}

// measure starts the script, plays a reference tone through every media
// element it tracks and meters what reaches the speakers.
func (p *previewPage) measure(ctx context.Context, t content.Transport) (previewReport, error) {
	if err := p.script.Start(ctx, t); err != nil {
		return previewReport{}, util.WrapError("start content script", err)
	}
	defer p.script.Stop()

	handler := p.script.Settings()
	if handler == nil {
		return previewReport{}, errors.New("page is not processed")
	}

	left := referenceTone()
	report := previewReport{
		Hostname: handler.Hostname(),
		Enabled:  handler.Enabled(),
		Settings: handler.Settings(),
		Media:    []string{},
	}
	var in audio.LevelData
	audio.ProcessSamples(left, left, &in)
	report.Input = audio.CalculateLevels(&in)
	report.Output = report.Input

	for _, el := range p.script.Tracked() {
		label := el.TagName()
		if id, ok := el.Attr("id"); ok {
			label += "#" + id
		}
		report.Media = append(report.Media, label)

		node, ok := el.(*dom.Node)
		if !ok {
			continue
		}
		node.SetSignal(left, nil)
		if err := node.Play(); err != nil {
			return report, util.WrapError("play "+label, err)
		}
		node.Dispatch("play")
	}

	slices.Sort(report.Media)

	// Without a graph the elements play unprocessed.
	c := p.audioContext()
	if c == nil || !p.script.Processor().CanApplyAudioEffects() || len(report.Media) == 0 {
		return report, nil
	}
	report.Processed = true

	// The first block holds the filter transient.
	if _, err := c.RenderLevels(len(left)); err != nil {
		return report, util.WrapError("render audio", err)
	}
	out, err := c.RenderLevels(len(left))
	if err != nil {
		return report, util.WrapError("render audio", err)
	}
	report.Output = out
	return report, nil
}

// referenceTone returns 100ms of the preview tone.
func referenceTone() []float64 {
	tone := make([]float64, previewSampleRate/10)
	for i := range tone {
		tone[i] = previewToneAmplitude
		if (i/previewToneHalfCycle)%2 == 1 {
			tone[i] = -previewToneAmplitude
		}
	}
	return tone
}

// runPreview joins the coordinator as a content frame of the page in the
// given HTML file and prints how its media would sound.
func runPreview(ctx context.Context, wsURL string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	pageURL := fs.String("page-url", "", "URL the page is served from (required)")
	tab := fs.Int("tab", -1, "Tab id to register as")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pageURL == "" || fs.NArg() != 1 {
		return errors.New("usage: tabboostctl preview -page-url URL page.html")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return util.WrapError("open page", err)
	}
	defer func() { _ = f.Close() }()
	doc, err := dom.Parse(f)
	if err != nil {
		return util.WrapError("parse page", err)
	}

	page, err := newPreviewPage(*pageURL, doc)
	if err != nil {
		return err
	}
	client, err := bus.Dial(ctx, fmt.Sprintf("%s?role=content&tab=%d&frame=0", wsURL, *tab), nil, page.script.HandlePush)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	report, err := page.measure(ctx, content.NewBusTransport(client))
	if err != nil {
		return err
	}
	return printJSON(out, report)
}
