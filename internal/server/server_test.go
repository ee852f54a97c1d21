package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
	"github.com/oszuidwest/zwfm-tabboost/internal/settings"
	"github.com/oszuidwest/zwfm-tabboost/internal/storage"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

type fixture struct {
	hub      *Hub
	settings *settings.Manager
	commands *CommandHandler
	seq      int
	backlog  map[*Conn][]any
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := NewHub()
	m := settings.New(storage.NewMemoryStore(), hub, settings.WithClock(clockwork.NewFakeClock()))
	hub.SetResolver(m)
	m.Initialize(context.Background())
	return &fixture{
		hub:      hub,
		settings: m,
		commands: NewCommandHandler(m, hub, "1.4.0"),
		backlog:  make(map[*Conn][]any),
	}
}

func (f *fixture) connect(tab, frame int, role Role) *Conn {
	c := NewConn(tab, frame, role)
	f.hub.Register(c)
	return c
}

// request sends a message with an ID and returns the answer.
func (f *fixture) request(t *testing.T, c *Conn, typ protocol.MessageType, payload any) protocol.Response {
	t.Helper()
	f.seq++
	env, err := protocol.NewEnvelope(typ, fmt.Sprintf("req-%d", f.seq), payload)
	require.NoError(t, err)
	f.commands.Handle(context.Background(), c, env)

	var found *protocol.Response
	for _, msg := range f.received(c) {
		if resp, ok := msg.(protocol.Response); ok && resp.ID == env.ID {
			found = &resp
			continue
		}
		f.backlog[c] = append(f.backlog[c], msg)
	}
	require.NotNil(t, found, "no response to %s", typ)
	return *found
}

// received returns everything c was sent that no request consumed.
func (f *fixture) received(c *Conn) []any {
	out := append(f.backlog[c], drain(c)...)
	delete(f.backlog, c)
	return out
}

// ready announces a content frame and discards what it receives.
func (f *fixture) ready(t *testing.T, c *Conn, hostname string) {
	t.Helper()
	resp := f.request(t, c, protocol.TypeContentScriptReady, protocol.ContentScriptReady{Hostname: hostname, Version: "1.4.2"})
	require.True(t, resp.Success, resp.Error)
	f.received(c)
}

// drain returns everything queued on c, in the order the writer sends it.
func drain(c *Conn) []any {
	var out []any
	for msg, ok := c.next(); ok; msg, ok = c.next() {
		out = append(out, msg)
	}
	return out
}

func (f *fixture) pushes(t *testing.T, c *Conn) []protocol.UpdateSettings {
	t.Helper()
	var out []protocol.UpdateSettings
	for _, msg := range f.received(c) {
		env, ok := msg.(protocol.Envelope)
		if !ok {
			continue
		}
		require.Equal(t, protocol.TypeUpdateSettings, env.Type)
		assert.Empty(t, env.ID, "pushes carry no ID")
		push, err := protocol.Decode[protocol.UpdateSettings](env.Data)
		require.NoError(t, err)
		out = append(out, push)
	}
	return out
}

func TestContentScriptReadyPushesSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.connect(7, 0, RoleContent)

	env, err := protocol.NewEnvelope(protocol.TypeContentScriptReady, "r1", protocol.ContentScriptReady{Hostname: "news.example"})
	require.NoError(t, err)
	f.commands.Handle(context.Background(), c, env)

	msgs := drain(c)
	require.Len(t, msgs, 2)
	resp, ok := msgs[0].(protocol.Response)
	require.True(t, ok, "the answer precedes the push")
	assert.Equal(t, "CONTENT_SCRIPT_READY_result", resp.Type)
	assert.True(t, resp.Success)

	push, err := protocol.Decode[protocol.UpdateSettings](msgs[1].(protocol.Envelope).Data)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultAudioSettings(), push.Settings)
	assert.True(t, *push.IsGlobal)
	assert.True(t, *push.Enabled)
	assert.Equal(t, "news.example", c.Hostname())
}

func TestGlobalUpdateBroadcast(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	news := f.connect(1, 0, RoleContent)
	newsFrame := f.connect(1, 3, RoleContent)
	video := f.connect(2, 0, RoleContent)
	muted := f.connect(3, 0, RoleContent)
	fresh := f.connect(4, 0, RoleContent)
	popup := f.connect(0, 0, RolePopup)
	f.ready(t, news, "news.example")
	f.ready(t, newsFrame, "news.example")
	f.ready(t, video, "video.example")
	f.ready(t, muted, "muted.example")

	require.NoError(t, f.settings.UpdateSiteSettings(context.Background(), "video.example", types.DefaultAudioSettings()))
	require.NoError(t, f.settings.DisableSite(context.Background(), "muted.example"))
	f.received(video)
	f.received(muted)

	boosted := types.DefaultAudioSettings()
	boosted.Volume = 300
	isGlobal := true
	resp := f.request(t, popup, protocol.TypeUpdateSettings, protocol.UpdateSettings{Settings: boosted, IsGlobal: &isGlobal})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, boosted, f.settings.GlobalSettings())

	for _, c := range []*Conn{news, newsFrame} {
		got := f.pushes(t, c)
		require.Len(t, got, 1)
		assert.Equal(t, 300.0, got[0].Settings.Volume)
		assert.Equal(t, "news.example", got[0].Hostname)
	}
	assert.Empty(t, f.pushes(t, video), "site mode keeps its own settings")
	assert.Empty(t, f.pushes(t, muted), "disabled sites are not boosted")
	assert.Empty(t, f.pushes(t, fresh), "frames without a hostname are skipped")
}

func TestSiteUpdateReachesOnlyThatSite(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	news := f.connect(1, 0, RoleContent)
	video := f.connect(2, 0, RoleContent)
	f.ready(t, news, "news.example")
	f.ready(t, video, "video.example")

	settings := types.DefaultAudioSettings()
	settings.BassBoost = 150
	isGlobal := false
	resp := f.request(t, news, protocol.TypeUpdateSettings, protocol.UpdateSettings{Settings: settings, IsGlobal: &isGlobal})
	require.True(t, resp.Success, resp.Error)

	got := f.pushes(t, news)
	require.Len(t, got, 1)
	assert.Equal(t, 150.0, got[0].Settings.BassBoost)
	assert.False(t, *got[0].IsGlobal)
	assert.Empty(t, f.pushes(t, video))
	assert.Equal(t, types.DefaultAudioSettings(), f.settings.GlobalSettings())
}

func TestUpdateSettingsFollowsCurrentMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	popup := f.connect(0, 0, RolePopup)
	require.NoError(t, f.settings.UpdateSiteMode(context.Background(), "video.example", types.ModeSite))

	settings := types.DefaultAudioSettings()
	settings.Speed = 150
	resp := f.request(t, popup, protocol.TypeUpdateSettings, protocol.UpdateSettings{Settings: settings, Hostname: "video.example"})
	require.True(t, resp.Success, resp.Error)

	stored, ok := f.settings.StoredSiteSettings("video.example")
	require.True(t, ok)
	assert.Equal(t, 150.0, stored.Speed)
	assert.Equal(t, types.DefaultAudioSettings(), f.settings.GlobalSettings())
}

func TestUpdateSettingsSwitchesSiteBackToGlobal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	popup := f.connect(0, 0, RolePopup)
	require.NoError(t, f.settings.UpdateSiteMode(context.Background(), "video.example", types.ModeSite))

	isGlobal := true
	resp := f.request(t, popup, protocol.TypeUpdateSettings, protocol.UpdateSettings{
		Settings: types.DefaultAudioSettings(),
		IsGlobal: &isGlobal,
		Hostname: "video.example",
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, types.ModeGlobal, f.settings.GetSettingsForSite("video.example").ActiveSetting)
}

func TestUpdateSettingsDisable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	news := f.connect(1, 0, RoleContent)
	f.ready(t, news, "news.example")

	enabled := false
	resp := f.request(t, news, protocol.TypeUpdateSettings, protocol.UpdateSettings{Settings: types.DefaultAudioSettings(), Enabled: &enabled})
	require.True(t, resp.Success, resp.Error)

	site := f.settings.GetSettingsForSite("news.example")
	assert.False(t, site.Enabled)
	assert.Equal(t, types.ModeDisabled, site.ActiveSetting)

	got := f.pushes(t, news)
	require.Len(t, got, 1)
	assert.False(t, *got[0].Enabled)
	assert.Equal(t, types.DefaultAudioSettings(), got[0].Settings)
}

func TestUpdateSettingsErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	popup := f.connect(0, 0, RolePopup)
	isGlobal := false
	enabled := false

	tests := []struct {
		name    string
		typ     protocol.MessageType
		payload any
		want    string
	}{
		{"site update without hostname", protocol.TypeUpdateSettings, protocol.UpdateSettings{Settings: types.DefaultAudioSettings(), IsGlobal: &isGlobal}, "invalid hostname"},
		{"disable without hostname", protocol.TypeUpdateSettings, protocol.UpdateSettings{Settings: types.DefaultAudioSettings(), Enabled: &enabled}, "invalid hostname"},
		{"mode without hostname", protocol.TypeUpdateSiteMode, map[string]any{"mode": "site"}, "validation failed"},
		{"unknown mode", protocol.TypeUpdateSiteMode, map[string]any{"hostname": "a.example", "mode": "loud"}, "validation failed"},
		{"broken payload", protocol.TypeUpdateSiteMode, json.RawMessage(`"x"`), "invalid JSON"},
		{"ready from popup", protocol.TypeContentScriptReady, protocol.ContentScriptReady{Hostname: "a.example"}, "invalid sender tab"},
		{"activate from popup", protocol.TypeTabActivated, nil, "invalid sender tab"},
		{"no active tab", protocol.TypeGetInitialSettings, nil, "no active tab"},
		{"unknown type", protocol.MessageType("PING"), nil, `unknown message type "PING"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.request(t, popup, tt.typ, tt.payload)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Error, tt.want)
		})
	}
}

func TestValidationDetails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	popup := f.connect(0, 0, RolePopup)

	settings := types.DefaultAudioSettings()
	settings.Volume = 1200
	resp := f.request(t, popup, protocol.TypeUpdateSettings, protocol.UpdateSettings{Settings: settings})
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Details)
	require.Len(t, resp.Details.Errors, 1)
	assert.Equal(t, "settings.volume", resp.Details.Errors[0].Field)
	assert.Equal(t, types.DefaultAudioSettings(), f.settings.GlobalSettings())
}

func TestNotificationsGetNoAnswer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	popup := f.connect(0, 0, RolePopup)

	env, err := protocol.NewEnvelope(protocol.TypeUpdateSiteMode, "", protocol.UpdateSiteMode{Hostname: "a.example", Mode: types.ModeSite})
	require.NoError(t, err)
	f.commands.Handle(context.Background(), popup, env)
	assert.Empty(t, drain(popup))
	assert.Equal(t, types.ModeSite, f.settings.GetSettingsForSite("a.example").ActiveSetting)

	env.Type = "PING"
	f.commands.Handle(context.Background(), popup, env)
	assert.Empty(t, drain(popup))
}

func TestOutdatedContentScript(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.connect(1, 0, RoleContent)

	resp := f.request(t, c, protocol.TypeContentScriptReady, protocol.ContentScriptReady{Hostname: "news.example", Version: "0.9.1"})
	assert.False(t, resp.Success)
	assert.Equal(t, types.ErrOutdatedClient.Error(), resp.Error)
	assert.Empty(t, c.Hostname())
	assert.Empty(t, f.received(c), "outdated scripts get no settings")
}

func TestInitialSettingsForActiveTab(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	popup := f.connect(0, 0, RolePopup)
	embedded := f.connect(5, 2, RoleContent)
	top := f.connect(5, 0, RoleContent)
	f.ready(t, embedded, "ads.example")
	f.ready(t, top, "video.example")

	site := types.DefaultAudioSettings()
	site.Volume = 250
	require.NoError(t, f.settings.UpdateSiteSettings(context.Background(), "video.example", site))
	require.NoError(t, f.settings.UpdateSiteMode(context.Background(), "video.example", types.ModeGlobal))

	resp := f.request(t, embedded, protocol.TypeTabActivated, nil)
	require.True(t, resp.Success, resp.Error)

	resp = f.request(t, popup, protocol.TypeGetInitialSettings, nil)
	require.True(t, resp.Success, resp.Error)
	got, err := protocol.Decode[protocol.InitialSettings](resp.Data)
	require.NoError(t, err)

	assert.Equal(t, "video.example", got.Hostname, "the top frame names the tab")
	assert.Equal(t, types.ModeGlobal, got.Mode)
	assert.True(t, got.IsGlobal)
	assert.True(t, got.Enabled)
	assert.Equal(t, types.DefaultAudioSettings(), got.Settings)
	require.NotNil(t, got.SiteSettings, "saved site settings survive the mode switch")
	assert.Equal(t, 250.0, got.SiteSettings.Volume)
}

func TestInitialSettingsForOwnFrame(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.connect(1, 0, RoleContent)
	f.ready(t, c, "muted.example")
	require.NoError(t, f.settings.DisableSite(context.Background(), "muted.example"))

	resp := f.request(t, c, protocol.TypeGetInitialSettings, nil)
	require.True(t, resp.Success, resp.Error)
	got, err := protocol.Decode[protocol.InitialSettings](resp.Data)
	require.NoError(t, err)
	assert.Equal(t, "muted.example", got.Hostname)
	assert.False(t, got.Enabled)
	assert.Equal(t, types.ModeDisabled, got.Mode)
	assert.Equal(t, types.DefaultAudioSettings(), got.Settings)
}

func TestActiveTabClearedWhenTabCloses(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	top := NewConn(3, 0, RoleContent)
	frame := NewConn(3, 1, RoleContent)
	hub.Register(top)
	hub.Register(frame)
	hub.SetActiveTab(3)

	hub.Unregister(top)
	_, ok := hub.ActiveTab()
	assert.True(t, ok, "the tab still has a frame")

	hub.Unregister(frame)
	_, ok = hub.ActiveTab()
	assert.False(t, ok)
	assert.Zero(t, hub.Len())

	select {
	case <-frame.Done():
	default:
		t.Fatal("unregistered connection not closed")
	}
	assert.False(t, frame.respond("late"), "closed connections take no responses")
	assert.False(t, frame.pushLatest(protocol.Envelope{Type: protocol.TypeUpdateSettings}))
}

func TestBusyFrameGetsLatestSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	news := f.connect(1, 0, RoleContent)
	f.ready(t, news, "news.example")

	// A slider drag: many updates while the frame's writer is stalled.
	for volume := 110.0; volume <= 300; volume += 10 {
		settings := types.DefaultAudioSettings()
		settings.Volume = volume
		f.settings.UpdateGlobalSettings(context.Background(), settings)
	}

	got := f.pushes(t, news)
	require.NotEmpty(t, got)
	assert.Equal(t, 300.0, got[len(got)-1].Settings.Volume)
	assert.Len(t, got, 1, "unsent pushes are superseded")
}

func TestResponsesWaitForRoom(t *testing.T) {
	t.Parallel()
	c := NewConn(1, 0, RoleContent)
	for range sendBuffer {
		require.True(t, c.respond("msg"))
	}

	queued := make(chan bool, 1)
	go func() { queued <- c.respond("one more") }()

	select {
	case <-queued:
		t.Fatal("response queued past a full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	msg, ok := c.next()
	require.True(t, ok)
	assert.Equal(t, "msg", msg)
	select {
	case ok := <-queued:
		assert.True(t, ok, "response is kept, not dropped")
	case <-time.After(5 * time.Second):
		t.Fatal("response never queued")
	}
}

func TestResponseToClosedConnectionReturns(t *testing.T) {
	t.Parallel()
	c := NewConn(1, 0, RoleContent)
	for range sendBuffer {
		require.True(t, c.respond("msg"))
	}

	queued := make(chan bool, 1)
	go func() { queued <- c.respond("blocked") }()
	c.close()

	select {
	case ok := <-queued:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("respond blocked after close")
	}
}

func TestResponsesPrecedePendingPush(t *testing.T) {
	t.Parallel()
	c := NewConn(1, 0, RoleContent)
	require.True(t, c.pushLatest(protocol.Envelope{Type: protocol.TypeUpdateSettings}))
	require.True(t, c.respond(protocol.Response{ID: "r1"}))

	msgs := drain(c)
	require.Len(t, msgs, 2)
	assert.IsType(t, protocol.Response{}, msgs[0])
	assert.IsType(t, protocol.Envelope{}, msgs[1])
}

func TestCompatibleVersion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		server, client string
		want           bool
	}{
		{"1.4.0", "1.0.3", true},
		{"v1.4.0", "v1.9.0", true},
		{"1.4.0", "0.9.1", false},
		{"2.0.0", "1.9.9", false},
		{"1.4.0", "", true},
		{"dev", "1.0.0", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compatibleVersion(tt.server, tt.client), "%s vs %s", tt.server, tt.client)
	}
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()
	allowed := []string{"chrome-extension://abcdef"}
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"chrome-extension://abcdef", true},
		{"chrome-extension://other", false},
		{"http://localhost:3000", true},
		{"http://127.0.0.1", true},
		{"http://192.168.1.20", true},
		{"http://coordinator.lan:8787", true},
		{"https://evil.example", false},
		{"null", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "http://coordinator.lan:8787/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(r, allowed), tt.origin)
	}
}
