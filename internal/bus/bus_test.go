package bus

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

// pipeConn is one end of an in-memory JSON connection.
type pipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	peer   *pipeConn
	once   sync.Once
}

func pipe() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &pipeConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeConn{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-p.peer.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) ReadJSON(v any) error {
	select {
	case data := <-p.in:
		return json.Unmarshal(data, v)
	case <-p.closed:
		return io.EOF
	case <-p.peer.closed:
		return io.EOF
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// serve answers every request on conn with handle until the pipe closes.
func serve(conn *pipeConn, handle func(protocol.Envelope) any) {
	go func() {
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if resp := handle(env); resp != nil {
				if err := conn.WriteJSON(resp); err != nil {
					return
				}
			}
		}
	}()
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCallDecodesResponse(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	local, remote := pipe()
	serve(remote, func(env protocol.Envelope) any {
		req, err := protocol.Decode[protocol.GetInitialSettings](env.Data)
		if err != nil {
			return nil
		}
		data, _ := json.Marshal(protocol.InitialSettings{
			Settings: types.DefaultAudioSettings(),
			Enabled:  true,
			IsGlobal: true,
			Hostname: req.Hostname,
			Mode:     types.ModeGlobal,
		})
		return protocol.Response{Type: protocol.ResultType(env.Type), ID: env.ID, Success: true, Data: data}
	})

	c := NewClient(local, nil)
	defer c.Close()

	got, err := Call[protocol.InitialSettings](ctx, c, protocol.TypeGetInitialSettings, protocol.GetInitialSettings{Hostname: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, "example.com", got.Hostname)
	assert.Equal(t, types.ModeGlobal, got.Mode)
	assert.Equal(t, types.DefaultAudioSettings(), got.Settings)
}

func TestCallMatchesResponsesByID(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	local, remote := pipe()

	// Answer two requests in reverse order.
	go func() {
		var first, second protocol.Envelope
		if remote.ReadJSON(&first) != nil || remote.ReadJSON(&second) != nil {
			return
		}
		for _, env := range []protocol.Envelope{second, first} {
			data, _ := json.Marshal(map[string]string{"echo": env.ID})
			_ = remote.WriteJSON(protocol.Response{Type: protocol.ResultType(env.Type), ID: env.ID, Success: true, Data: data})
		}
	}()

	c := NewClient(local, nil)
	defer c.Close()

	f1, err := c.Request(ctx, protocol.TypeTabActivated, protocol.TabActivated{})
	require.NoError(t, err)
	f2, err := c.Request(ctx, protocol.TypeTabActivated, protocol.TabActivated{})
	require.NoError(t, err)

	r2, err := f2.Wait(ctx)
	require.NoError(t, err)
	r1, err := f1.Wait(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, r1.ID, r2.ID)
	assert.JSONEq(t, `{"echo":"`+r1.ID+`"}`, string(r1.Data))
	assert.JSONEq(t, `{"echo":"`+r2.ID+`"}`, string(r2.Data))
}

func TestCallRemoteError(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	local, remote := pipe()
	serve(remote, func(env protocol.Envelope) any {
		return protocol.Response{Type: protocol.ResultType(env.Type), ID: env.ID, Error: types.ErrOutdatedClient.Error()}
	})

	c := NewClient(local, nil)
	defer c.Close()

	_, err := Call[struct{}](ctx, c, protocol.TypeContentScriptReady, protocol.ContentScriptReady{Version: "1.0.0"})
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "CONTENT_SCRIPT_READY_result", remoteErr.Type)
	assert.ErrorIs(t, err, types.ErrOutdatedClient)
	assert.NotErrorIs(t, err, types.ErrNoActiveTab)
}

func TestPushHandler(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	local, remote := pipe()

	pushes := make(chan protocol.Envelope, 1)
	c := NewClient(local, func(env protocol.Envelope) { pushes <- env })
	defer c.Close()

	settings := types.DefaultAudioSettings()
	settings.Volume = 250
	env, err := protocol.NewEnvelope(protocol.TypeUpdateSettings, "", protocol.UpdateSettings{Settings: settings})
	require.NoError(t, err)
	require.NoError(t, remote.WriteJSON(env))

	select {
	case got := <-pushes:
		assert.Equal(t, protocol.TypeUpdateSettings, got.Type)
		msg, err := protocol.Decode[protocol.UpdateSettings](got.Data)
		require.NoError(t, err)
		assert.Equal(t, 250.0, msg.Settings.Volume)
	case <-ctx.Done():
		t.Fatal("push not delivered")
	}
}

func TestPushHandlerPanicKeepsConnection(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	local, remote := pipe()

	calls := make(chan struct{}, 2)
	c := NewClient(local, func(protocol.Envelope) {
		calls <- struct{}{}
		panic("boom")
	})
	defer c.Close()

	for range 2 {
		require.NoError(t, remote.WriteJSON(protocol.Envelope{Type: protocol.TypeUpdateSettings}))
	}
	for range 2 {
		select {
		case <-calls:
		case <-ctx.Done():
			t.Fatal("push not delivered")
		}
	}
	assert.NoError(t, c.Err())
}

func TestNotifyHasNoID(t *testing.T) {
	t.Parallel()
	local, remote := pipe()
	c := NewClient(local, nil)
	defer c.Close()

	require.NoError(t, c.Notify(testContext(t), protocol.TypeTabActivated, protocol.TabActivated{}))
	var env protocol.Envelope
	require.NoError(t, remote.ReadJSON(&env))
	assert.Equal(t, protocol.TypeTabActivated, env.Type)
	assert.Empty(t, env.ID)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	local, remote := pipe()
	c := NewClient(local, nil)

	f, err := c.Request(ctx, protocol.TypeGetInitialSettings, protocol.GetInitialSettings{})
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, remote.ReadJSON(&env))

	require.NoError(t, remote.Close())
	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, types.ErrNotConnected)

	<-c.Done()
	assert.ErrorIs(t, c.Err(), types.ErrNotConnected)
	_, err = c.Request(ctx, protocol.TypeGetInitialSettings, nil)
	assert.ErrorIs(t, err, types.ErrNotConnected)
}

func TestWaitCancelled(t *testing.T) {
	t.Parallel()
	local, _ := pipe()
	c := NewClient(local, nil)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f, err := c.Request(ctx, protocol.TypeGetInitialSettings, nil)
	require.NoError(t, err)
	cancel()
	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.pending)
}
