//go:build js

package browser

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gopherjs/gopherjs/js"

	"github.com/oszuidwest/zwfm-tabboost/internal/types"
	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

// Socket is a browser WebSocket satisfying bus.Conn.
type Socket struct {
	ws       *js.Object
	incoming chan string
	closed   chan struct{}
	once     sync.Once
}

// DialSocket opens a WebSocket to url and waits for it to connect.
func DialSocket(ctx context.Context, url string) (*Socket, error) {
	s := &Socket{
		incoming: make(chan string, 64),
		closed:   make(chan struct{}),
	}
	opened := make(chan struct{})

	if err := try(func() { s.ws = js.Global.Get("WebSocket").New(url) }); err != nil {
		return nil, util.WrapError("open websocket", err)
	}
	s.ws.Set("onopen", func() { close(opened) })
	s.ws.Set("onmessage", func(ev *js.Object) {
		select {
		case s.incoming <- ev.Get("data").String():
		case <-s.closed:
		}
	})
	s.ws.Set("onclose", func() { s.markClosed() })

	select {
	case <-opened:
		return s, nil
	case <-s.closed:
		return nil, util.WrapError("open websocket", types.ErrNotConnected)
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

func (s *Socket) markClosed() {
	s.once.Do(func() { close(s.closed) })
}

// WriteJSON sends v as a text frame.
func (s *Socket) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return types.ErrNotConnected
	default:
	}
	return try(func() { s.ws.Call("send", string(data)) })
}

// ReadJSON blocks for the next message and decodes it into v.
func (s *Socket) ReadJSON(v any) error {
	select {
	case msg := <-s.incoming:
		return json.Unmarshal([]byte(msg), v)
	case <-s.closed:
		return types.ErrNotConnected
	}
}

// Close closes the socket.
func (s *Socket) Close() error {
	err := try(func() { s.ws.Call("close") })
	s.markClosed()
	return err
}
