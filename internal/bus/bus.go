// Package bus is the client side of the message protocol: requests return
// futures answered by the response with the same id, pushes without an id
// go to a handler.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

// sendBuffer is the number of outgoing messages queued per connection.
const sendBuffer = 16

// Conn is a JSON message connection. *websocket.Conn satisfies it.
type Conn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// PushHandler receives messages sent without a request.
type PushHandler func(protocol.Envelope)

// RemoteError is a failure response from the other side.
type RemoteError struct {
	Type    string
	Message string
	Details *types.ValidationError
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is matches sentinel errors by message, so errors.Is(err,
// types.ErrOutdatedClient) holds for the matching response.
func (e *RemoteError) Is(target error) bool {
	return target != nil && e.Message == target.Error()
}

// Client is one protocol connection. It is safe for concurrent use.
type Client struct {
	conn   Conn
	onPush PushHandler
	send   chan any
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]*Future
	err     error
	once    sync.Once
}

// Dial connects to a coordinator WebSocket endpoint.
func Dial(ctx context.Context, url string, header http.Header, onPush PushHandler) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, util.WrapError("dial coordinator", err)
	}
	return NewClient(conn, onPush), nil
}

// NewClient starts the read and write loops on conn.
func NewClient(conn Conn, onPush PushHandler) *Client {
	c := &Client{
		conn:    conn,
		onPush:  onPush,
		send:    make(chan any, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]*Future),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *Client) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				c.shutdown(util.WrapError("write message", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		var frame protocol.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.shutdown(err)
			return
		}
		if frame.IsResponse() {
			c.resolve(frame.Response())
			continue
		}
		c.dispatch(frame.Envelope())
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	if c.onPush == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in push handler", "type", env.Type, "panic", r)
		}
	}()
	c.onPush(env)
}

func (c *Client) resolve(resp protocol.Response) {
	c.mu.Lock()
	f, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		slog.Debug("dropping response without pending request", "type", resp.Type, "id", resp.ID)
		return
	}
	f.complete(resp, nil)
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		if err == nil || errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			err = types.ErrNotConnected
		}
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = make(map[string]*Future)
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		if !errors.Is(err, types.ErrNotConnected) {
			err = fmt.Errorf("%w: %w", types.ErrNotConnected, err)
		}
		for _, f := range pending {
			f.complete(protocol.Response{}, err)
		}
	})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection. Pending requests fail with types.ErrNotConnected.
func (c *Client) Close() error {
	c.shutdown(types.ErrNotConnected)
	return nil
}

func (c *Client) enqueue(ctx context.Context, msg any) error {
	select {
	case <-c.done:
		return types.ErrNotConnected
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return types.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends a message that expects no response.
func (c *Client) Notify(ctx context.Context, t protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(t, "", payload)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, env)
}

// Request sends a request and returns the future of its response.
func (c *Client) Request(ctx context.Context, t protocol.MessageType, payload any) (*Future, error) {
	id := uuid.NewString()
	env, err := protocol.NewEnvelope(t, id, payload)
	if err != nil {
		return nil, err
	}

	f := &Future{done: make(chan struct{})}
	f.cancel = func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, types.ErrNotConnected
	}
	c.pending[id] = f
	c.mu.Unlock()

	if err := c.enqueue(ctx, env); err != nil {
		f.cancel()
		return nil, err
	}
	return f, nil
}

// Future is a pending response.
type Future struct {
	done   chan struct{}
	resp   protocol.Response
	err    error
	cancel func()
}

func (f *Future) complete(resp protocol.Response, err error) {
	f.resp = resp
	f.err = err
	close(f.done)
}

// Done is closed once the response arrived or the connection ended.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks for the response. A cancelled ctx abandons the request.
func (f *Future) Wait(ctx context.Context) (protocol.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		f.cancel()
		return protocol.Response{}, ctx.Err()
	}
}

// Call sends a request and decodes a successful response into T. Failure
// responses are returned as *RemoteError.
func Call[T any](ctx context.Context, c *Client, t protocol.MessageType, payload any) (T, error) {
	var out T
	f, err := c.Request(ctx, t, payload)
	if err != nil {
		return out, err
	}
	resp, err := f.Wait(ctx)
	if err != nil {
		return out, err
	}
	if !resp.Success {
		return out, &RemoteError{Type: resp.Type, Message: resp.Error, Details: resp.Details}
	}
	if len(resp.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return out, util.WrapError("decode "+resp.Type, err)
	}
	return out, nil
}
