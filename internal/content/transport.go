package content

import (
	"context"

	"github.com/oszuidwest/zwfm-tabboost/internal/bus"
	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
)

// Transport carries a frame's requests to the background.
type Transport interface {
	Fetcher
	Ready(ctx context.Context, msg protocol.ContentScriptReady) error
	TabActivated(ctx context.Context) error
}

// BusTransport sends requests over a protocol connection.
type BusTransport struct {
	client *bus.Client
}

// NewBusTransport returns a Transport using client.
func NewBusTransport(client *bus.Client) *BusTransport {
	return &BusTransport{client: client}
}

// FetchSettings implements Fetcher.
func (t *BusTransport) FetchSettings(ctx context.Context, hostname string) (protocol.InitialSettings, error) {
	return bus.Call[protocol.InitialSettings](ctx, t.client, protocol.TypeGetInitialSettings, protocol.GetInitialSettings{Hostname: hostname})
}

// Ready announces the frame.
func (t *BusTransport) Ready(ctx context.Context, msg protocol.ContentScriptReady) error {
	_, err := bus.Call[struct{}](ctx, t.client, protocol.TypeContentScriptReady, msg)
	return err
}

// TabActivated marks the frame's tab as the active tab.
func (t *BusTransport) TabActivated(ctx context.Context) error {
	_, err := bus.Call[struct{}](ctx, t.client, protocol.TypeTabActivated, protocol.TabActivated{})
	return err
}
