//go:build js

// Command contentscript is the tabboost content script, compiled to
// JavaScript with gopherjs and injected into every frame of every tab.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"

	"github.com/oszuidwest/zwfm-tabboost/internal/browser"
	"github.com/oszuidwest/zwfm-tabboost/internal/bus"
	"github.com/oszuidwest/zwfm-tabboost/internal/content"
)

// Set with -ldflags "-X main.Version=... -X main.CoordinatorURL=...".
var (
	Version        = "dev"
	CoordinatorURL = "ws://localhost:8787/ws"
)

// tabKey names the per-tab id kept in sessionStorage.
const tabKey = "tabboost.tab"

func main() {
	// Blocking calls must not run on the JavaScript event loop.
	go run(context.Background())
}

func run(ctx context.Context) {
	win := browser.NewWindow()
	doc := browser.NewDocument()

	script := content.NewScript(content.Config{
		PageURL:         win.Href(),
		Version:         Version,
		Window:          win,
		Document:        doc,
		Root:            doc.DocumentElement(),
		NewAudioContext: browser.NewAudioContext,
	})

	tab := win.SessionValue(tabKey, strconv.Itoa(rand.Intn(1<<30)))
	frame := 0
	if !win.IsTop() {
		frame = 1 + rand.Intn(1<<30)
	}
	url := fmt.Sprintf("%s?tab=%s&frame=%d&role=content", CoordinatorURL, tab, frame)

	sock, err := browser.DialSocket(ctx, url)
	if err != nil {
		slog.Warn("coordinator unreachable", "url", CoordinatorURL, "error", err)
		return
	}
	client := bus.NewClient(sock, script.HandlePush)
	defer func() { _ = client.Close() }()

	transport := content.NewBusTransport(client)
	if err := script.Start(ctx, transport); err != nil {
		slog.Warn("content script stopped", "error", err)
		return
	}
	defer script.Stop()

	if win.IsTop() {
		activate := func() {
			go func() {
				if err := script.Activate(ctx, transport); err != nil {
					slog.Debug("failed to mark tab active", "error", err)
				}
			}()
		}
		win.OnActivate(activate)
		activate()
	}

	<-client.Done()
	slog.Info("coordinator connection closed", "error", client.Err())
}
