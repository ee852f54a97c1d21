// Command tabboostctl issues popup requests to a running coordinator.
//
// Usage:
//
//	tabboostctl [-url ws://localhost:8787/ws] get [hostname]
//	tabboostctl set [-hostname h] [-global|-site] volume=300 bass=150 voice=120 mono=true speed=125
//	tabboostctl mode <hostname> global|site|disabled
//	tabboostctl preview -page-url https://news.example/a page.html
//
// Without a hostname, get and set act on the site of the active tab.
// preview loads a saved page as a headless content frame, plays a test tone
// through its media and reports the levels the site's settings produce.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-tabboost/internal/bus"
	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

const requestTimeout = 10 * time.Second

// Version is announced when preview registers as a content frame.
var Version = "dev"

func main() {
	url := flag.String("url", "ws://localhost:8787/ws", "Coordinator WebSocket URL")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: tabboostctl [-url URL] get|set|mode|preview ...")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if flag.Arg(0) == "preview" {
		if err := runPreview(ctx, *url, flag.Args()[1:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	client, err := bus.Dial(ctx, *url+"?role=popup", nil, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	if err := run(ctx, client, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *bus.Client, args []string, out io.Writer) error {
	switch args[0] {
	case "get":
		var hostname string
		if len(args) > 1 {
			hostname = args[1]
		}
		initial, err := getSettings(ctx, client, hostname)
		if err != nil {
			return err
		}
		return printJSON(out, initial)
	case "set":
		return setSettings(ctx, client, args[1:], out)
	case "mode":
		if len(args) != 3 {
			return errors.New("usage: tabboostctl mode <hostname> global|site|disabled")
		}
		_, err := bus.Call[struct{}](ctx, client, protocol.TypeUpdateSiteMode, protocol.UpdateSiteMode{
			Hostname: args[1],
			Mode:     types.Mode(args[2]),
		})
		if err != nil {
			return err
		}
		initial, err := getSettings(ctx, client, args[1])
		if err != nil {
			return err
		}
		return printJSON(out, initial)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func getSettings(ctx context.Context, client *bus.Client, hostname string) (protocol.InitialSettings, error) {
	return bus.Call[protocol.InitialSettings](ctx, client, protocol.TypeGetInitialSettings, protocol.GetInitialSettings{Hostname: hostname})
}

// setSettings merges the assignments into the site's current settings and
// sends them back.
func setSettings(ctx context.Context, client *bus.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	hostname := fs.String("hostname", "", "Site to change (default: active tab)")
	global := fs.Bool("global", false, "Change the global settings")
	site := fs.Bool("site", false, "Change the site's own settings")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *global && *site {
		return errors.New("-global and -site are exclusive")
	}

	patch, err := parseAssignments(fs.Args())
	if err != nil {
		return err
	}

	current, err := getSettings(ctx, client, *hostname)
	if err != nil {
		return err
	}

	base := current.Settings
	if *site && current.SiteSettings != nil {
		base = *current.SiteSettings
	}

	req := protocol.UpdateSettings{
		Settings: base.Merge(patch),
		Hostname: current.Hostname,
	}
	if *global || *site {
		req.IsGlobal = global
	}
	if _, err := bus.Call[struct{}](ctx, client, protocol.TypeUpdateSettings, req); err != nil {
		var remote *bus.RemoteError
		if errors.As(err, &remote) && remote.Details != nil {
			return remote.Details
		}
		return err
	}

	updated, err := getSettings(ctx, client, current.Hostname)
	if err != nil {
		return err
	}
	return printJSON(out, updated)
}

// parseAssignments turns "volume=300 mono=true" into a patch.
func parseAssignments(args []string) (types.AudioSettingsPatch, error) {
	var patch types.AudioSettingsPatch
	if len(args) == 0 {
		return patch, errors.New("nothing to set")
	}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return patch, fmt.Errorf("invalid assignment %q: want key=value", arg)
		}
		if key == "mono" {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return patch, fmt.Errorf("invalid mono value %q", value)
			}
			patch.Mono = &b
			continue
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return patch, fmt.Errorf("invalid %s value %q", key, value)
		}
		switch key {
		case "volume":
			patch.Volume = &f
		case "bass":
			patch.BassBoost = &f
		case "voice":
			patch.VoiceBoost = &f
		case "speed":
			patch.Speed = &f
		default:
			return patch, fmt.Errorf("unknown setting %q", key)
		}
	}
	return patch, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
