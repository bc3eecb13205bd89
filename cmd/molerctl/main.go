// Command molerctl is the interactive entry point: it loads the
// configured devices, lets the operator pick one and a target state,
// and drives the transition, logging progress as it goes.
//
// Grounded on the reference implementation's main.go (flag parsing,
// config load, interactive selection, then a single run) and
// internal/config/selector.go's huh-based select-form pattern, here
// selecting a device and a target state instead of a component/host/
// project triple.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/huh"

	"github.com/nokia/moler/config"
	"github.com/nokia/moler/connection"
	"github.com/nokia/moler/device"
	"github.com/nokia/moler/molerlog"
	"github.com/nokia/moler/scheduler"
	"github.com/nokia/moler/transport/local"
	"github.com/nokia/moler/transport/ssh"
)

func main() {
	configPath := flag.String("config", "", "path to moler config file (default: search well-known locations)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "molerctl: load config:", err)
		os.Exit(1)
	}

	deviceName, err := selectDevice(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "molerctl:", err)
		os.Exit(1)
	}

	sched := scheduler.New()
	dev, err := buildDevice(cfg, deviceName, sched)
	if err != nil {
		fmt.Fprintln(os.Stderr, "molerctl: build device:", err)
		os.Exit(1)
	}

	targetState, err := selectTargetState(cfg, deviceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "molerctl:", err)
		os.Exit(1)
	}

	logger := molerlog.New(deviceName, os.Stdout, nil, false, nil)
	logger.Main("transitioning to %s", targetState)

	if err := dev.GotoState(targetState, 0); err != nil {
		fmt.Fprintln(os.Stderr, "molerctl: transition failed:", err)
		os.Exit(1)
	}
	logger.Main("now in %s", dev.CurrentState())
}

func selectDevice(cfg *config.Config) (string, error) {
	names := make([]string, 0, len(cfg.Devices))
	for name := range cfg.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "", fmt.Errorf("no devices configured")
	}
	if len(names) == 1 {
		return names[0], nil
	}

	options := make([]huh.Option[string], len(names))
	for i, name := range names {
		dev := cfg.Devices[name]
		options[i] = huh.NewOption(fmt.Sprintf("%s (%s)", name, dev.DeviceClass), name)
	}

	var selected string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select device").
				Options(options...).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("select device: %w", err)
	}
	return selected, nil
}

func selectTargetState(cfg *config.Config, deviceName string) (string, error) {
	dev := cfg.Devices[deviceName]
	states := map[string]struct{}{dev.InitialState: {}}
	for from, hops := range dev.ConnectionHops {
		states[from] = struct{}{}
		for to := range hops {
			states[to] = struct{}{}
		}
	}

	names := make([]string, 0, len(states))
	for s := range states {
		names = append(names, s)
	}
	sort.Strings(names)

	options := make([]huh.Option[string], len(names))
	for i, s := range names {
		options[i] = huh.NewOption(s, s)
	}

	var selected string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select target state").
				Options(options...).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("select target state: %w", err)
	}
	return selected, nil
}

// buildDevice wires a device.Device from its configuration entry:
// constructs and opens the transport named by ConnectionDesc, builds
// the device (which starts in NOT_CONNECTED, with the configured
// initial state as the local state Close returns to; Device owns
// wrapping the transport in a FanoutConnection, including rebuilding
// that wrapper on reconnect), and registers every configured hop.
func buildDevice(cfg *config.Config, name string, sched *scheduler.Scheduler) (*device.Device, error) {
	entry := cfg.Devices[name]

	conn, err := buildConnection(name, entry.ConnectionDesc)
	if err != nil {
		return nil, err
	}
	if err := conn.Open(); err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}

	dev := device.New(name, conn, connection.ReplacingUTF8Decoder, sched, entry.InitialState)

	for from, hops := range entry.ConnectionHops {
		for to, hop := range hops {
			dev.RegisterHop(&device.HopTransition{
				From:           from,
				To:             to,
				CommandName:    hop.ExecuteCommand,
				CommandParams:  hop.CommandParams,
				ExpectedPrompt: "",
			})
		}
	}

	return dev, nil
}

func buildConnection(name string, desc *config.ConnectionDesc) (connection.Connection, error) {
	if desc == nil {
		return nil, fmt.Errorf("device %q: no connection description", name)
	}
	switch desc.IOType {
	case "local":
		return local.New(name, "", nil), nil
	case "ssh":
		return ssh.New(name, ssh.HostConfig{Host: desc.Variant}), nil
	default:
		return nil, fmt.Errorf("device %q: unknown io_type %q", name, desc.IOType)
	}
}
