// Command ble-listen is a manual test for notification delivery.
// It connects to a device, subscribes to its notifiable characteristics
// and prints every notification until Ctrl+C or the link drops.
//
// Usage:
//
//	go run ./cmd/ble-listen -address AA:BB:CC:DD:EE:FF [-char 2a37]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/bleprobe/internal/ble"
	"github.com/chaz8081/bleprobe/internal/bluez"
	"github.com/chaz8081/bleprobe/internal/present"
)

func main() {
	address := flag.String("address", "", "device address to connect to (required)")
	char := flag.String("char", "", "characteristic UUID (default: every notifiable characteristic)")
	adapterID := flag.String("adapter", bluez.DefaultAdapter, "BlueZ adapter id (Linux only)")
	timeout := flag.Duration("timeout", 10*time.Second, "connection timeout")
	flag.Parse()

	if *address == "" {
		flag.Usage()
		os.Exit(2)
	}

	// Handle Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := present.New(os.Stdout)
	if err := run(ctx, out, *address, *char, *adapterID, *timeout); err != nil {
		out.Error(err)
		stop()
		os.Exit(1)
	}
	fmt.Println("Done.")
}

func run(ctx context.Context, out *present.Presenter, address, char, adapterID string, timeout time.Duration) (err error) {
	var flags ble.FlagSource
	if client, err := bluez.Dial(adapterID); err == nil {
		defer client.Close()
		flags = client
	} else if !errors.Is(err, bluez.ErrUnsupported) {
		slog.Warn("[MAIN] BlueZ unavailable, characteristic flags will not be known", "error", err)
	}

	session := ble.NewSession(ble.NewTinyGoAdapter(flags), ble.SessionOptions{ConnectTimeout: timeout})
	out.Connecting(address)
	if err := session.Connect(ctx, address); err != nil {
		return err
	}
	defer func() {
		if derr := session.Disconnect(); derr != nil && err == nil {
			err = derr
		}
	}()
	out.Connected(address)

	targets, err := notifiable(ctx, session, char)
	if err != nil {
		return err
	}
	for _, uuid := range targets {
		if _, err := session.Subscribe(ctx, uuid, out.Notification); err != nil {
			out.Error(err)
			continue
		}
		out.Subscribed(uuid)
	}
	fmt.Println("Press Ctrl+C to exit.")

	// Blocks until interrupted or the link drops
	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	case <-session.Done():
		out.LinkLost(address)
	}
	return nil
}

func notifiable(ctx context.Context, session *ble.Session, char string) ([]string, error) {
	if char != "" {
		info, err := session.Lookup(ctx, char)
		if err != nil {
			return nil, err
		}
		return []string{info.UUID}, nil
	}
	services, err := session.Services(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, svc := range services {
		for _, c := range svc.Characteristics {
			if c.Properties.Notifiable() {
				out = append(out, c.UUID)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no notifiable characteristics on %s: %w", session.Address(), ble.ErrNotNotifiable)
	}
	return out, nil
}
