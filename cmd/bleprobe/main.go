// Command bleprobe scans for Bluetooth Low Energy devices, connects to one
// and exchanges data with its GATT characteristics.
//
// Usage:
//
//	bleprobe [global flags] [interactive|scan|probe|send|broadcast|adapters|init-config] [command flags]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/bleprobe/internal/ble"
	"github.com/chaz8081/bleprobe/internal/bluez"
	"github.com/chaz8081/bleprobe/internal/config"
	"github.com/chaz8081/bleprobe/internal/message"
	"github.com/chaz8081/bleprobe/internal/present"
	"github.com/chaz8081/bleprobe/internal/selector"
	"github.com/chaz8081/bleprobe/internal/shell"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: bleprobe [flags] [command] [command flags]

Commands:
  interactive   menu driven session (default)
  scan          list nearby devices (-detail for advertisement data)
  probe         scan and test which devices accept a connection
  send          scan, pick a device and characteristic, write a message
  broadcast     send a JSON notification to every device found
  adapters      list local Bluetooth adapters (Linux)
  init-config   write the default config to %s

Flags:
`, config.DefaultConfigPath())
	flag.PrintDefaults()
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (built-in defaults are used when omitted)")
	adapterID := flag.String("adapter", "", "BlueZ adapter id for preflight, flags and write requests, e.g. hci0 (Linux only; scanning always uses the default adapter)")
	duration := flag.Duration("duration", 0, "scan duration (default 10s)")
	nameFilter := flag.String("name", "", "only list devices whose name contains this text")
	minRSSI := flag.Int("min-rssi", 0, "only list devices with at least this RSSI, e.g. -80")
	auto := flag.Bool("auto", false, "pick the first device found without asking")
	writeMode := flag.String("write-mode", "", "auto, with-response or without-response")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Usage = usage
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Flags override file values only when given explicitly.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "adapter":
			cfg.Adapter = *adapterID
		case "duration":
			cfg.Scan.Duration = *duration
		case "name":
			cfg.Scan.NameFilter = *nameFilter
		case "min-rssi":
			cfg.Scan.MinRSSI = *minRSSI
		case "auto":
			cfg.Connect.Auto = *auto
		case "write-mode":
			cfg.Write.Mode = *writeMode
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := "interactive", []string(nil)
	if flag.NArg() > 0 {
		cmd, args = flag.Arg(0), flag.Args()[1:]
	}

	out := present.New(os.Stdout)
	err = run(ctx, cfg, out, cmd, args)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		out.Info("\nInterrupted.")
	default:
		out.Error(err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, out *present.Presenter, cmd string, args []string) error {
	switch cmd {
	case "adapters":
		return listAdapters(ctx, cfg, out)
	case "init-config":
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			out.Warn("Config already exists at %s", config.DefaultConfigPath())
			return nil
		}
		out.Success("Wrote default config to %s", path)
		return nil
	}

	opts := shellOptions(cfg)
	var action func(*shell.Shell) error

	switch cmd {
	case "interactive":
		action = func(sh *shell.Shell) error { return sh.Run(ctx) }

	case "scan":
		fs := flag.NewFlagSet("scan", flag.ExitOnError)
		detail := fs.Bool("detail", false, "show advertisement data, sorted by name")
		_ = fs.Parse(args)
		action = func(sh *shell.Shell) error {
			_, err := sh.Scan(ctx, *detail)
			return err
		}

	case "probe":
		fs := flag.NewFlagSet("probe", flag.ExitOnError)
		timeout := fs.Duration("timeout", shell.DefaultProbeTimeout, "connection timeout per device")
		_ = fs.Parse(args)
		opts.ProbeTimeout = *timeout
		action = func(sh *shell.Shell) error {
			_, err := sh.Probe(ctx)
			return err
		}

	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		address := fs.String("address", "", "device address (skips the scan)")
		char := fs.String("char", "", "characteristic UUID (asks when omitted)")
		kind := fs.String("type", "string", "message type: string, hex or bytes")
		readBack := fs.Bool("read-back", false, "read the characteristic after writing when it is readable")
		fs.Usage = func() {
			fmt.Fprintln(fs.Output(), "Usage: bleprobe send [flags] <message>")
			fs.PrintDefaults()
		}
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			fs.Usage()
			return fmt.Errorf("send: exactly one message argument is required")
		}
		k, err := message.ParseKind(*kind)
		if err != nil {
			return err
		}
		msg, err := message.Parse(k, fs.Arg(0))
		if err != nil {
			return err
		}
		action = func(sh *shell.Shell) error {
			return sh.Send(ctx, shell.SendRequest{
				Address:        *address,
				Characteristic: *char,
				Message:        msg,
				ReadBack:       *readBack,
			})
		}

	case "broadcast":
		fs := flag.NewFlagSet("broadcast", flag.ExitOnError)
		title := fs.String("title", "System Notification", "notification title")
		kind := fs.String("kind", "system", "notification type")
		priority := fs.String("priority", "", "notification priority, e.g. normal or high")
		_ = fs.Parse(args)
		body := "test message"
		if fs.NArg() > 0 {
			body = fs.Arg(0)
		}
		n := message.Notification{
			Title:     *title,
			Body:      body,
			Timestamp: time.Now(),
			Type:      *kind,
			Priority:  *priority,
		}
		action = func(sh *shell.Shell) error {
			_, err := sh.Broadcast(ctx, n)
			return err
		}

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	adapter, cleanup, err := newAdapter(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	sh := shell.New(adapter, os.Stdin, out, opts)
	return action(sh)
}

func shellOptions(cfg *config.Config) shell.Options {
	return shell.Options{
		Scan:    cfg.ScanOptions(),
		Session: cfg.SessionOptions(),
		Select: selector.Options{
			Auto:        cfg.Connect.Auto,
			MaxAttempts: cfg.SelectionAttempts,
		},
		WriteMode:  cfg.WriteMode(),
		ChunkDelay: cfg.Write.ChunkDelay,
	}
}

// newAdapter returns the system adapter. On Linux BlueZ is checked first so
// a missing or powered-off controller fails fast, and it supplies the
// characteristic flags and write requests. tinygo/bluetooth always drives
// the default adapter, so a different -adapter only affects the BlueZ side.
func newAdapter(ctx context.Context, cfg *config.Config) (ble.Adapter, func(), error) {
	client, err := bluez.Dial(cfg.Adapter)
	if err != nil {
		if !errors.Is(err, bluez.ErrUnsupported) {
			slog.Warn("[MAIN] BlueZ unavailable, characteristic flags will not be known", "error", err)
		}
		return ble.NewTinyGoAdapter(nil), func() {}, nil
	}
	if err := client.Preflight(ctx); err != nil {
		client.Close()
		return nil, nil, err
	}
	if client.AdapterID() != bluez.DefaultAdapter {
		slog.Warn("[MAIN] scanning and connecting use the default adapter; characteristic flags and write requests will only resolve for devices it also knows",
			"adapter", client.AdapterID(), "default", bluez.DefaultAdapter)
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			slog.Debug("[MAIN] closing BlueZ connection", "error", err)
		}
	}
	return ble.NewTinyGoAdapter(client), cleanup, nil
}

func listAdapters(ctx context.Context, cfg *config.Config, out *present.Presenter) error {
	client, err := bluez.Dial(cfg.Adapter)
	if err != nil {
		return err
	}
	defer client.Close()

	adapters, err := client.Adapters(ctx)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		out.Warn("No Bluetooth adapters found.")
		return nil
	}
	for _, a := range adapters {
		state := "off"
		if a.Powered {
			state = "on"
		}
		marker := " "
		if a.ID == client.AdapterID() {
			marker = "*"
		}
		out.Info("%s %-6s %s  %-20s powered: %s", marker, a.ID, a.Address, a.Alias, state)
	}
	return nil
}

// loadConfig loads the config from the given path, or uses built-in
// defaults when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	log.Printf("Config loaded from %s", path)
	return cfg, nil
}
