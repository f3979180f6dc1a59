// Package shell drives the operator-facing flows: the interactive menu
// and the one-shot scan, probe, send and broadcast commands.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chaz8081/bleprobe/internal/ble"
	"github.com/chaz8081/bleprobe/internal/dispatch"
	"github.com/chaz8081/bleprobe/internal/message"
	"github.com/chaz8081/bleprobe/internal/present"
	"github.com/chaz8081/bleprobe/internal/selector"
)

// DefaultProbeTimeout bounds each connection attempt made by Probe.
const DefaultProbeTimeout = 5 * time.Second

var errExit = errors.New("exit requested")

// Options configures a Shell.
type Options struct {
	Scan         ble.ScanOptions
	Session      ble.SessionOptions
	Select       selector.Options
	WriteMode    ble.WriteMode
	ChunkDelay   time.Duration
	ProbeTimeout time.Duration
}

// Shell owns the session for one invocation and the operator I/O.
type Shell struct {
	adapter  ble.Adapter
	session  *ble.Session
	out      *present.Presenter
	prompt   *selector.Prompt
	dispatch *dispatch.Dispatcher
	opts     Options

	records []ble.DeviceRecord // last scan results
	release chan struct{}      // closed when the operator ends the current link
}

// New creates a Shell reading operator answers from in.
func New(adapter ble.Adapter, in io.Reader, out *present.Presenter, opts Options) *Shell {
	if opts.Scan.Duration <= 0 {
		opts.Scan.Duration = ble.DefaultScanDuration
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	session := ble.NewSession(adapter, opts.Session)
	return &Shell{
		adapter:  adapter,
		session:  session,
		out:      out,
		prompt:   selector.NewPrompt(in, out),
		dispatch: dispatch.New(session, out, dispatch.Options{ChunkDelay: opts.ChunkDelay}),
		opts:     opts,
	}
}

// Session returns the shell's session.
func (s *Shell) Session() *ble.Session { return s.session }

var menu = []string{
	"Scan for devices",
	"Connect to device",
	"Discover services",
	"Send message",
	"Read characteristic",
	"Subscribe to notifications",
	"Unsubscribe",
	"Disconnect",
	"Exit",
}

// Run shows the menu until the operator exits, input ends or ctx is
// cancelled. The session is always disconnected on return. Only fatal
// errors such as an unusable adapter are returned.
func (s *Shell) Run(ctx context.Context) error {
	defer s.disconnect()

	s.out.Banner("Bluetooth Device Connector", time.Now())
	for {
		s.out.Menu("Options:", menu)
		choice, err := s.prompt.Ask(ctx, fmt.Sprintf("\nEnter your choice (1-%d): ", len(menu)))
		if err != nil {
			return endOfInput(ctx, err)
		}

		err = s.handle(ctx, choice)
		switch {
		case err == nil:
		case errors.Is(err, errExit):
			s.out.Info("Goodbye!")
			return nil
		case errors.Is(err, io.EOF), ctx.Err() != nil:
			return endOfInput(ctx, err)
		case errors.Is(err, ble.ErrAdapterUnavailable):
			return err
		default:
			s.fail(err)
		}
	}
}

func endOfInput(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Shell) handle(ctx context.Context, choice string) error {
	switch choice {
	case "1":
		_, err := s.Scan(ctx, false)
		return err
	case "2":
		return s.connectInteractive(ctx)
	case "3":
		return s.showServices(ctx)
	case "4":
		return s.sendInteractive(ctx)
	case "5":
		return s.readInteractive(ctx)
	case "6":
		return s.subscribeInteractive(ctx)
	case "7":
		return s.unsubscribeInteractive(ctx)
	case "8":
		if s.session.State() != ble.StateConnected {
			return fmt.Errorf("shell: %w", ble.ErrNotConnected)
		}
		s.disconnect()
		return nil
	case "9", "q", "quit", "exit":
		return errExit
	}
	return fmt.Errorf("shell: %w: %q", selector.ErrInvalidSelection, choice)
}

// fail reports err. Link errors end the session so the operator starts
// from a clean state.
func (s *Shell) fail(err error) {
	s.out.Error(err)
	if ble.IsLinkError(err) && s.session.State() == ble.StateConnected {
		slog.Info("[SHELL] ending session after link error", "error", err)
		s.disconnect()
	}
}

// connect opens the session and starts watching for link loss.
func (s *Shell) connect(ctx context.Context, address string) error {
	s.out.Connecting(address)
	if err := s.session.Connect(ctx, address); err != nil {
		return err
	}
	s.out.Connected(address)

	release := make(chan struct{})
	s.release = release
	go s.watchLink(address, s.session.Done(), release)
	return nil
}

func (s *Shell) watchLink(address string, done, release <-chan struct{}) {
	select {
	case <-release:
	case <-done:
		select {
		case <-release:
		default:
			s.out.LinkLost(address)
		}
	}
}

// disconnect ends the session if one is open. Safe to call repeatedly.
func (s *Shell) disconnect() {
	if s.release != nil {
		close(s.release)
		s.release = nil
	}
	if s.session.State() == ble.StateDisconnected {
		return
	}
	address := s.session.Address()
	if err := s.session.Disconnect(); err != nil {
		slog.Warn("[SHELL] disconnect failed", "address", address, "error", err)
	}
	s.out.Disconnected(address)
}

func (s *Shell) connectInteractive(ctx context.Context) error {
	if s.session.State() == ble.StateConnected {
		return fmt.Errorf("shell: %w to %s", ble.ErrAlreadyConnected, s.session.Address())
	}
	var address string
	if len(s.records) == 0 {
		answer, err := s.prompt.Ask(ctx, "Enter device address: ")
		if err != nil {
			return err
		}
		if answer == "" {
			return fmt.Errorf("shell: %w: empty address", selector.ErrInvalidSelection)
		}
		address = answer
	} else {
		var err error
		address, err = selector.Device(ctx, s.prompt, s.out, s.records, s.opts.Select)
		if err != nil {
			return err
		}
	}
	return s.connect(ctx, address)
}

func (s *Shell) showServices(ctx context.Context) error {
	s.out.Info("Discovering services and characteristics...")
	services, err := s.session.Services(ctx)
	if err != nil {
		return err
	}
	s.out.Services(services)
	return nil
}

// characteristics returns the characteristics of the connected device that
// satisfy keep.
func (s *Shell) characteristics(ctx context.Context, keep func(ble.Property) bool) ([]ble.CharacteristicInfo, error) {
	services, err := s.session.Services(ctx)
	if err != nil {
		return nil, err
	}
	var out []ble.CharacteristicInfo
	for _, svc := range services {
		for _, c := range svc.Characteristics {
			if keep(c.Properties) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (s *Shell) chooseCharacteristic(ctx context.Context, keep func(ble.Property) bool) (string, error) {
	chars, err := s.characteristics(ctx, keep)
	if err != nil {
		return "", err
	}
	opts := s.opts.Select
	opts.Auto = false
	c, err := selector.Characteristic(ctx, s.prompt, s.out, chars, opts)
	if err != nil {
		return "", err
	}
	return c.UUID, nil
}

func (s *Shell) askMessage(ctx context.Context) (message.Message, error) {
	text, err := s.prompt.Ask(ctx, "Enter message: ")
	if err != nil {
		return message.Message{}, err
	}
	kindAnswer, err := s.prompt.Ask(ctx, "Message type (string/hex/bytes) [string]: ")
	if err != nil {
		return message.Message{}, err
	}
	kind, err := message.ParseKind(kindAnswer)
	if err != nil {
		return message.Message{}, err
	}
	return message.Parse(kind, text)
}

func (s *Shell) sendInteractive(ctx context.Context) error {
	uuid, err := s.chooseCharacteristic(ctx, ble.Property.Writable)
	if err != nil {
		return err
	}
	msg, err := s.askMessage(ctx)
	if err != nil {
		return err
	}
	_, err = s.dispatch.Dispatch(ctx, dispatch.Request{
		Target:    uuid,
		Mode:      dispatch.ModeWrite,
		Message:   msg,
		WriteMode: s.opts.WriteMode,
	})
	return err
}

func (s *Shell) readInteractive(ctx context.Context) error {
	uuid, err := s.chooseCharacteristic(ctx, func(p ble.Property) bool { return p.Has(ble.PropRead) })
	if err != nil {
		return err
	}
	_, err = s.dispatch.Dispatch(ctx, dispatch.Request{Target: uuid, Mode: dispatch.ModeRead})
	return err
}

func (s *Shell) subscribeInteractive(ctx context.Context) error {
	uuid, err := s.chooseCharacteristic(ctx, ble.Property.Notifiable)
	if err != nil {
		return err
	}
	if _, err := s.dispatch.Dispatch(ctx, dispatch.Request{Target: uuid, Mode: dispatch.ModeSubscribe}); err != nil {
		return err
	}
	s.out.Info("Notifications will be printed as they arrive.")
	return nil
}

func (s *Shell) unsubscribeInteractive(ctx context.Context) error {
	if s.session.State() != ble.StateConnected {
		return fmt.Errorf("shell: %w", ble.ErrNotConnected)
	}
	active := s.session.Subscriptions()
	if len(active) == 0 {
		s.out.Warn("No active subscriptions.")
		return nil
	}
	chars := make([]ble.CharacteristicInfo, len(active))
	for i, uuid := range active {
		chars[i] = ble.CharacteristicInfo{UUID: uuid, Properties: ble.PropNotify}
	}
	c, err := selector.Characteristic(ctx, s.prompt, s.out, chars, selector.Options{MaxAttempts: s.opts.Select.MaxAttempts})
	if err != nil {
		return err
	}
	if err := s.session.Unsubscribe(c.UUID); err != nil {
		return err
	}
	s.out.Unsubscribed(c.UUID)
	return nil
}
