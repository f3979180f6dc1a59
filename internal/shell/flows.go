package shell

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/bleprobe/internal/ble"
	"github.com/chaz8081/bleprobe/internal/dispatch"
	"github.com/chaz8081/bleprobe/internal/message"
	"github.com/chaz8081/bleprobe/internal/selector"
)

// Scan discovers nearby devices, prints them and remembers them for the
// connect menu entry. With detail set the list is sorted by name and
// includes advertisement payloads.
func (s *Shell) Scan(ctx context.Context, detail bool) ([]ble.DeviceRecord, error) {
	opts := s.opts.Scan
	opts.OnFound = s.out.DeviceFound
	s.out.Scanning(opts.Duration)

	records, err := ble.Scan(ctx, s.adapter, opts)
	if err != nil {
		return nil, err
	}
	if detail {
		ble.SortByName(records)
	}
	s.records = records
	s.out.Devices(records, detail)
	return records, nil
}

// Probe scans and then opens a short connection to every device found,
// one at a time. It returns how many devices accepted a connection.
func (s *Shell) Probe(ctx context.Context) (int, error) {
	records, err := s.Scan(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, selector.ErrNoDevicesFound
	}

	s.out.Info("Testing connectivity of %d device(s)...", len(records))
	ok := 0
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		err := s.visit(ctx, r.Address, s.opts.ProbeTimeout, func(*ble.Session) error { return nil })
		s.out.ProbeResult(r, err)
		if err == nil {
			ok++
		}
	}
	s.out.Info("Connectable: %d/%d", ok, len(records))
	return ok, nil
}

// visit connects a dedicated session to address, runs fn and disconnects.
// A positive timeout overrides the configured connect timeout.
func (s *Shell) visit(ctx context.Context, address string, timeout time.Duration, fn func(*ble.Session) error) error {
	opts := s.opts.Session
	if timeout > 0 {
		opts.ConnectTimeout = timeout
	}
	opts.Attempts = 1
	sess := ble.NewSession(s.adapter, opts)
	if err := sess.Connect(ctx, address); err != nil {
		return err
	}
	defer func() {
		if err := sess.Disconnect(); err != nil {
			slog.Debug("[SHELL] disconnect failed", "address", address, "error", err)
		}
	}()
	return fn(sess)
}

// SendRequest describes a one-shot write.
type SendRequest struct {
	// Address skips the scan when set.
	Address string
	// Characteristic skips characteristic selection when set.
	Characteristic string
	Message        message.Message
	ReadBack       bool
}

// Send scans, lets the operator pick a device and a writable
// characteristic, writes the message and disconnects. Nothing is
// connected when the scan finds no devices.
func (s *Shell) Send(ctx context.Context, req SendRequest) error {
	address := req.Address
	if address == "" {
		records, err := s.Scan(ctx, false)
		if err != nil {
			return err
		}
		address, err = selector.Device(ctx, s.prompt, s.out, records, s.opts.Select)
		if err != nil {
			return err
		}
	}

	if err := s.connect(ctx, address); err != nil {
		return err
	}
	defer s.disconnect()

	target := req.Characteristic
	if target == "" {
		chars, err := s.characteristics(ctx, ble.Property.Writable)
		if err != nil {
			return err
		}
		c, err := selector.Characteristic(ctx, s.prompt, s.out, chars, s.opts.Select)
		if err != nil {
			return err
		}
		target = c.UUID
	}

	_, err := s.dispatch.Dispatch(ctx, dispatch.Request{
		Target:    target,
		Mode:      dispatch.ModeWrite,
		Message:   req.Message,
		WriteMode: s.opts.WriteMode,
		ReadBack:  req.ReadBack,
	})
	return err
}

// Broadcast sends the notification to the first writable characteristic
// of every device found, sequentially, and prints a summary. It returns
// the number of devices that accepted the write.
func (s *Shell) Broadcast(ctx context.Context, n message.Notification) (int, error) {
	msg, err := n.AsMessage()
	if err != nil {
		return 0, err
	}
	records, err := s.Scan(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, selector.ErrNoDevicesFound
	}

	sent := 0
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		s.out.Info("Sending to %s (%s)...", r.DisplayName(), r.Address)
		err := s.visit(ctx, r.Address, 0, func(sess *ble.Session) error {
			return s.deliver(ctx, sess, msg)
		})
		if err != nil {
			s.out.Error(fmt.Errorf("%s: %w", r.Address, err))
			continue
		}
		sent++
	}
	s.out.Summary(sent, len(records))
	return sent, nil
}

func (s *Shell) deliver(ctx context.Context, sess *ble.Session, msg message.Message) error {
	services, err := sess.Services(ctx)
	if err != nil {
		return err
	}
	target := firstWritable(services)
	if target == "" {
		return fmt.Errorf("shell: no writable characteristic: %w", ble.ErrNotWritable)
	}
	d := dispatch.New(sess, s.out, dispatch.Options{ChunkDelay: s.opts.ChunkDelay})
	_, err = d.Dispatch(ctx, dispatch.Request{
		Target:    target,
		Mode:      dispatch.ModeWrite,
		Message:   msg,
		WriteMode: s.opts.WriteMode,
	})
	return err
}

func firstWritable(services []ble.Service) string {
	for _, svc := range services {
		for _, c := range svc.Characteristics {
			if c.Properties.Writable() {
				return c.UUID
			}
		}
	}
	return ""
}
