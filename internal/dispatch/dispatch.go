// Package dispatch turns an operator request into session operations:
// it encodes the message, splits oversized unacknowledged writes and
// reports each outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/bleprobe/internal/ble"
	"github.com/chaz8081/bleprobe/internal/message"
)

// DefaultChunkDelay spaces consecutive chunks of a split write so the peer
// is not flooded with unacknowledged packets.
const DefaultChunkDelay = 20 * time.Millisecond

var ErrUnknownMode = errors.New("unknown mode")

// Mode selects the operation a Request performs.
type Mode int

const (
	ModeWrite Mode = iota
	ModeRead
	ModeSubscribe
)

func (m Mode) String() string {
	switch m {
	case ModeWrite:
		return "write"
	case ModeRead:
		return "read"
	case ModeSubscribe:
		return "subscribe"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "write", "read" or "subscribe".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "write", "send":
		return ModeWrite, nil
	case "read":
		return ModeRead, nil
	case "subscribe", "notify":
		return ModeSubscribe, nil
	}
	return 0, fmt.Errorf("dispatch: %w %q", ErrUnknownMode, s)
}

// Session is the subset of *ble.Session the dispatcher drives.
type Session interface {
	Lookup(ctx context.Context, uuid string) (ble.CharacteristicInfo, error)
	Write(ctx context.Context, uuid string, payload []byte, mode ble.WriteMode) (int, error)
	Read(ctx context.Context, uuid string) ([]byte, error)
	MaxWriteLen(ctx context.Context, uuid string) (int, error)
	Subscribe(ctx context.Context, uuid string, handler func(ble.Notification)) (*ble.Subscription, error)
}

// Reporter receives outcomes. *present.Presenter implements it.
type Reporter interface {
	Written(uuid string, msg message.Message, n int)
	ReadValue(uuid string, data []byte)
	Subscribed(uuid string)
	Notification(n ble.Notification)
}

// Request describes one operation on a characteristic.
type Request struct {
	Target    string
	Mode      Mode
	Message   message.Message
	WriteMode ble.WriteMode
	// ReadBack reads the characteristic after a successful write when it
	// is readable.
	ReadBack bool
}

// Outcome is the result of a dispatched request.
type Outcome struct {
	Target       string
	Mode         Mode
	BytesWritten int
	Chunks       int
	Data         []byte
	Subscription *ble.Subscription
}

// Options configures a Dispatcher.
type Options struct {
	ChunkDelay time.Duration
}

// Dispatcher executes requests against a session.
type Dispatcher struct {
	session    Session
	report     Reporter
	chunkDelay time.Duration
}

// New creates a Dispatcher.
func New(session Session, report Reporter, opts Options) *Dispatcher {
	if opts.ChunkDelay < 0 {
		opts.ChunkDelay = 0
	}
	return &Dispatcher{session: session, report: report, chunkDelay: opts.ChunkDelay}
}

// Dispatch runs req and reports its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	switch req.Mode {
	case ModeWrite:
		return d.write(ctx, req)
	case ModeRead:
		return d.read(ctx, req)
	case ModeSubscribe:
		return d.subscribe(ctx, req)
	}
	return Outcome{}, fmt.Errorf("dispatch: %w %d", ErrUnknownMode, int(req.Mode))
}

func (d *Dispatcher) write(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{Target: req.Target, Mode: ModeWrite}
	info, err := d.session.Lookup(ctx, req.Target)
	if err != nil {
		return out, err
	}
	out.Target = info.UUID

	chunks, err := d.plan(ctx, info, req)
	if err != nil {
		return out, err
	}
	for i, chunk := range chunks {
		if i > 0 {
			if err := sleep(ctx, d.chunkDelay); err != nil {
				return out, err
			}
		}
		n, err := d.session.Write(ctx, info.UUID, chunk, req.WriteMode)
		out.BytesWritten += n
		if err != nil {
			if len(chunks) > 1 {
				return out, fmt.Errorf("dispatch: chunk %d/%d: %w", i+1, len(chunks), err)
			}
			return out, err
		}
		out.Chunks++
	}
	if len(chunks) > 1 {
		slog.Debug("[DISPATCH] split write", "uuid", info.UUID, "chunks", len(chunks), "bytes", out.BytesWritten)
	}
	d.report.Written(info.UUID, req.Message, out.BytesWritten)

	if req.ReadBack && info.Properties.Has(ble.PropRead) {
		data, err := d.session.Read(ctx, info.UUID)
		switch {
		case err == nil:
			out.Data = data
			d.report.ReadValue(info.UUID, data)
		case ble.IsLinkError(err):
			return out, err
		default:
			slog.Warn("[DISPATCH] read back failed", "uuid", info.UUID, "error", err)
		}
	}
	return out, nil
}

// plan returns the payload pieces for req. Only unacknowledged writes are
// split; acknowledged writes are left to the stack.
func (d *Dispatcher) plan(ctx context.Context, info ble.CharacteristicInfo, req Request) ([][]byte, error) {
	payload := req.Message.Encode()
	if !usesWriteWithoutResponse(info.Properties, req.WriteMode) || len(payload) == 0 {
		return [][]byte{payload}, nil
	}
	max, err := d.session.MaxWriteLen(ctx, info.UUID)
	if err != nil {
		return nil, err
	}
	if len(payload) <= max {
		return [][]byte{payload}, nil
	}
	return Chunk(req.Message, max), nil
}

func usesWriteWithoutResponse(props ble.Property, mode ble.WriteMode) bool {
	switch mode {
	case ble.WriteWithoutResponse:
		return true
	case ble.WriteAuto:
		return !props.Has(ble.PropWrite) && props.Has(ble.PropWriteWithoutResponse)
	}
	return false
}

func (d *Dispatcher) read(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{Target: req.Target, Mode: ModeRead}
	info, err := d.session.Lookup(ctx, req.Target)
	if err != nil {
		return out, err
	}
	out.Target = info.UUID
	data, err := d.session.Read(ctx, info.UUID)
	if err != nil {
		return out, err
	}
	out.Data = data
	d.report.ReadValue(info.UUID, data)
	return out, nil
}

func (d *Dispatcher) subscribe(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{Target: req.Target, Mode: ModeSubscribe}
	sub, err := d.session.Subscribe(ctx, req.Target, d.report.Notification)
	if err != nil {
		return out, err
	}
	out.Target = sub.UUID()
	out.Subscription = sub
	d.report.Subscribed(sub.UUID())
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
