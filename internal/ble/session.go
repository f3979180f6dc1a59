package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// SessionOptions configures connection behavior.
type SessionOptions struct {
	ConnectTimeout   time.Duration // per connect attempt
	OperationTimeout time.Duration // read, write, discovery and disconnect
	Attempts         int           // connect attempts before giving up
	BackoffMax       int           // max delay between attempts in seconds
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout:   10 * time.Second,
		OperationTimeout: 5 * time.Second,
		Attempts:         1,
		BackoffMax:       30,
	}
}

// Session wraps one link to one peripheral. A Session is reusable: after
// Disconnect (or link loss) it may Connect again, but it never holds more
// than one link.
type Session struct {
	adapter Adapter
	opts    SessionOptions

	mu       sync.Mutex
	state    State
	gen      uint64 // incremented whenever a link starts or ends
	address  string
	conn     Connection
	services []Service
	chars    map[string]RemoteCharacteristic
	subs     map[string]*Subscription
	done     chan struct{}
}

// NewSession creates a disconnected session on the given adapter.
func NewSession(adapter Adapter, opts SessionOptions) *Session {
	def := DefaultSessionOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = def.OperationTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	done := make(chan struct{})
	close(done)
	return &Session{
		adapter: adapter,
		opts:    opts,
		done:    done,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Address returns the peer address of the current link, or "".
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return ""
	}
	return s.address
}

// Done returns a channel that is closed when the current link ends, either
// through Disconnect or because the peer went away.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Connect opens a link to address.
func (s *Session) Connect(ctx context.Context, address string) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("ble: connect to %s: %w", address, ErrAlreadyConnected)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.adapter.Enable(); err != nil {
		s.abortConnect()
		return fmt.Errorf("ble: enable adapter: %w: %w", ErrAdapterUnavailable, err)
	}

	var conn Connection
	var err error
	for attempt := 0; attempt < s.opts.Attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.opts.BackoffMax)
			slog.Info("[BLE] connect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.abortConnect()
				return fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
			}
		}
		conn, err = s.connectOnce(ctx, address)
		if err == nil {
			break
		}
		slog.Warn("[BLE] connect failed", "address", address, "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		s.abortConnect()
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.conn = conn
	s.address = address
	s.state = StateConnected
	s.services = nil
	s.chars = nil
	s.subs = make(map[string]*Subscription)
	s.done = make(chan struct{})
	s.mu.Unlock()

	conn.OnDisconnect(func() { s.linkLost(gen) })

	slog.Info("[BLE] connected", "address", address)
	return nil
}

func (s *Session) connectOnce(ctx context.Context, address string) (Connection, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.adapter.Connect(cctx, address)
	if err == nil {
		return conn, nil
	}
	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case cctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ErrTimeout)
	default:
		return nil, fmt.Errorf("ble: connect to %s: %w: %w", address, ErrConnectionFailed, err)
	}
}

func (s *Session) abortConnect() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
}

// Services enumerates the peer's services. Discovery runs once per link and
// the result is cached.
func (s *Session) Services(ctx context.Context) ([]Service, error) {
	if err := s.ensureDiscovered(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Service, len(s.services))
	for i, svc := range s.services {
		out[i] = Service{
			UUID:            svc.UUID,
			Characteristics: append([]CharacteristicInfo(nil), svc.Characteristics...),
		}
	}
	return out, nil
}

func (s *Session) ensureDiscovered(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return fmt.Errorf("ble: discover services: %w", ErrNotConnected)
	}
	if s.chars != nil {
		s.mu.Unlock()
		return nil
	}
	conn, gen := s.conn, s.gen
	s.mu.Unlock()

	remote, err := callWithTimeout(ctx, s.opts.OperationTimeout, conn.DiscoverServices)
	if err != nil {
		return s.opError("discover services", err)
	}

	services := make([]Service, 0, len(remote))
	chars := make(map[string]RemoteCharacteristic)
	for _, rs := range remote {
		svc := Service{UUID: rs.UUID()}
		for _, rc := range rs.Characteristics() {
			svc.Characteristics = append(svc.Characteristics, CharacteristicInfo{
				UUID:       rc.UUID(),
				Properties: rc.Properties(),
			})
			if _, dup := chars[rc.UUID()]; !dup {
				chars[rc.UUID()] = rc
			}
		}
		services = append(services, svc)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateConnected {
		return fmt.Errorf("ble: discover services: %w", ErrNotConnected)
	}
	s.services = services
	s.chars = chars
	slog.Debug("[BLE] services discovered", "services", len(services), "characteristics", len(chars))
	return nil
}

// Lookup returns the descriptor of a characteristic on the current link.
func (s *Session) Lookup(ctx context.Context, uuid string) (CharacteristicInfo, error) {
	c, err := s.lookup(ctx, uuid)
	if err != nil {
		return CharacteristicInfo{}, err
	}
	return CharacteristicInfo{UUID: c.UUID(), Properties: c.Properties()}, nil
}

func (s *Session) lookup(ctx context.Context, uuid string) (RemoteCharacteristic, error) {
	if err := s.ensureDiscovered(ctx); err != nil {
		return nil, err
	}
	norm, err := NormalizeUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("ble: %w: %w", ErrCharacteristicNotFound, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil, fmt.Errorf("ble: lookup %s: %w", norm, ErrNotConnected)
	}
	c, ok := s.chars[norm]
	if !ok {
		return nil, fmt.Errorf("ble: %s: %w", norm, ErrCharacteristicNotFound)
	}
	return c, nil
}

// Write sends payload to the characteristic. Nothing is sent when the
// characteristic does not support the requested mode.
func (s *Session) Write(ctx context.Context, uuid string, payload []byte, mode WriteMode) (int, error) {
	c, err := s.lookup(ctx, uuid)
	if err != nil {
		return 0, err
	}
	withResponse, err := resolveWriteMode(c.Properties(), mode)
	if err != nil {
		return 0, fmt.Errorf("ble: write %s: %w", c.UUID(), err)
	}

	n, err := callWithTimeout(ctx, s.opts.OperationTimeout, func(context.Context) (int, error) {
		if withResponse {
			return c.Write(payload)
		}
		return c.WriteWithoutResponse(payload)
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) || ctx.Err() != nil || s.State() != StateConnected {
			return 0, s.opError("write "+c.UUID(), err)
		}
		return 0, fmt.Errorf("ble: write %s: %w: %w", c.UUID(), ErrWriteRejected, err)
	}
	slog.Debug("[BLE] wrote characteristic", "uuid", c.UUID(), "bytes", n, "with_response", withResponse)
	return n, nil
}

func resolveWriteMode(props Property, mode WriteMode) (withResponse bool, err error) {
	switch mode {
	case WriteWithResponse:
		if !props.Has(PropWrite) {
			return false, ErrNotWritable
		}
		return true, nil
	case WriteWithoutResponse:
		if !props.Has(PropWriteWithoutResponse) {
			return false, ErrNotWritable
		}
		return false, nil
	default:
		switch {
		case props.Has(PropWrite):
			return true, nil
		case props.Has(PropWriteWithoutResponse):
			return false, nil
		}
		return false, ErrNotWritable
	}
}

// Read fetches the characteristic's current value.
func (s *Session) Read(ctx context.Context, uuid string) ([]byte, error) {
	c, err := s.lookup(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if !c.Properties().Has(PropRead) {
		return nil, fmt.Errorf("ble: read %s: %w", c.UUID(), ErrNotReadable)
	}
	data, err := callWithTimeout(ctx, s.opts.OperationTimeout, func(context.Context) ([]byte, error) {
		return c.Read()
	})
	if err != nil {
		return nil, s.opError("read "+c.UUID(), err)
	}
	return data, nil
}

// MaxWriteLen returns the largest payload a single write can carry.
func (s *Session) MaxWriteLen(ctx context.Context, uuid string) (int, error) {
	c, err := s.lookup(ctx, uuid)
	if err != nil {
		return 0, err
	}
	mtu, err := c.MTU()
	if err != nil || mtu < minATTMTU {
		return minATTMTU - attHeaderLen, nil
	}
	return int(mtu) - attHeaderLen, nil
}

const (
	minATTMTU    = 23
	attHeaderLen = 3
)

// Subscribe enables notifications on the characteristic. handler runs on a
// goroutine owned by the subscription, once per notification, in arrival
// order. An existing subscription on the same characteristic is replaced.
func (s *Session) Subscribe(ctx context.Context, uuid string, handler func(Notification)) (*Subscription, error) {
	c, err := s.lookup(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if !c.Properties().Notifiable() {
		return nil, fmt.Errorf("ble: subscribe %s: %w", c.UUID(), ErrNotNotifiable)
	}

	if old := s.takeSubscription(c.UUID()); old != nil {
		old.stop()
		_ = old.char.Unsubscribe()
	}

	sub := newSubscription(s, c, handler)
	if _, err := callWithTimeout(ctx, s.opts.OperationTimeout, func(context.Context) (struct{}, error) {
		return struct{}{}, c.Subscribe(sub.deliver)
	}); err != nil {
		sub.stop()
		return nil, s.opError("subscribe "+c.UUID(), err)
	}

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		sub.stop()
		return nil, fmt.Errorf("ble: subscribe %s: %w", c.UUID(), ErrNotConnected)
	}
	s.subs[c.UUID()] = sub
	s.mu.Unlock()

	go sub.run()
	slog.Info("[BLE] subscribed", "uuid", c.UUID())
	return sub, nil
}

// Unsubscribe stops notifications for the characteristic, if subscribed.
func (s *Session) Unsubscribe(uuid string) error {
	if s.State() != StateConnected {
		return fmt.Errorf("ble: unsubscribe: %w", ErrNotConnected)
	}
	norm, err := NormalizeUUID(uuid)
	if err != nil {
		return fmt.Errorf("ble: %w: %w", ErrCharacteristicNotFound, err)
	}
	sub := s.takeSubscription(norm)
	if sub == nil {
		return nil
	}
	sub.stop()
	if err := sub.char.Unsubscribe(); err != nil {
		return fmt.Errorf("ble: unsubscribe %s: %w", norm, err)
	}
	slog.Info("[BLE] unsubscribed", "uuid", norm)
	return nil
}

// Subscriptions returns the sorted UUIDs with active subscriptions.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for uuid := range s.subs {
		out = append(out, uuid)
	}
	sort.Strings(out)
	return out
}

func (s *Session) takeSubscription(uuid string) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[uuid]
	delete(s.subs, uuid)
	return sub
}

// Disconnect releases the link and tears down all subscriptions. It is
// safe to call in any state and more than once.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDisconnecting
	conn, address := s.conn, s.address
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for uuid, sub := range subs {
		sub.stop()
		if err := sub.char.Unsubscribe(); err != nil {
			slog.Debug("[BLE] unsubscribe during disconnect failed", "uuid", uuid, "error", err)
		}
	}

	_, err := callWithTimeout(context.Background(), s.opts.OperationTimeout, func(context.Context) (struct{}, error) {
		return struct{}{}, conn.Disconnect()
	})

	s.mu.Lock()
	s.endLink()
	s.mu.Unlock()

	if err != nil {
		slog.Warn("[BLE] disconnect reported an error", "address", address, "error", err)
		return fmt.Errorf("ble: disconnect %s: %w", address, err)
	}
	slog.Info("[BLE] disconnected", "address", address)
	return nil
}

// linkLost handles a disconnect reported by the stack for link gen.
func (s *Session) linkLost(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	address := s.address
	subs := s.subs
	s.subs = nil
	s.endLink()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	slog.Warn("[BLE] link lost", "address", address)
}

// endLink resets link state (caller must hold mu).
func (s *Session) endLink() {
	s.state = StateDisconnected
	s.gen++
	s.conn = nil
	s.address = ""
	s.services = nil
	s.chars = nil
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// opError wraps a failed operation, preferring ErrNotConnected when the
// link went away while the operation was in flight.
func (s *Session) opError(op string, err error) error {
	if s.State() != StateConnected && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("ble: %s: %w: %w", op, ErrNotConnected, err)
	}
	return fmt.Errorf("ble: %s: %w", op, err)
}

// callWithTimeout runs fn and gives up after timeout, returning ErrTimeout.
// fn keeps running in the background if it does not return in time.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return zero, ctx.Err()
	}
}

// backoffDelay returns the retry delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}
