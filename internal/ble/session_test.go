package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func connectedSession(t *testing.T) (*Session, *mockAdapter) {
	t.Helper()
	adapter := newMockAdapter(nil)
	s := NewSession(adapter, DefaultSessionOptions())
	if err := s.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Disconnect() })
	return s, adapter
}

func TestSessionConnectAndWriteString(t *testing.T) {
	s, adapter := connectedSession(t)

	if s.State() != StateConnected {
		t.Fatalf("State() = %v, want connected", s.State())
	}
	if s.Address() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Address() = %q", s.Address())
	}

	n, err := s.Write(context.Background(), testWriteUUID, []byte("Hello"), WriteAuto)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != 5 {
		t.Errorf("Write() = %d bytes, want 5", n)
	}
	char := adapter.latestConnection().char(testWriteUUID)
	if len(char.writes) != 1 || string(char.writes[0]) != "Hello" {
		t.Errorf("writes = %q, want [Hello] with response", char.writes)
	}
}

func TestSessionWriteAutoFallsBackToWithoutResponse(t *testing.T) {
	s, adapter := connectedSession(t)

	if _, err := s.Write(context.Background(), testNoRespUUID, []byte{1, 2}, WriteAuto); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := len(adapter.latestConnection().char(testNoRespUUID).noRespWrites); got != 1 {
		t.Errorf("without-response writes = %d, want 1", got)
	}
}

func TestSessionWriteNotWritableSendsNothing(t *testing.T) {
	s, adapter := connectedSession(t)

	_, err := s.Write(context.Background(), testReadUUID, []byte("Hello"), WriteAuto)
	if !errors.Is(err, ErrNotWritable) {
		t.Fatalf("Write() error = %v, want ErrNotWritable", err)
	}
	if n := adapter.latestConnection().char(testReadUUID).writeCount(); n != 0 {
		t.Errorf("%d writes reached the device, want 0", n)
	}

	_, err = s.Write(context.Background(), testNoRespUUID, []byte("x"), WriteWithResponse)
	if !errors.Is(err, ErrNotWritable) {
		t.Errorf("Write(with-response) on write-without-response char error = %v, want ErrNotWritable", err)
	}
}

func TestSessionWriteRejected(t *testing.T) {
	s, adapter := connectedSession(t)
	adapter.latestConnection().char(testWriteUUID).writeErr = errors.New("att: write not permitted")

	_, err := s.Write(context.Background(), testWriteUUID, []byte("x"), WriteWithResponse)
	if !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("Write() error = %v, want ErrWriteRejected", err)
	}
}

func TestSessionRead(t *testing.T) {
	s, _ := connectedSession(t)

	data, err := s.Read(context.Background(), testReadUUID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Read() = %q, want %q", data, "hello")
	}

	if _, err := s.Read(context.Background(), testWriteUUID); !errors.Is(err, ErrNotReadable) {
		t.Errorf("Read() on write-only char error = %v, want ErrNotReadable", err)
	}
}

func TestSessionCharacteristicNotFound(t *testing.T) {
	s, _ := connectedSession(t)

	_, err := s.Read(context.Background(), "0000dead-0000-1000-8000-00805f9b34fb")
	if !errors.Is(err, ErrCharacteristicNotFound) {
		t.Errorf("Read() error = %v, want ErrCharacteristicNotFound", err)
	}
	_, err = s.Write(context.Background(), "not-a-uuid", []byte("x"), WriteAuto)
	if !errors.Is(err, ErrCharacteristicNotFound) {
		t.Errorf("Write() with malformed UUID error = %v, want ErrCharacteristicNotFound", err)
	}
}

func TestSessionUUIDCaseInsensitive(t *testing.T) {
	s, _ := connectedSession(t)
	if _, err := s.Read(context.Background(), "19B10002-E8F2-537E-4F6C-D104768A1214"); err != nil {
		t.Fatalf("Read() with upper-case UUID error = %v", err)
	}
}

func TestSessionOperationsRequireConnection(t *testing.T) {
	s := NewSession(newMockAdapter(nil), DefaultSessionOptions())
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["services"] = s.Services(ctx)
	_, checks["write"] = s.Write(ctx, testWriteUUID, []byte("x"), WriteAuto)
	_, checks["write-bad-uuid"] = s.Write(ctx, "garbage", []byte("x"), WriteAuto)
	_, checks["read"] = s.Read(ctx, testReadUUID)
	_, checks["subscribe"] = s.Subscribe(ctx, testNotifyUUID, nil)
	_, checks["lookup"] = s.Lookup(ctx, testReadUUID)
	_, checks["mtu"] = s.MaxWriteLen(ctx, testWriteUUID)
	checks["unsubscribe"] = s.Unsubscribe(testNotifyUUID)
	checks["unsubscribe-bad-uuid"] = s.Unsubscribe("garbage")

	for op, err := range checks {
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("%s while disconnected error = %v, want ErrNotConnected", op, err)
		}
		if errors.Is(err, ErrCharacteristicNotFound) || errors.Is(err, ErrNotWritable) {
			t.Errorf("%s while disconnected reported a second error kind: %v", op, err)
		}
	}
}

func TestSessionDisconnectIdempotent(t *testing.T) {
	s, adapter := connectedSession(t)
	conn := adapter.latestConnection()

	if err := s.Disconnect(); err != nil {
		t.Fatalf("first Disconnect() error = %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
	if conn.disconnectCount() != 1 {
		t.Errorf("device saw %d disconnects, want 1", conn.disconnectCount())
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() should be closed after Disconnect")
	}
}

func TestSessionDisconnectWhenNeverConnected(t *testing.T) {
	s := NewSession(newMockAdapter(nil), DefaultSessionOptions())
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
}

func TestSessionConnectTwice(t *testing.T) {
	s, _ := connectedSession(t)
	err := s.Connect(context.Background(), "11:22:33:44:55:66")
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
}

func TestSessionReconnectAfterDisconnect(t *testing.T) {
	s, adapter := connectedSession(t)
	_ = s.Disconnect()
	if err := s.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() after Disconnect error = %v", err)
	}
	if adapter.connectCount() != 2 {
		t.Errorf("connects = %d, want 2", adapter.connectCount())
	}
}

func TestSessionConnectFailed(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("le-connection-abort-by-local")
	s := NewSession(adapter, SessionOptions{Attempts: 1})

	err := s.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
}

func TestSessionConnectTimeout(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.hangs = true
	s := NewSession(adapter, SessionOptions{ConnectTimeout: 20 * time.Millisecond})

	err := s.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Connect() error = %v, want ErrTimeout", err)
	}
}

func TestSessionConnectAdapterUnavailable(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.enableErr = errors.New("powered off")
	s := NewSession(adapter, DefaultSessionOptions())

	if err := s.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("Connect() error = %v, want ErrAdapterUnavailable", err)
	}
}

func TestSessionConnectCancelledDuringBackoff(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("refused")
	s := NewSession(adapter, SessionOptions{Attempts: 5, BackoffMax: 30})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Connect(ctx, "AA:BB:CC:DD:EE:FF")
	if err == nil {
		t.Fatal("Connect() should fail")
	}
	if adapter.connectCount() != 1 {
		t.Errorf("connect attempts = %d, want 1 before the cancelled backoff", adapter.connectCount())
	}
}

func TestSessionReadTimeout(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewSession(adapter, SessionOptions{OperationTimeout: 20 * time.Millisecond})
	if err := s.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	block := make(chan struct{})
	defer close(block)
	adapter.latestConnection().char(testReadUUID).block = block

	_, err := s.Read(context.Background(), testReadUUID)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Read() error = %v, want ErrTimeout", err)
	}
}

func TestSessionServices(t *testing.T) {
	s, _ := connectedSession(t)

	services, err := s.Services(context.Background())
	if err != nil {
		t.Fatalf("Services() error = %v", err)
	}
	if len(services) != 1 || services[0].UUID != testServiceUUID {
		t.Fatalf("Services() = %+v", services)
	}
	if got := len(services[0].Characteristics); got != 4 {
		t.Errorf("characteristics = %d, want 4", got)
	}
	if !services[0].Characteristics[0].Properties.Writable() {
		t.Error("first characteristic should be writable")
	}
}

func TestSessionMaxWriteLen(t *testing.T) {
	s, _ := connectedSession(t)
	n, err := s.MaxWriteLen(context.Background(), testNoRespUUID)
	if err != nil {
		t.Fatalf("MaxWriteLen() error = %v", err)
	}
	if n != 20 {
		t.Errorf("MaxWriteLen() = %d, want 20", n)
	}
}

func TestSessionSubscribeDeliversInOrder(t *testing.T) {
	s, adapter := connectedSession(t)

	var mu sync.Mutex
	var got []byte
	received := make(chan struct{}, 16)
	sub, err := s.Subscribe(context.Background(), testNotifyUUID, func(n Notification) {
		mu.Lock()
		got = append(got, n.Data...)
		mu.Unlock()
		received <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	char := adapter.latestConnection().char(testNotifyUUID)
	for i := byte(1); i <= 5; i++ {
		char.SimulateNotification([]byte{i})
	}
	for i := 0; i < 5; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("only %d notifications delivered", i)
		}
	}

	mu.Lock()
	if string(got) != string([]byte{1, 2, 3, 4, 5}) {
		t.Errorf("delivery order = %v, want [1 2 3 4 5]", got)
	}
	mu.Unlock()

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
	if char.unsubscribed != 1 {
		t.Errorf("device unsubscribed %d times, want 1", char.unsubscribed)
	}
	if len(s.Subscriptions()) != 0 {
		t.Errorf("Subscriptions() = %v, want none", s.Subscriptions())
	}
}

func TestSessionSubscribeNotNotifiable(t *testing.T) {
	s, _ := connectedSession(t)
	_, err := s.Subscribe(context.Background(), testWriteUUID, func(Notification) {})
	if !errors.Is(err, ErrNotNotifiable) {
		t.Fatalf("Subscribe() error = %v, want ErrNotNotifiable", err)
	}
}

func TestSessionDisconnectTearsDownSubscriptions(t *testing.T) {
	s, adapter := connectedSession(t)
	sub, err := s.Subscribe(context.Background(), testNotifyUUID, func(Notification) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	char := adapter.latestConnection().char(testNotifyUUID)

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription still running after Disconnect")
	}
	if char.unsubscribed != 1 {
		t.Errorf("device unsubscribed %d times, want 1", char.unsubscribed)
	}
}

func TestSessionLinkLoss(t *testing.T) {
	s, adapter := connectedSession(t)
	sub, err := s.Subscribe(context.Background(), testNotifyUUID, func(Notification) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	done := s.Done()
	conn := adapter.latestConnection()

	conn.SimulateDisconnect()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after link loss")
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription still running after link loss")
	}
	if _, err := s.Read(context.Background(), testReadUUID); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read() after link loss error = %v, want ErrNotConnected", err)
	}
	// Disconnect after link loss is a no-op and does not touch the dead link.
	if err := s.Disconnect(); err != nil {
		t.Errorf("Disconnect() after link loss error = %v", err)
	}
	if conn.disconnectCount() != 0 {
		t.Errorf("device saw %d disconnects, want 0", conn.disconnectCount())
	}
}

func TestSessionStaleDisconnectCallbackIgnored(t *testing.T) {
	s, adapter := connectedSession(t)
	old := adapter.latestConnection()
	_ = s.Disconnect()
	if err := s.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	old.SimulateDisconnect()

	if s.State() != StateConnected {
		t.Errorf("State() = %v, stale callback from the previous link should be ignored", s.State())
	}
}

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30)
		if got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	got := backoffDelay(100, 30)
	if want := 30 * time.Second; got != want {
		t.Errorf("backoffDelay(100, 30) = %v, want %v (capped at max)", got, want)
	}
}
