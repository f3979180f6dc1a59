package ble

import (
	"context"
	"sync"
	"testing"
)

const (
	testServiceUUID = "19b10000-e8f2-537e-4f6c-d104768a1214"
	testWriteUUID   = "19b10001-e8f2-537e-4f6c-d104768a1214"
	testReadUUID    = "19b10002-e8f2-537e-4f6c-d104768a1214"
	testNotifyUUID  = "19b10003-e8f2-537e-4f6c-d104768a1214"
	testNoRespUUID  = "19b10004-e8f2-537e-4f6c-d104768a1214"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	uuid  string
	props Property

	mu           sync.Mutex
	writes       [][]byte
	noRespWrites [][]byte
	value        []byte
	callback     func([]byte)
	writeErr     error
	block        chan struct{} // when non-nil, Read and Write wait for it
	mtu          uint16
	unsubscribed int
}

func (c *mockCharacteristic) UUID() string         { return c.uuid }
func (c *mockCharacteristic) Properties() Property { return c.props }

func (c *mockCharacteristic) wait() {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...), nil
}

func (c *mockCharacteristic) Write(data []byte) (int, error) {
	c.wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return len(data), nil
}

func (c *mockCharacteristic) WriteWithoutResponse(data []byte) (int, error) {
	c.wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noRespWrites = append(c.noRespWrites, append([]byte(nil), data...))
	return len(data), nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	c.unsubscribed++
	return nil
}

func (c *mockCharacteristic) MTU() (uint16, error) {
	if c.mtu == 0 {
		return 23, nil
	}
	return c.mtu, nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes) + len(c.noRespWrites)
}

type mockService struct {
	uuid  string
	chars []*mockCharacteristic
}

func (s *mockService) UUID() string { return s.uuid }

func (s *mockService) Characteristics() []RemoteCharacteristic {
	out := make([]RemoteCharacteristic, len(s.chars))
	for i, c := range s.chars {
		out[i] = c
	}
	return out
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	mu           sync.Mutex
	services     []*mockService
	disconnectCb func()
	disconnects  int
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		services: []*mockService{{
			uuid: testServiceUUID,
			chars: []*mockCharacteristic{
				{uuid: testWriteUUID, props: PropWrite | PropWriteWithoutResponse},
				{uuid: testReadUUID, props: PropRead, value: []byte("hello")},
				{uuid: testNotifyUUID, props: PropNotify | PropRead},
				{uuid: testNoRespUUID, props: PropWriteWithoutResponse, mtu: 23},
			},
		}},
	}
}

func (c *mockConnection) char(uuid string) *mockCharacteristic {
	for _, s := range c.services {
		for _, ch := range s.chars {
			if ch.uuid == uuid {
				return ch
			}
		}
	}
	return nil
}

func (c *mockConnection) DiscoverServices(_ context.Context) ([]RemoteService, error) {
	out := make([]RemoteService, len(c.services))
	for i, s := range c.services {
		out[i] = s
	}
	return out, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu         sync.Mutex
	adverts    []Advertisement
	enableErr  error
	scanErr    error
	connectErr error
	hangs      bool // Connect blocks until ctx is done
	connects   int
	connection *mockConnection // most recent connection for test assertions
}

func newMockAdapter(adverts []Advertisement) *mockAdapter {
	return &mockAdapter{adverts: adverts}
}

func (a *mockAdapter) Enable() error { return a.enableErr }

// Scan reports the canned advertisements and then, like a real stack,
// keeps scanning until the context is done.
func (a *mockAdapter) Scan(ctx context.Context, onResult func(Advertisement)) error {
	if a.scanErr != nil {
		return a.scanErr
	}
	for _, adv := range a.adverts {
		onResult(adv)
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(ctx context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	a.connects++
	a.mu.Unlock()
	if a.hangs {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := newMockConnection()
	a.mu.Lock()
	a.connection = conn
	a.mu.Unlock()
	return conn, nil
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ RemoteCharacteristic = (*mockCharacteristic)(nil)
}
