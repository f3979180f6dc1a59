package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/bleprobe/internal/ble"
	"github.com/chaz8081/bleprobe/internal/ble/bletest"
	"github.com/chaz8081/bleprobe/internal/message"
)

var (
	writeUUID  = bletest.UUID16(0xfff1)
	noRespUUID = bletest.UUID16(0xfff2)
	readUUID   = bletest.UUID16(0xfff3)
	notifyUUID = bletest.UUID16(0xfff4)
	echoUUID   = bletest.UUID16(0xfff5)
)

type recorder struct {
	mu            sync.Mutex
	written       []string
	reads         [][]byte
	readTargets   []string
	subscribed    []string
	notifications chan ble.Notification
}

func newRecorder() *recorder {
	return &recorder{notifications: make(chan ble.Notification, 16)}
}

func (r *recorder) Written(uuid string, msg message.Message, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, uuid)
}

func (r *recorder) ReadValue(uuid string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, data)
	r.readTargets = append(r.readTargets, uuid)
}

func (r *recorder) Subscribed(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = append(r.subscribed, uuid)
}

func (r *recorder) Notification(n ble.Notification) { r.notifications <- n }

type fixture struct {
	session *ble.Session
	rec     *recorder
	d       *Dispatcher
	write   *bletest.Characteristic
	noResp  *bletest.Characteristic
	read    *bletest.Characteristic
	notify  *bletest.Characteristic
	echo    *bletest.Characteristic
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		write:  bletest.NewCharacteristic(writeUUID, ble.PropWrite),
		noResp: bletest.NewCharacteristic(noRespUUID, ble.PropWriteWithoutResponse),
		read:   bletest.NewCharacteristic(readUUID, ble.PropRead).WithValue([]byte("hello")),
		notify: bletest.NewCharacteristic(notifyUUID, ble.PropNotify),
		echo:   bletest.NewCharacteristic(echoUUID, ble.PropWrite|ble.PropRead).WithValue([]byte("ack")),
	}
	dev := &bletest.Device{
		Address:  "AA:BB:CC:DD:EE:FF",
		Name:     "Widget",
		Services: []*bletest.Service{bletest.NewService(bletest.UUID16(0xfff0), f.write, f.noResp, f.read, f.notify, f.echo)},
	}
	f.session = ble.NewSession(bletest.NewAdapter(dev), ble.SessionOptions{OperationTimeout: time.Second})
	if err := f.session.Connect(context.Background(), dev.Address); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = f.session.Disconnect() })
	f.rec = newRecorder()
	f.d = New(f.session, f.rec, Options{})
	return f
}

func TestDispatchWriteString(t *testing.T) {
	f := newFixture(t)
	out, err := f.d.Dispatch(context.Background(), Request{
		Target:  "FFF1",
		Mode:    ModeWrite,
		Message: message.String("Hello"),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.BytesWritten != 5 || out.Chunks != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if out.Target != writeUUID {
		t.Errorf("Target = %q, want %q", out.Target, writeUUID)
	}
	writes := f.write.Writes()
	if len(writes) != 1 || !bytes.Equal(writes[0], []byte{0x48, 0x65, 0x6c, 0x6c, 0x6f}) {
		t.Errorf("writes = %v", writes)
	}
	if len(f.rec.written) != 1 {
		t.Errorf("reported %d writes, want 1", len(f.rec.written))
	}
}

func TestDispatchWriteHex(t *testing.T) {
	f := newFixture(t)
	msg, err := message.Parse(message.KindHex, "48656c6c6f20576f726c64")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := f.d.Dispatch(context.Background(), Request{Target: writeUUID, Message: msg}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := f.write.Writes(); len(got) != 1 || string(got[0]) != "Hello World" {
		t.Errorf("writes = %q", got)
	}
}

func TestDispatchNotWritableSendsNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Dispatch(context.Background(), Request{Target: readUUID, Message: message.String("x")})
	if !errors.Is(err, ble.ErrNotWritable) {
		t.Fatalf("err = %v, want ErrNotWritable", err)
	}
	if len(f.rec.written) != 0 {
		t.Error("nothing should be reported")
	}
}

func TestDispatchUnknownCharacteristic(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Dispatch(context.Background(), Request{Target: "beef", Message: message.String("x")})
	if !errors.Is(err, ble.ErrCharacteristicNotFound) {
		t.Fatalf("err = %v, want ErrCharacteristicNotFound", err)
	}
}

func TestDispatchSplitsLongWriteWithoutResponse(t *testing.T) {
	f := newFixture(t)
	text := strings.Repeat("word ", 10) // 50 bytes, MTU 23 allows 20 per write
	out, err := f.d.Dispatch(context.Background(), Request{Target: noRespUUID, Message: message.String(text)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	writes := f.noResp.NoResponseWrites()
	if len(writes) != out.Chunks || out.Chunks < 3 {
		t.Fatalf("chunks = %d writes = %d", out.Chunks, len(writes))
	}
	var joined []byte
	for _, w := range writes {
		if len(w) > 20 {
			t.Errorf("chunk of %d bytes exceeds 20", len(w))
		}
		joined = append(joined, w...)
	}
	if string(joined) != text {
		t.Errorf("reassembled %q, want %q", joined, text)
	}
	if out.BytesWritten != len(text) {
		t.Errorf("BytesWritten = %d, want %d", out.BytesWritten, len(text))
	}
}

func TestDispatchWriteWithResponseIsNotSplit(t *testing.T) {
	f := newFixture(t)
	payload := bytes.Repeat([]byte{0xaa}, 60)
	out, err := f.d.Dispatch(context.Background(), Request{Target: writeUUID, Message: message.Bytes(payload)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Chunks != 1 || len(f.write.Writes()) != 1 {
		t.Errorf("acknowledged writes should not be split: %+v", out)
	}
}

func TestDispatchWriteRejected(t *testing.T) {
	f := newFixture(t)
	f.write.FailWrites(errors.New("att: write not permitted"))
	_, err := f.d.Dispatch(context.Background(), Request{Target: writeUUID, Message: message.String("x")})
	if !errors.Is(err, ble.ErrWriteRejected) {
		t.Fatalf("err = %v, want ErrWriteRejected", err)
	}
}

func TestDispatchReadBack(t *testing.T) {
	f := newFixture(t)
	out, err := f.d.Dispatch(context.Background(), Request{Target: echoUUID, Message: message.String("ping"), ReadBack: true})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(out.Data) != "ack" {
		t.Errorf("Data = %q, want ack", out.Data)
	}
	if len(f.rec.reads) != 1 {
		t.Errorf("reads reported = %d", len(f.rec.reads))
	}

	// not readable: the write still succeeds and no read happens
	out, err = f.d.Dispatch(context.Background(), Request{Target: writeUUID, Message: message.String("ping"), ReadBack: true})
	if err != nil || out.Data != nil {
		t.Errorf("read back on write-only characteristic: %v %q", err, out.Data)
	}
}

func TestDispatchRead(t *testing.T) {
	f := newFixture(t)
	out, err := f.d.Dispatch(context.Background(), Request{Target: readUUID, Mode: ModeRead})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(out.Data) != "hello" {
		t.Errorf("Data = %q", out.Data)
	}

	// short and upper-case forms report the full lowercase UUID
	out, err = f.d.Dispatch(context.Background(), Request{Target: "FFF3", Mode: ModeRead})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Target != readUUID {
		t.Errorf("Target = %q, want %q", out.Target, readUUID)
	}
	if got := f.rec.readTargets[len(f.rec.readTargets)-1]; got != readUUID {
		t.Errorf("reported uuid = %q, want %q", got, readUUID)
	}

	_, err = f.d.Dispatch(context.Background(), Request{Target: writeUUID, Mode: ModeRead})
	if !errors.Is(err, ble.ErrNotReadable) {
		t.Errorf("err = %v, want ErrNotReadable", err)
	}
}

func TestDispatchSubscribe(t *testing.T) {
	f := newFixture(t)
	out, err := f.d.Dispatch(context.Background(), Request{Target: notifyUUID, Mode: ModeSubscribe})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Subscription == nil {
		t.Fatal("no subscription returned")
	}
	defer out.Subscription.Close()

	f.notify.Notify([]byte{1})
	f.notify.Notify([]byte{2})
	for want := byte(1); want <= 2; want++ {
		select {
		case n := <-f.rec.notifications:
			if n.Data[0] != want {
				t.Errorf("notification %d out of order: %v", want, n.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("notification not delivered")
		}
	}

	_, err = f.d.Dispatch(context.Background(), Request{Target: writeUUID, Mode: ModeSubscribe})
	if !errors.Is(err, ble.ErrNotNotifiable) {
		t.Errorf("err = %v, want ErrNotNotifiable", err)
	}
}

func TestDispatchNotConnected(t *testing.T) {
	f := newFixture(t)
	if err := f.session.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	for _, mode := range []Mode{ModeWrite, ModeRead, ModeSubscribe} {
		_, err := f.d.Dispatch(context.Background(), Request{Target: writeUUID, Mode: mode, Message: message.String("x")})
		if !errors.Is(err, ble.ErrNotConnected) {
			t.Errorf("%s: err = %v, want ErrNotConnected", mode, err)
		}
	}
}

func TestDispatchUnknownMode(t *testing.T) {
	f := newFixture(t)
	if _, err := f.d.Dispatch(context.Background(), Request{Mode: Mode(9)}); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("err = %v, want ErrUnknownMode", err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"write", ModeWrite, true},
		{"READ", ModeRead, true},
		{"notify", ModeSubscribe, true},
		{"erase", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}
