package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

type fakePort struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writeErr error
	short    bool
	closes   int
}

func (p *fakePort) Read([]byte) (int, error) { return 0, io.EOF }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	if p.short {
		return len(b) - 1, nil
	}
	return p.buf.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func withFakePort(t *testing.T, p io.ReadWriteCloser) *serial.Mode {
	t.Helper()
	var got serial.Mode
	orig := openPort
	openPort = func(device string, mode *serial.Mode, readTimeout time.Duration) (io.ReadWriteCloser, error) {
		got = *mode
		return p, nil
	}
	t.Cleanup(func() { openPort = orig })
	return &got
}

func TestOpenSerialAppliesDefaults(t *testing.T) {
	p := &fakePort{}
	mode := withFakePort(t, p)

	s, err := OpenSerial(context.Background(), SerialConfig{Device: "/dev/ttyTEST"})
	if err != nil {
		t.Fatalf("OpenSerial: %v", err)
	}
	defer s.Close()

	if mode.BaudRate != DefaultBaudRate || mode.DataBits != 8 {
		t.Fatalf("unexpected mode %+v", *mode)
	}
	if s.Device() != "/dev/ttyTEST" {
		t.Fatalf("unexpected device %q", s.Device())
	}
}

func TestOpenSerialRejectsBadBaud(t *testing.T) {
	withFakePort(t, &fakePort{})

	if _, err := OpenSerial(context.Background(), SerialConfig{BaudRate: 1234}); err == nil {
		t.Fatalf("expected error for invalid baud rate")
	}
}

func TestOpenSerialSettleDelayHonoursContext(t *testing.T) {
	p := &fakePort{}
	withFakePort(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := OpenSerial(ctx, SerialConfig{SettleDelay: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if p.closes != 1 {
		t.Fatalf("expected port closed after cancelled settle, closes=%d", p.closes)
	}
}

func TestSerialSendWritesFrame(t *testing.T) {
	p := &fakePort{}
	withFakePort(t, p)

	s, err := OpenSerial(context.Background(), SerialConfig{})
	if err != nil {
		t.Fatalf("OpenSerial: %v", err)
	}
	if err := s.Send(context.Background(), []byte("J1_PLUS\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(context.Background(), []byte("STOP\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := p.buf.String(); got != "J1_PLUS\nSTOP\n" {
		t.Fatalf("unexpected bytes on the wire: %q", got)
	}
}

func TestSerialSendErrors(t *testing.T) {
	p := &fakePort{writeErr: errors.New("framing glitch")}
	withFakePort(t, p)

	s, err := OpenSerial(context.Background(), SerialConfig{})
	if err != nil {
		t.Fatalf("OpenSerial: %v", err)
	}

	err = s.Send(context.Background(), []byte("J1_PLUS\n"))
	var werr *WriteError
	if !errors.As(err, &werr) || IsFatal(err) {
		t.Fatalf("expected recoverable WriteError, got %v", err)
	}

	p.writeErr = nil
	p.short = true
	if err := s.Send(context.Background(), []byte("J1_PLUS\n")); !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected short write, got %v", err)
	}

	p.short = false
	p.writeErr = os.ErrClosed
	if err := s.Send(context.Background(), []byte("J1_PLUS\n")); !IsFatal(err) {
		t.Fatalf("expected fatal error for closed handle, got %v", err)
	}
}

func TestSerialCloseIsIdempotent(t *testing.T) {
	p := &fakePort{}
	withFakePort(t, p)

	s, err := OpenSerial(context.Background(), SerialConfig{})
	if err != nil {
		t.Fatalf("OpenSerial: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if p.closes != 1 {
		t.Fatalf("expected one close of the port, got %d", p.closes)
	}
	if err := s.Send(context.Background(), []byte("STOP\n")); !IsFatal(err) {
		t.Fatalf("expected ErrUnavailable after close, got %v", err)
	}
}

// stuckPort blocks every Write until the port is closed.
type stuckPort struct {
	writing chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func (p *stuckPort) Read([]byte) (int, error) { return 0, io.EOF }

func (p *stuckPort) Write([]byte) (int, error) {
	close(p.writing)
	<-p.closed
	return 0, os.ErrClosed
}

func (p *stuckPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestSerialCloseDoesNotWaitForStuckWrite(t *testing.T) {
	p := &stuckPort{writing: make(chan struct{}), closed: make(chan struct{})}
	withFakePort(t, p)

	s, err := OpenSerial(context.Background(), SerialConfig{})
	if err != nil {
		t.Fatalf("OpenSerial: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- s.Send(context.Background(), []byte("J1_PLUS\n")) }()
	<-p.writing

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind an in-flight write")
	}

	select {
	case err := <-sendErr:
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("Send error = %v, want ErrUnavailable", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Close")
	}
}
