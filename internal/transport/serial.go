package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/mattjoyce/jogd/internal/log"
)

const (
	DefaultDevice      = "/dev/serial0"
	DefaultBaudRate    = 9600
	DefaultReadTimeout = time.Second
	DefaultSettleDelay = 2 * time.Second
)

// ValidBaudRates lists the rates accepted by SerialConfig.Validate.
var ValidBaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// SerialConfig describes how to open the serial link.
type SerialConfig struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
	// SettleDelay is waited after open so the controller can finish its own
	// boot sequence before the first frame.
	SettleDelay time.Duration
}

func (c *SerialConfig) applyDefaults() {
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
}

// Validate checks the configuration after defaults are applied.
func (c SerialConfig) Validate() error {
	c.applyDefaults()
	valid := false
	for _, b := range ValidBaudRates {
		if c.BaudRate == b {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid baud rate %d, acceptable values are %v", c.BaudRate, ValidBaudRates)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("read timeout must not be negative")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle delay must not be negative")
	}
	return nil
}

// openPort opens the device. It's a variable so tests can substitute an
// in-memory port.
var openPort = func(device string, mode *serial.Mode, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Serial is a Sink backed by a serial port, 8N1.
type Serial struct {
	device string
	logger *slog.Logger

	port io.ReadWriteCloser

	// writeMu serialises writes; mu guards closed. Close takes only mu so a
	// write wedged on the UART cannot hold it up.
	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// OpenSerial opens the device and waits the settle delay. If ctx is cancelled
// during the settle delay the port is closed and ctx.Err() is returned.
func OpenSerial(ctx context.Context, cfg SerialConfig) (*Serial, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(cfg.Device, mode, cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Device, err)
	}

	s := &Serial{
		device: cfg.Device,
		port:   port,
		logger: log.WithComponent("transport").With("device", cfg.Device),
	}
	s.logger.Info("serial port opened", "baud_rate", cfg.BaudRate, "settle_delay", cfg.SettleDelay.String())

	if cfg.SettleDelay > 0 {
		timer := time.NewTimer(cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			_ = s.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return s, nil
}

// Device returns the device path.
func (s *Serial) Device() string { return s.device }

// Send writes frame in full. ctx is checked before the write only; an
// in-flight write is not interrupted.
func (s *Serial) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("send to %s: %w", s.device, ErrUnavailable)
	}

	n, err := s.port.Write(frame)
	if err != nil {
		if gone(err) {
			return fmt.Errorf("send to %s: %w: %v", s.device, ErrUnavailable, err)
		}
		return &WriteError{Frame: frame, Err: err}
	}
	if n != len(frame) {
		return &WriteError{Frame: frame, Err: io.ErrShortWrite}
	}
	return nil
}

// Close releases the port. Safe to call more than once, and does not wait
// for an in-flight Send; closing the port fails that write instead.
func (s *Serial) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeErr = s.port.Close()
		s.logger.Info("serial port closed")
	})
	return s.closeErr
}

// gone reports whether err means the device handle is no longer usable.
func gone(err error) bool {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortClosed, serial.PortNotFound:
			return true
		}
	}
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.ENXIO) ||
		errors.Is(err, syscall.ENODEV)
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
