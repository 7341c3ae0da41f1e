package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// LogSink logs each frame instead of writing to hardware. It lets the daemon
// run on a workstation without a controller attached.
type LogSink struct {
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	frames int
}

// NewLogSink returns a sink that writes frames to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("log sink: %w", ErrUnavailable)
	}
	l.frames++
	l.logger.Info("frame sent", "frame", strings.TrimRight(string(frame), "\n"), "bytes", len(frame))
	return nil
}

func (l *LogSink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.logger.Info("log sink closed", "frames", l.frames)
	}
	return nil
}
