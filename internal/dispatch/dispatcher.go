package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/mattjoyce/jogd/internal/command"
	"github.com/mattjoyce/jogd/internal/events"
	"github.com/mattjoyce/jogd/internal/log"
	"github.com/mattjoyce/jogd/internal/queue"
	"github.com/mattjoyce/jogd/internal/transport"
)

// DefaultPacing is the gap between two frames.
const DefaultPacing = 50 * time.Millisecond

var (
	// ErrDispatcherClosed is returned by Submit once Shutdown has begun.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrDispatcherDead is returned by Submit after the delivery loop exited
	// because the transport became unavailable.
	ErrDispatcherDead = errors.New("dispatcher dead")
)

// State is the dispatcher lifecycle phase reported by State().
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateDead     State = "dead"
)

// Receipt acknowledges an accepted submission.
type Receipt struct {
	ID          string
	Command     command.Command
	SubmittedAt time.Time
	// Discarded holds the IDs of pending commands removed by a STOP.
	Discarded []string
}

// Stats are cumulative counters since New.
type Stats struct {
	Submitted   uint64 `json:"submitted"`
	Sent        uint64 `json:"sent"`
	Failed      uint64 `json:"failed"`
	Preemptions uint64 `json:"preemptions"`
	Discarded   uint64 `json:"discarded"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPacing sets the delay after each frame. Zero disables pacing.
func WithPacing(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.pacing = d }
}

// WithClock replaces the wall clock used for pacing.
func WithClock(c clock.Clock) Option {
	return func(disp *Dispatcher) { disp.clock = c }
}

// WithEvents publishes dispatcher activity to p.
func WithEvents(p events.Publisher) Option {
	return func(disp *Dispatcher) { disp.events = p }
}

// WithLogger sets the logger used by the dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(disp *Dispatcher) { disp.logger = l }
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) {}

// Dispatcher owns the pending buffer and the single delivery loop.
type Dispatcher struct {
	sink   transport.Sink
	buf    *queue.Buffer
	pacing time.Duration
	clock  clock.Clock
	events events.Publisher
	logger *slog.Logger

	// mu guards state and err. Submit holds it shared so lifecycle
	// transitions never interleave with an append.
	mu    sync.RWMutex
	state State
	err   error

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}

	submitted   atomic.Uint64
	sent        atomic.Uint64
	failed      atomic.Uint64
	preemptions atomic.Uint64
	discarded   atomic.Uint64
}

// New creates a Dispatcher delivering to sink. Call Start to run the loop.
func New(sink transport.Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:   sink,
		buf:    queue.New(),
		pacing: DefaultPacing,
		clock:  clock.New(),
		events: noopPublisher{},
		state:  StateIdle,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.WithComponent("dispatch")
	}
	return d
}

// Start launches the delivery loop. Calling it again has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.mu.Lock()
		if d.state == StateIdle {
			d.state = StateRunning
		}
		d.mu.Unlock()

		d.logger.Info("dispatch loop started", "pacing", d.pacing.String())
		d.events.Publish(events.DispatcherStarted, map[string]any{
			"pacing_ms": d.pacing.Milliseconds(),
		})
		go d.run()
	})
}

// Submit queues cmd for delivery. It never blocks on transport I/O. STOP
// discards every pending command before it is queued.
func (d *Dispatcher) Submit(ctx context.Context, cmd command.Command, submittedBy string) (Receipt, error) {
	if !cmd.Valid() {
		return Receipt{}, fmt.Errorf("submit: %w", command.ErrInvalidCommand)
	}

	it := queue.Item{
		ID:          uuid.NewString(),
		Command:     cmd,
		SubmittedBy: submittedBy,
		SubmittedAt: d.clock.Now().UTC(),
	}

	d.mu.RLock()
	switch d.state {
	case StateStopping, StateStopped:
		d.mu.RUnlock()
		return Receipt{}, ErrDispatcherClosed
	case StateDead:
		cause := d.err
		d.mu.RUnlock()
		return Receipt{}, fmt.Errorf("%w: %w", ErrDispatcherDead, cause)
	}
	var dropped []queue.Item
	if cmd.IsStop() {
		dropped = d.buf.Preempt(it)
	} else {
		d.buf.Push(it)
	}
	d.mu.RUnlock()

	d.submitted.Add(1)
	receipt := Receipt{ID: it.ID, Command: cmd, SubmittedAt: it.SubmittedAt}

	d.logger.DebugContext(ctx, "command queued", "command_id", it.ID, "command", cmd.String(), "submitted_by", submittedBy)
	d.events.Publish(events.CommandSubmitted, map[string]any{
		"id":           it.ID,
		"command":      cmd.String(),
		"submitted_by": submittedBy,
	})

	if cmd.IsStop() {
		d.preemptions.Add(1)
		receipt.Discarded = make([]string, 0, len(dropped))
		for _, p := range dropped {
			receipt.Discarded = append(receipt.Discarded, p.ID)
		}
		d.discarded.Add(uint64(len(dropped)))
		d.logger.InfoContext(ctx, "stop preempted pending commands", "command_id", it.ID, "discarded", len(dropped))
		d.events.Publish(events.CommandPreempted, map[string]any{
			"id":        it.ID,
			"discarded": receipt.Discarded,
		})
	}
	return receipt, nil
}

// Shutdown appends the shutdown sentinel, waits for the loop to exit, then
// closes the sink. The result combines the loop's terminal error, if any, with
// the close error. Later calls return the first call's result.
func (d *Dispatcher) Shutdown() error {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		if d.state != StateDead {
			d.state = StateStopping
			d.buf.Push(queue.ShutdownItem())
		}
		d.mu.Unlock()

		// A dispatcher that was never started still delivers what it holds.
		d.Start()
		<-d.done

		var closeErr error
		if err := d.sink.Close(); err != nil {
			closeErr = fmt.Errorf("close transport: %w", err)
		}
		d.shutdownErr = multierr.Combine(d.Err(), closeErr)
		d.logger.Info("dispatcher shut down", "state", string(d.State()))
	})
	return d.shutdownErr
}

// Done is closed when the delivery loop has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err returns the error that killed the delivery loop, or nil.
func (d *Dispatcher) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

// State returns the current lifecycle phase.
func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Depth returns the number of pending items.
func (d *Dispatcher) Depth() int { return d.buf.Len() }

// Pending returns the queued commands, head first.
func (d *Dispatcher) Pending() []command.Command {
	items := d.buf.Snapshot()
	out := make([]command.Command, 0, len(items))
	for _, it := range items {
		if !it.Shutdown {
			out = append(out, it.Command)
		}
	}
	return out
}

// Stats returns a snapshot of the delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:   d.submitted.Load(),
		Sent:        d.sent.Load(),
		Failed:      d.failed.Load(),
		Preemptions: d.preemptions.Load(),
		Discarded:   d.discarded.Load(),
	}
}

// run is the delivery loop. It is the only caller of sink.Send.
func (d *Dispatcher) run() {
	defer close(d.done)
	defer d.logger.Info("dispatch loop stopped")

	for {
		it, ok := d.buf.Pop()
		if !ok {
			<-d.buf.Ready()
			continue
		}

		if it.Shutdown {
			d.mu.Lock()
			d.state = StateStopped
			d.mu.Unlock()
			d.events.Publish(events.DispatcherStopped, map[string]any{"stats": d.Stats()})
			return
		}

		if err := d.deliver(it); err != nil {
			d.die(err)
			return
		}

		if d.pacing > 0 {
			d.clock.Sleep(d.pacing)
		}
	}
}

// deliver sends one command. It returns an error only when the transport is
// gone for good.
func (d *Dispatcher) deliver(it queue.Item) error {
	cmdLogger := log.WithCommand(it.ID).With("component", "dispatch", "command", it.Command.String())

	start := d.clock.Now()
	err := d.sink.Send(context.Background(), it.Command.Frame())
	latency := d.clock.Since(start)

	if err == nil {
		d.sent.Add(1)
		cmdLogger.Debug("command sent", "latency_ms", latency.Milliseconds())
		d.events.Publish(events.CommandSent, map[string]any{
			"id":         it.ID,
			"command":    it.Command.String(),
			"latency_ms": latency.Milliseconds(),
		})
		return nil
	}

	d.failed.Add(1)
	if transport.IsFatal(err) {
		cmdLogger.Error("transport unavailable", "error", err)
		return err
	}

	// Don't stop the loop on a single failed frame.
	cmdLogger.Warn("command send failed", "error", err)
	d.events.Publish(events.CommandFailed, map[string]any{
		"id":      it.ID,
		"command": it.Command.String(),
		"error":   err.Error(),
	})
	return nil
}

func (d *Dispatcher) die(cause error) {
	d.mu.Lock()
	d.state = StateDead
	d.err = cause
	d.mu.Unlock()

	dropped := d.buf.Drain()
	ids := make([]string, 0, len(dropped))
	for _, it := range dropped {
		if !it.Shutdown {
			ids = append(ids, it.ID)
		}
	}
	d.discarded.Add(uint64(len(ids)))

	d.logger.Error("delivery loop terminated", "error", cause, "discarded", len(ids))
	if len(ids) > 0 {
		d.events.Publish(events.CommandDiscarded, map[string]any{"ids": ids, "reason": "transport unavailable"})
	}
	d.events.Publish(events.DispatcherDead, map[string]any{"error": cause.Error()})
}
