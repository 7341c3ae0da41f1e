package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/jogd/internal/command"
	"github.com/mattjoyce/jogd/internal/events"
	"github.com/mattjoyce/jogd/internal/log"
	"github.com/mattjoyce/jogd/internal/transport"
	"github.com/mattjoyce/jogd/internal/transport/mocks"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// recordingSink captures frames in send order. When gate is set, each Send
// reports on started and then waits for a value on gate.
type recordingSink struct {
	mu      sync.Mutex
	frames  []string
	closes  int
	sendErr func(frame string) error

	started chan string
	gate    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{started: make(chan string, 16)}
}

func (s *recordingSink) Send(_ context.Context, frame []byte) error {
	select {
	case s.started <- string(frame):
	default:
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		if err := s.sendErr(string(frame)); err != nil {
			return err
		}
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *recordingSink) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *recordingSink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func submitAll(t *testing.T, d *Dispatcher, cmds ...command.Command) []Receipt {
	t.Helper()
	out := make([]Receipt, 0, len(cmds))
	for _, c := range cmds {
		r, err := d.Submit(context.Background(), c, "test")
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestDispatcher_DeliversInSubmissionOrder(t *testing.T) {
	sink := newRecordingSink()
	d := New(sink, WithPacing(0))
	d.Start()

	submitAll(t, d, command.J1Plus, command.J2Minus, command.J1Minus, command.J2Plus, command.J1Plus)
	require.NoError(t, d.Shutdown())

	assert.Equal(t, []string{"J1_PLUS\n", "J2_MINUS\n", "J1_MINUS\n", "J2_PLUS\n", "J1_PLUS\n"}, sink.Frames())
	assert.Equal(t, StateStopped, d.State())
	assert.Equal(t, uint64(5), d.Stats().Sent)
}

func TestDispatcher_StopDiscardsPending(t *testing.T) {
	sink := newRecordingSink()
	d := New(sink, WithPacing(0))

	submitAll(t, d, command.J1Plus, command.J1Minus, command.J2Plus)
	r, err := d.Submit(context.Background(), command.Stop, "test")
	require.NoError(t, err)
	assert.Len(t, r.Discarded, 3)
	assert.Equal(t, []command.Command{command.Stop}, d.Pending())

	d.Start()
	require.NoError(t, d.Shutdown())

	assert.Equal(t, []string{"STOP\n"}, sink.Frames())
	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Preemptions)
	assert.Equal(t, uint64(3), stats.Discarded)
}

func TestDispatcher_StopThenJogKeepsLaterCommands(t *testing.T) {
	sink := newRecordingSink()
	d := New(sink, WithPacing(0))

	submitAll(t, d, command.J1Plus, command.J1Minus, command.Stop, command.J2Plus)
	assert.Equal(t, []command.Command{command.Stop, command.J2Plus}, d.Pending())

	d.Start()
	require.NoError(t, d.Shutdown())

	assert.Equal(t, []string{"STOP\n", "J2_PLUS\n"}, sink.Frames())
}

func TestDispatcher_InFlightCommandSurvivesStop(t *testing.T) {
	sink := newRecordingSink()
	sink.gate = make(chan struct{})
	d := New(sink, WithPacing(0))
	d.Start()

	submitAll(t, d, command.J1Plus)
	select {
	case f := <-sink.started:
		require.Equal(t, "J1_PLUS\n", f)
	case <-time.After(2 * time.Second):
		t.Fatal("first send never started")
	}

	// J1_PLUS is mid-send; these two are still pending.
	submitAll(t, d, command.J2Plus, command.J2Minus)
	r, err := d.Submit(context.Background(), command.Stop, "test")
	require.NoError(t, err)
	assert.Len(t, r.Discarded, 2)

	close(sink.gate)
	require.NoError(t, d.Shutdown())

	assert.Equal(t, []string{"J1_PLUS\n", "STOP\n"}, sink.Frames())
}

func TestDispatcher_ShutdownTwice(t *testing.T) {
	sink := newRecordingSink()
	d := New(sink, WithPacing(0))
	d.Start()
	submitAll(t, d, command.J1Plus)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- d.Shutdown()
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent Shutdown deadlocked")
	}
	close(errCh)
	for err := range errCh {
		assert.NoError(t, err)
	}

	require.NoError(t, d.Shutdown())
	assert.Equal(t, 1, sink.Closes())
	assert.Equal(t, []string{"J1_PLUS\n"}, sink.Frames())
}

func TestDispatcher_ShutdownClosesSinkOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)

	gomock.InOrder(
		sink.EXPECT().Send(gomock.Any(), []byte("J1_MINUS\n")).Return(nil),
		sink.EXPECT().Close().Return(nil).Times(1),
	)

	d := New(sink, WithPacing(0))
	d.Start()
	submitAll(t, d, command.J1Minus)

	require.NoError(t, d.Shutdown())
	require.NoError(t, d.Shutdown())
}

func TestDispatcher_ShutdownReportsCloseError(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	sink.EXPECT().Close().Return(errors.New("port busy"))

	d := New(sink, WithPacing(0))
	d.Start()

	err := d.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close transport: port busy")
	assert.Equal(t, err, d.Shutdown())
}

func TestDispatcher_ShutdownWithinOnePacingInterval(t *testing.T) {
	mock := clock.NewMock()
	sink := newRecordingSink()
	d := New(sink, WithPacing(DefaultPacing), WithClock(mock))
	d.Start()

	submitAll(t, d, command.J2Plus)
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- d.Shutdown() }()

	// Time only moves when the test moves it; one pacing step per poll.
	require.Eventually(t, func() bool {
		select {
		case <-d.Done():
			return true
		default:
			mock.Add(DefaultPacing)
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, <-shutdownDone)
	assert.Equal(t, []string{"J2_PLUS\n"}, sink.Frames())
	assert.Equal(t, StateStopped, d.State())
	assert.NoError(t, d.Err())
}

func TestDispatcher_PacingBetweenFrames(t *testing.T) {
	mock := clock.NewMock()
	sink := newRecordingSink()
	d := New(sink, WithPacing(time.Second), WithClock(mock))
	d.Start()

	submitAll(t, d, command.J1Plus, command.J1Minus)
	<-sink.started

	// The second frame waits for the pacing interval to elapse.
	select {
	case <-sink.started:
		t.Fatal("second frame sent before pacing elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(sink.Frames()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	go func() {
		for {
			select {
			case <-d.Done():
				return
			default:
				mock.Add(time.Second)
				time.Sleep(time.Millisecond)
			}
		}
	}()
	require.NoError(t, d.Shutdown())
}

func TestDispatcher_SubmitAfterShutdown(t *testing.T) {
	sink := newRecordingSink()
	d := New(sink, WithPacing(0))
	d.Start()
	require.NoError(t, d.Shutdown())

	_, err := d.Submit(context.Background(), command.J1Plus, "test")
	assert.ErrorIs(t, err, ErrDispatcherClosed)

	_, err = d.Submit(context.Background(), command.Stop, "test")
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	assert.Empty(t, sink.Frames())
}

func TestDispatcher_SubmitRejectsInvalidCommand(t *testing.T) {
	d := New(newRecordingSink(), WithPacing(0))
	_, err := d.Submit(context.Background(), command.Command(0), "test")
	assert.ErrorIs(t, err, command.ErrInvalidCommand)
	assert.Zero(t, d.Depth())
}

func TestDispatcher_WriteErrorIsRecoverable(t *testing.T) {
	sink := newRecordingSink()
	sink.sendErr = func(frame string) error {
		if frame == "J1_MINUS\n" {
			return &transport.WriteError{Frame: []byte(frame), Err: errors.New("framing error")}
		}
		return nil
	}
	hub := events.NewHub(32)
	d := New(sink, WithPacing(0), WithEvents(hub))
	d.Start()

	submitAll(t, d, command.J1Plus, command.J1Minus, command.J2Plus)
	require.NoError(t, d.Shutdown())

	assert.Equal(t, []string{"J1_PLUS\n", "J2_PLUS\n"}, sink.Frames())
	assert.NoError(t, d.Err())
	assert.Equal(t, StateStopped, d.State())
	assert.Equal(t, uint64(1), d.Stats().Failed)

	var failed int
	for _, ev := range hub.Since(0) {
		if ev.Type == events.CommandFailed {
			failed++
			assert.Contains(t, string(ev.Data), "framing error")
		}
	}
	assert.Equal(t, 1, failed)
}

func TestDispatcher_UnavailableKillsLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	gone := fmt.Errorf("write /dev/serial0: %w", transport.ErrUnavailable)

	sink.EXPECT().Send(gomock.Any(), []byte("J1_PLUS\n")).Return(gone)
	sink.EXPECT().Close().Return(nil)

	hub := events.NewHub(32)
	d := New(sink, WithPacing(0), WithEvents(hub))
	d.Start()
	submitAll(t, d, command.J1Plus)

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on unavailable transport")
	}

	assert.Equal(t, StateDead, d.State())
	require.Error(t, d.Err())
	assert.ErrorIs(t, d.Err(), transport.ErrUnavailable)

	_, err := d.Submit(context.Background(), command.J2Plus, "test")
	assert.ErrorIs(t, err, ErrDispatcherDead)
	assert.ErrorIs(t, err, transport.ErrUnavailable)

	err = d.Shutdown()
	assert.ErrorIs(t, err, transport.ErrUnavailable)

	var dead bool
	for _, ev := range hub.Since(0) {
		if ev.Type == events.DispatcherDead {
			dead = true
		}
	}
	assert.True(t, dead)
}

func TestDispatcher_DeadLoopDiscardsPending(t *testing.T) {
	sink := newRecordingSink()
	sink.gate = make(chan struct{})
	sink.sendErr = func(string) error { return transport.ErrUnavailable }
	d := New(sink, WithPacing(0))
	d.Start()

	submitAll(t, d, command.J1Plus)
	<-sink.started
	submitAll(t, d, command.J1Minus, command.J2Plus)
	close(sink.gate)

	<-d.Done()
	assert.Zero(t, d.Depth())
	assert.Equal(t, uint64(2), d.Stats().Discarded)
	assert.ErrorIs(t, d.Shutdown(), transport.ErrUnavailable)
	assert.Equal(t, 1, sink.Closes())
}

func TestDispatcher_ShutdownWithoutStartDeliversPending(t *testing.T) {
	sink := newRecordingSink()
	d := New(sink, WithPacing(0))
	submitAll(t, d, command.J2Minus)

	require.NoError(t, d.Shutdown())
	assert.Equal(t, []string{"J2_MINUS\n"}, sink.Frames())
}

func TestDispatcher_ConcurrentProducers(t *testing.T) {
	sink := newRecordingSink()
	d := New(sink, WithPacing(0))
	d.Start()

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, err := d.Submit(context.Background(), command.J1Plus, "producer")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, d.Shutdown())

	assert.Len(t, sink.Frames(), producers*perProducer)
	assert.Equal(t, uint64(producers*perProducer), d.Stats().Submitted)
}

func TestDispatcher_PublishesLifecycleEvents(t *testing.T) {
	hub := events.NewHub(32)
	d := New(newRecordingSink(), WithPacing(0), WithEvents(hub))
	d.Start()
	submitAll(t, d, command.J1Plus, command.Stop)
	require.NoError(t, d.Shutdown())

	var types []string
	for _, ev := range hub.Since(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, events.DispatcherStarted, types[0])
	assert.Equal(t, events.DispatcherStopped, types[len(types)-1])
	assert.Contains(t, types, events.CommandPreempted)
	assert.Contains(t, types, events.CommandSubmitted)
}
