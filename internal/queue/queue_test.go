package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/jogd/internal/command"
)

func item(id string, c command.Command) Item {
	return Item{ID: id, Command: c, SubmittedBy: "test"}
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestBufferFIFO(t *testing.T) {
	t.Parallel()

	b := New()
	b.Push(item("a", command.J1Plus))
	b.Push(item("b", command.J1Minus))
	b.Push(item("c", command.J2Plus))
	require.Equal(t, 3, b.Len())

	for _, want := range []string{"a", "b", "c"} {
		it, ok := b.Pop()
		require.True(t, ok)
		assert.Equal(t, want, it.ID)
	}

	_, ok := b.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())
}

func TestBufferPreemptClearsThenAppends(t *testing.T) {
	t.Parallel()

	b := New()
	b.Push(item("a", command.J1Plus))
	b.Push(item("b", command.J1Minus))

	discarded := b.Preempt(item("stop", command.Stop))
	assert.Equal(t, []string{"a", "b"}, ids(discarded))

	b.Push(item("c", command.J2Plus))
	assert.Equal(t, []string{"stop", "c"}, ids(b.Snapshot()))
}

func TestBufferPreemptOnEmpty(t *testing.T) {
	t.Parallel()

	b := New()
	discarded := b.Preempt(item("stop", command.Stop))
	assert.Empty(t, discarded)
	assert.Equal(t, []string{"stop"}, ids(b.Snapshot()))
}

func TestBufferDrain(t *testing.T) {
	t.Parallel()

	b := New()
	b.Push(item("a", command.J1Plus))
	b.Push(ShutdownItem())

	out := b.Drain()
	require.Len(t, out, 2)
	assert.True(t, out[1].Shutdown)
	assert.Equal(t, 0, b.Len())
}

func TestBufferReadySignalsCoalesce(t *testing.T) {
	t.Parallel()

	b := New()
	b.Push(item("a", command.J1Plus))
	b.Push(item("b", command.J1Plus))

	select {
	case <-b.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected ready signal")
	}
	select {
	case <-b.Ready():
		t.Fatal("signals should coalesce")
	default:
	}
}

// A preempt racing with pushes must never leave an item that was appended
// before the preempt ahead of the preempting item.
func TestBufferPreemptIsAtomicUnderConcurrency(t *testing.T) {
	t.Parallel()

	for round := 0; round < 50; round++ {
		b := New()
		var wg sync.WaitGroup
		for p := 0; p < 8; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					b.Push(item(fmt.Sprintf("%d-%d", p, i), command.J1Plus))
				}
			}(p)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Preempt(item("stop", command.Stop))
		}()
		wg.Wait()

		snap := b.Snapshot()
		require.NotEmpty(t, snap)
		assert.Equal(t, "stop", snap[0].ID, "round %d", round)
		for _, it := range snap[1:] {
			assert.NotEqual(t, "stop", it.ID)
		}
	}
}
