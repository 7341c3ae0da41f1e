package pad

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/jogd/internal/command"
	"github.com/mattjoyce/jogd/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientJog(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jog", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Ack{Status: "ok", ID: "id-1", Command: "J1_PLUS"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret")
	ack, err := c.Jog(context.Background(), command.J1Plus)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.JSONEq(t, `{"command":"J1_PLUS"}`, gotBody)
	assert.Equal(t, "id-1", ack.ID)
}

func TestClientJogErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"transport unavailable"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Jog(context.Background(), command.Stop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport unavailable")
	assert.Contains(t, err.Error(), "503")
}

func TestClientHealthAcceptsDeadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"status":"dead","state":"dead","uptime_seconds":7,"queue_depth":0}`)
	}))
	defer srv.Close()

	h, err := NewClient(srv.URL, "").Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dead", h.Status)
	assert.Equal(t, int64(7), h.UptimeSeconds)
}

func TestClientSubscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "id: 4\nevent: command.sent\ndata: {\"command\":\"STOP\"}\n\n")
	}))
	defer srv.Close()

	ch := make(chan events.Event, 4)
	err := NewClient(srv.URL, "tok").Subscribe(context.Background(), ch)
	assert.ErrorIs(t, err, io.EOF)

	require.Len(t, ch, 1)
	ev := <-ch
	assert.Equal(t, int64(4), ev.ID)
	assert.Equal(t, events.CommandSent, ev.Type)
	assert.JSONEq(t, `{"command":"STOP"}`, string(ev.Data))
}

func TestReadEventsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := "event: command.sent\ndata: {}\n\n"
	ch := make(chan events.Event)
	done := make(chan error, 1)
	go func() { done <- ReadEvents(ctx, strings.NewReader(stream), ch) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("ReadEvents blocked on a cancelled context")
	}
}

func TestReadEventsMultilineData(t *testing.T) {
	stream := "id: 1\nevent: x\ndata: {\"a\":\ndata: 1}\n\nid: 2\nevent: y\n\n"
	ch := make(chan events.Event, 2)
	require.ErrorIs(t, ReadEvents(context.Background(), strings.NewReader(stream), ch), io.EOF)

	require.Len(t, ch, 1)
	ev := <-ch
	assert.Equal(t, "{\"a\":\n1}", string(ev.Data))
	assert.False(t, ev.At.IsZero())
}
