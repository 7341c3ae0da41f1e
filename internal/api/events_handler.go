package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/jogd/internal/events"
)

// sseKeepAlive is the gap between comment lines on an idle stream, short
// enough that proxies do not reap the connection.
const sseKeepAlive = 15 * time.Second

// sseStream writes Server-Sent Events frames and flushes after each one.
type sseStream struct {
	w      io.Writer
	f      http.Flusher
	lastID int64
}

func (s *sseStream) send(ev events.Event) error {
	if ev.ID <= s.lastID {
		return nil
	}
	// Payloads are single-line JSON, so one data line is enough.
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data); err != nil {
		return err
	}
	s.lastID = ev.ID
	s.f.Flush()
	return nil
}

func (s *sseStream) ping() error {
	if _, err := io.WriteString(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// handleEvents handles GET /events. Retained events newer than
// Last-Event-ID (or ?since=) are replayed before live ones.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	since := parseEventID(r.Header.Get("Last-Event-ID"))
	if since == 0 {
		since = parseEventID(r.URL.Query().Get("since"))
	}

	// Subscribe before the replay; send drops anything already written.
	live, cancel := s.events.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &sseStream{w: w, f: flusher, lastID: since}
	for _, ev := range s.events.Since(since) {
		if err := stream.send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	var err error
	for err == nil {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			err = stream.send(ev)
		case <-ticker.C:
			err = stream.ping()
		}
	}
}

func parseEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
