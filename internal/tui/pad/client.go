package pad

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/jogd/internal/command"
	"github.com/mattjoyce/jogd/internal/events"
)

// Health mirrors the GET /healthz body.
type Health struct {
	Status        string `json:"status"`
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// Ack mirrors the POST /jog and POST /stop body.
type Ack struct {
	Status    string `json:"status"`
	ID        string `json:"id"`
	Command   string `json:"command"`
	Discarded int    `json:"discarded"`
}

// API is what the pad needs from a running jogd.
type API interface {
	Jog(ctx context.Context, cmd command.Command) (Ack, error)
	Health(ctx context.Context) (Health, error)
	Subscribe(ctx context.Context, ch chan<- events.Event) error
}

// Client talks to the jogd HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) Jog(ctx context.Context, cmd command.Command) (Ack, error) {
	body, err := json.Marshal(map[string]string{"command": cmd.String()})
	if err != nil {
		return Ack{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/jog", bytes.NewReader(body))
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var ack Ack
	if err := c.do(req, http.StatusAccepted, &ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return Health{}, err
	}
	var h Health
	resp, err := c.http.Do(req)
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()
	// A dead dispatcher answers 503 with a normal body.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return Health{}, fmt.Errorf("healthz: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("decode healthz: %w", err)
	}
	return h, nil
}

// Subscribe streams /events into ch until the connection drops or ctx ends.
func (c *Client) Subscribe(ctx context.Context, ch chan<- events.Event) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events: unexpected status %d", resp.StatusCode)
	}
	return ReadEvents(ctx, resp.Body, ch)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ReadEvents parses a server-sent event stream. Comment lines are skipped
// and each blank line terminates one event.
func ReadEvents(ctx context.Context, r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	var cur events.Event
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				cur.Data = json.RawMessage(data.String())
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				select {
				case ch <- cur:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			cur = events.Event{}
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
