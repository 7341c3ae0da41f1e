package api

import (
	"github.com/mattjoyce/jogd/internal/dispatch"
)

// JogRequest is the JSON body for POST /jog
type JogRequest struct {
	Command string `json:"command"`
}

// JogResponse is returned once a command is queued
type JogResponse struct {
	Status    string `json:"status"`
	ID        string `json:"id"`
	Command   string `json:"command"`
	Discarded int    `json:"discarded"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	State         string         `json:"state"`
	Transport     string         `json:"transport,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	QueueDepth    int            `json:"queue_depth"`
	Pending       []string       `json:"pending"`
	Stats         dispatch.Stats `json:"stats"`
	LastError     string         `json:"last_error,omitempty"`
	LastEventID   int64          `json:"last_event_id"`
	Subscribers   int            `json:"subscribers"`
	DroppedEvents uint64         `json:"dropped_events"`
}

// CommandsResponse is returned by GET /commands.
type CommandsResponse struct {
	Commands []string `json:"commands"`
}

// WSAck answers one WebSocket jog message.
type WSAck struct {
	Status    string `json:"status"`
	ID        string `json:"id,omitempty"`
	Command   string `json:"command,omitempty"`
	Discarded int    `json:"discarded,omitempty"`
	Error     string `json:"error,omitempty"`
}
