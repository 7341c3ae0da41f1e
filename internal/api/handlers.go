package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mattjoyce/jogd/internal/auth"
	"github.com/mattjoyce/jogd/internal/command"
	"github.com/mattjoyce/jogd/internal/dispatch"
)

//go:embed static/index.html
var indexHTML []byte

const maxJogBody = 1 << 10

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(indexHTML)
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.disp.State()

	resp := HealthzResponse{
		Status:        healthStatus(state),
		State:         string(state),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    s.disp.Depth(),
	}

	code := http.StatusOK
	if state == dispatch.StateDead {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

func healthStatus(state dispatch.State) string {
	switch state {
	case dispatch.StateDead:
		return "dead"
	case dispatch.StateStopping, dispatch.StateStopped:
		return "stopping"
	default:
		return "ok"
	}
}

// handleJog handles POST /jog with body {"command": "J1_PLUS"}.
func (s *Server) handleJog(w http.ResponseWriter, r *http.Request) {
	var req JogRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJogBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cmd, err := command.Parse(req.Command)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondSubmit(w, r, cmd)
}

// handleStop handles POST /stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.respondSubmit(w, r, command.Stop)
}

func (s *Server) respondSubmit(w http.ResponseWriter, r *http.Request, cmd command.Command) {
	receipt, code, err := s.submit(r.Context(), cmd)
	if err != nil {
		s.writeError(w, code, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, JogResponse{
		Status:    "ok",
		ID:        receipt.ID,
		Command:   cmd.String(),
		Discarded: len(receipt.Discarded),
	})
}

var (
	errClosed      = errors.New("dispatcher closed")
	errUnavailable = errors.New("transport unavailable")
)

// submit hands cmd to the dispatcher and maps refusals to an HTTP status.
func (s *Server) submit(ctx context.Context, cmd command.Command) (dispatch.Receipt, int, error) {
	receipt, err := s.disp.Submit(ctx, cmd, submitter(ctx))
	switch {
	case err == nil:
		return receipt, http.StatusAccepted, nil
	case errors.Is(err, dispatch.ErrDispatcherClosed):
		return receipt, http.StatusServiceUnavailable, errClosed
	case errors.Is(err, dispatch.ErrDispatcherDead):
		s.logger.Warn("jog refused", "command", cmd.String(), "error", err)
		return receipt, http.StatusServiceUnavailable, errUnavailable
	case errors.Is(err, command.ErrInvalidCommand):
		return receipt, http.StatusBadRequest, err
	default:
		s.logger.Error("submit failed", "command", cmd.String(), "error", err)
		return receipt, http.StatusInternalServerError, errors.New("failed to queue command")
	}
}

func submitter(ctx context.Context) string {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok || p.Subject == "" {
		return "api"
	}
	return "api:" + p.Subject
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending := s.disp.Pending()
	names := make([]string, 0, len(pending))
	for _, c := range pending {
		names = append(names, c.String())
	}

	resp := StatusResponse{
		State:         string(s.disp.State()),
		Transport:     s.config.Transport,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    len(pending),
		Pending:       names,
		Stats:         s.disp.Stats(),
		LastEventID:   s.events.LastID(),
		Subscribers:   s.events.Subscribers(),
		DroppedEvents: s.events.Dropped(),
	}
	if err := s.disp.Err(); err != nil {
		resp.LastError = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCommands handles GET /commands.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	all := command.All()
	names := make([]string, 0, len(all))
	for _, c := range all {
		names = append(names, c.String())
	}
	respondJSON(w, http.StatusOK, CommandsResponse{Commands: names})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
