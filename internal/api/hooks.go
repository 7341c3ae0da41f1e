package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/jogd/internal/auth"
	"github.com/mattjoyce/jogd/internal/command"
)

// Hook is a producer that authenticates each delivery with an HMAC of the
// body instead of a bearer token.
type Hook struct {
	Name            string
	Secret          string
	SignatureHeader string
	// Command is submitted for every verified delivery when non-zero;
	// otherwise the body must be a JogRequest.
	Command     command.Command
	MaxBodySize int64
}

func (s *Server) findHook(name string) (Hook, bool) {
	for _, h := range s.config.Hooks {
		if h.Name == name {
			return h, true
		}
	}
	return Hook{}, false
}

// handleHook handles POST /hooks/{name}.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	hook, ok := s.findHook(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown hook")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, hook.MaxBodySize+1))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > hook.MaxBodySize {
		s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := verifySignature(body, r.Header.Get(hook.SignatureHeader), hook.Secret); err != nil {
		s.logger.Warn("hook signature rejected", "hook", name, "remote", r.RemoteAddr)
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	cmd := hook.Command
	if !cmd.Valid() {
		var req JogRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if cmd, err = command.Parse(req.Command); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := auth.WithPrincipal(r.Context(), auth.Principal{Subject: "hook:" + name})
	s.respondSubmit(w, r.WithContext(ctx), cmd)
}
