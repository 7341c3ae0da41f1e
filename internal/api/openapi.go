package api

import (
	"net/http"

	"github.com/mattjoyce/jogd/internal/command"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the jog API.
func buildOpenAPIDoc() map[string]any {
	tokens := make([]string, 0, len(command.All()))
	for _, c := range command.All() {
		tokens = append(tokens, c.String())
	}

	secured := []any{map[string]any{"BearerAuth": []string{}}}
	errorResp := func(desc string) map[string]any {
		return map[string]any{
			"description": desc,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/Error"},
				},
			},
		}
	}
	accepted := map[string]any{
		"description": "Command queued",
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/JogResponse"},
			},
		},
	}

	paths := map[string]any{
		"/jog": map[string]any{
			"post": map[string]any{
				"operationId": "jog",
				"summary":     "Queue a jog command. STOP discards every pending command.",
				"tags":        []string{"jog"},
				"security":    secured,
				"requestBody": map[string]any{
					"required": true,
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{"$ref": "#/components/schemas/JogRequest"},
						},
					},
				},
				"responses": map[string]any{
					"202": accepted,
					"400": errorResp("Invalid command or body"),
					"401": errorResp("Missing or invalid token"),
					"403": errorResp("Insufficient scope"),
					"503": errorResp("Dispatcher closed or transport unavailable"),
				},
			},
		},
		"/stop": map[string]any{
			"post": map[string]any{
				"operationId": "stop",
				"summary":     "Queue STOP, discarding every pending command.",
				"tags":        []string{"jog"},
				"security":    secured,
				"responses": map[string]any{
					"202": accepted,
					"503": errorResp("Dispatcher closed or transport unavailable"),
				},
			},
		},
		"/hooks/{name}": map[string]any{
			"post": map[string]any{
				"operationId": "hook",
				"summary":     "Queue a command from a signed hook. The body's HMAC-SHA256 goes in the hook's signature header.",
				"tags":        []string{"jog"},
				"parameters": []any{map[string]any{
					"name":     "name",
					"in":       "path",
					"required": true,
					"schema":   map[string]any{"type": "string"},
				}},
				"responses": map[string]any{
					"202": accepted,
					"400": errorResp("Invalid command or body"),
					"403": errorResp("Missing or invalid signature"),
					"404": errorResp("Unknown hook"),
					"413": errorResp("Body too large"),
					"503": errorResp("Dispatcher closed or transport unavailable"),
				},
			},
		},
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness of the delivery loop.",
				"tags":        []string{"ops"},
				"responses": map[string]any{
					"200": map[string]any{"description": "Loop alive"},
					"503": map[string]any{"description": "Transport unavailable"},
				},
			},
		},
		"/status": map[string]any{
			"get": map[string]any{
				"operationId": "status",
				"summary":     "Dispatcher state, pending commands and counters.",
				"tags":        []string{"ops"},
				"security":    secured,
				"responses":   map[string]any{"200": map[string]any{"description": "Status"}},
			},
		},
		"/commands": map[string]any{
			"get": map[string]any{
				"operationId": "commands",
				"summary":     "The command vocabulary.",
				"tags":        []string{"jog"},
				"security":    secured,
				"responses":   map[string]any{"200": map[string]any{"description": "Vocabulary"}},
			},
		},
		"/events": map[string]any{
			"get": map[string]any{
				"operationId": "events",
				"summary":     "Server-Sent Events stream of dispatcher activity.",
				"tags":        []string{"ops"},
				"security":    secured,
				"responses":   map[string]any{"200": map[string]any{"description": "text/event-stream"}},
			},
		},
		"/ws": map[string]any{
			"get": map[string]any{
				"operationId": "jogStream",
				"summary":     "WebSocket jog stream; each text message is a command token.",
				"tags":        []string{"jog"},
				"security":    secured,
				"responses":   map[string]any{"101": map[string]any{"description": "Switching protocols"}},
			},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "jogd",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]any{
				"JogRequest": map[string]any{
					"type":     "object",
					"required": []string{"command"},
					"properties": map[string]any{
						"command": map[string]any{"type": "string", "enum": tokens},
					},
				},
				"JogResponse": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"status":    map[string]any{"type": "string"},
						"id":        map[string]any{"type": "string", "format": "uuid"},
						"command":   map[string]any{"type": "string", "enum": tokens},
						"discarded": map[string]any{"type": "integer"},
					},
				},
				"Error": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"error": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
