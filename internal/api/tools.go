package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"defi-aggregator/internal/model"
)

func (s *server) mountTools(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"tools": s.deps.Tools.List()})
	})
	r.Post("/{name}", s.callTool)
}

// callTool runs one tool with the request body as its arguments. An empty
// body means no arguments.
func (s *server) callTool(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, model.InvalidInput("could not read request body"))
		return
	}
	out, err := s.deps.Tools.Call(r.Context(), chi.URLParam(r, "name"), json.RawMessage(body))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"result": out})
}
