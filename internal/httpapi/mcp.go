package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/percolation-labs/rem/internal/remerr"
)

// mcp.go mounts a minimal tool-server endpoint (spec §6: "/mcp (mounted) —
// tool-server endpoint"). No MCP SDK is wired — none of the pack's
// dependencies bind to the Model Context Protocol transport, so discovery
// and invocation are exposed directly over internal/toolregistry instead
// of through a dedicated protocol library.

type mcpToolListing struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

func (s *Server) handleMCPTools(w http.ResponseWriter, r *http.Request) {
	defs := s.app.Tools.Definitions()
	listing := make([]mcpToolListing, 0, len(defs))
	for _, d := range defs {
		listing = append(listing, mcpToolListing{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": listing})
}

func (s *Server) handleMCPInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rc := contextFromHeaders(r)

	bound, err := s.app.Tools.Resolve(r.Context(), name, rc.caller())
	if err != nil {
		writeError(w, &remerr.NotFoundError{Kind: "tool", Key: name})
		return
	}

	argsJSON, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, &remerr.ValidationError{Message: "reading request body: " + err.Error()})
		return
	}

	result, err := bound.Invoke(r.Context(), string(argsJSON))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(result))
}
