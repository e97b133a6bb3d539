package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Handler exposes every tool as POST /tools/<name> with the JSON args
// as the body and the JSON result (or {"error": ...}) as the reply.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tools/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tool := strings.TrimPrefix(r.URL.Path, "/tools/")
		body, err := io.ReadAll(io.LimitReader(r.Body, 4*1024*1024))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": &ToolError{Kind: "BadArgument", Message: err.Error()},
			})
			return
		}

		result, derr := s.Dispatch(r.Context(), tool, body)
		if derr != nil {
			te, ok := derr.(*ToolError)
			if !ok {
				te = &ToolError{Kind: "StoreError", Message: derr.Error()}
			}
			writeJSON(w, statusFor(te.Kind), map[string]any{"error": te})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tools": Tools()})
	})

	return mux
}

func statusFor(kind string) int {
	switch kind {
	case "BadArgument", "InvalidTicket":
		return http.StatusBadRequest
	case "NotJoined", "UnknownSkill":
		return http.StatusNotFound
	case "PolicyRejected", "InvalidSignature":
		return http.StatusForbidden
	case "Timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
