package gateway

import (
	"net/http"
	"regexp"

	json "github.com/goccy/go-json"
)

// The two backend error shapes the relay repairs instead of surfacing.
// maxTokensFloorRE matches "max_tokens ... must be at least N": the prompt is
// so large that the remaining output budget is below the backend's floor.
// contextWindowRE matches the family of context-window-exceeded messages.
var (
	maxTokensFloorRE = regexp.MustCompile(`(?is)max_tokens.{0,80}must be at least`)
	contextWindowRE  = regexp.MustCompile(`(?is)context[ _-](?:window|length)|maximum context|context_length_exceeded`)
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errMsg, message string) {
	writeJSON(w, status, errorBody{Error: errMsg, Message: message})
}
