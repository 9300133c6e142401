package gateway

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// ChatRequest is the typed envelope for an inbound chat-completion body:
// the fields the gateway interprets, plus an opaque bag of everything else
// that is passed through to the backend untouched.
type ChatRequest struct {
	Model         string
	Messages      json.RawMessage
	Stream        bool
	MaxTokens     *int
	StreamOptions json.RawMessage

	extra map[string]json.RawMessage
}

func parseChatRequest(body []byte) (*ChatRequest, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("request body required")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("invalid json")
	}

	cr := &ChatRequest{extra: fields}

	raw, ok := fields["model"]
	if !ok {
		return nil, fmt.Errorf("model is required")
	}
	if err := json.Unmarshal(raw, &cr.Model); err != nil || strings.TrimSpace(cr.Model) == "" {
		return nil, fmt.Errorf("model must be a non-empty string")
	}

	raw, ok = fields["messages"]
	if !ok {
		return nil, fmt.Errorf("messages is required")
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(raw, &messages); err != nil || len(messages) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty array")
	}
	cr.Messages = raw

	if raw, ok = fields["stream"]; ok {
		if err := json.Unmarshal(raw, &cr.Stream); err != nil {
			return nil, fmt.Errorf("stream must be a boolean")
		}
	}
	if raw, ok = fields["max_tokens"]; ok {
		if err := json.Unmarshal(raw, &cr.MaxTokens); err != nil {
			return nil, fmt.Errorf("max_tokens must be an integer")
		}
	}
	if raw, ok = fields["stream_options"]; ok {
		cr.StreamOptions = raw
	}

	for _, k := range []string{"model", "messages", "stream", "max_tokens", "stream_options"} {
		delete(fields, k)
	}
	return cr, nil
}

// encodeOverrides selects the per-attempt mutations applied when rebuilding
// the backend body.
type encodeOverrides struct {
	backendModel   string
	stripMaxTokens bool
	includeUsage   bool
}

func (r *ChatRequest) encode(o encodeOverrides) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.extra)+5)
	for k, v := range r.extra {
		out[k] = v
	}

	model := r.Model
	if strings.TrimSpace(o.backendModel) != "" {
		model = o.backendModel
	}
	if err := setField(out, "model", model); err != nil {
		return nil, err
	}
	out["messages"] = r.Messages
	if r.Stream {
		if err := setField(out, "stream", true); err != nil {
			return nil, err
		}
	}
	if r.MaxTokens != nil && !o.stripMaxTokens {
		if err := setField(out, "max_tokens", *r.MaxTokens); err != nil {
			return nil, err
		}
	}
	switch {
	case r.StreamOptions != nil:
		out["stream_options"] = r.StreamOptions
	case o.includeUsage && r.Stream:
		out["stream_options"] = json.RawMessage(`{"include_usage":true}`)
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode backend body: %w", err)
	}
	return b, nil
}

func setField(m map[string]json.RawMessage, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	m[key] = b
	return nil
}
