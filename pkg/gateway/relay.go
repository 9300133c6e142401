package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	json "github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"

	"github.com/skela-systems/modelgw/pkg/registry"
	"github.com/skela-systems/modelgw/pkg/usage"
)

const maxBackendResponseBytes = 16 << 20

// relayMeta carries the request-scoped attribution the relays need when they
// hand off to the usage recorder.
type relayMeta struct {
	model  registry.Model
	tenant registry.Tenant
	ident  callerIdentity
	start  time.Time
}

// executeWithFailover walks the endpoint pool starting at the allocated
// index. A relay returning true means a response reached the caller (success
// or a definitive client error); false means the endpoint looks down and the
// next pool member should be tried. The response is written at most once:
// every handled path returns true immediately.
func (s *Server) executeWithFailover(w http.ResponseWriter, r *http.Request, m registry.Model, creq *ChatRequest, tenant registry.Tenant, ident callerIdentity) {
	pool := m.Endpoints
	if len(pool) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no endpoints configured", m.Name)
		return
	}
	start := s.rotor.Next(r.Context(), m.ID, len(pool))
	meta := relayMeta{model: m, tenant: tenant, ident: ident, start: time.Now()}

	for attempt := 0; attempt < len(pool); attempt++ {
		ep := pool[(start+attempt)%len(pool)]
		var handled bool
		if creq.Stream {
			handled = s.relayStream(w, r, ep, creq, meta)
		} else {
			handled = s.relayBuffered(w, r, ep, creq, meta)
		}
		if handled {
			return
		}
		log.Warn("backend endpoint failed, rotating",
			"model", m.Name, "endpoint", ep.BaseURL, "attempt", attempt+1, "pool", len(pool))
	}
	writeError(w, http.StatusServiceUnavailable, "all backends unavailable",
		fmt.Sprintf("%d endpoint(s) attempted", len(pool)))
}

// backendRequest builds the outbound request for one endpoint. Extra headers
// never override Content-Type or Authorization.
func backendRequest(ctx context.Context, ep registry.Endpoint, body []byte) (*http.Request, error) {
	url := strings.TrimRight(ep.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	for k, v := range ep.ExtraHeaders {
		if strings.EqualFold(k, "Content-Type") || strings.EqualFold(k, "Authorization") {
			continue
		}
		req.Header.Set(k, v)
	}
	return req, nil
}

func (s *Server) relayBuffered(w http.ResponseWriter, r *http.Request, ep registry.Endpoint, creq *ChatRequest, meta relayMeta) bool {
	return s.relayBufferedAttempt(w, r, ep, creq, meta, false)
}

// relayBufferedAttempt performs one forward to one endpoint. The retried flag
// marks the single same-endpoint retry with max_tokens stripped, so the
// repair is attempted at most once.
func (s *Server) relayBufferedAttempt(w http.ResponseWriter, r *http.Request, ep registry.Endpoint, creq *ChatRequest, meta relayMeta, retried bool) bool {
	cfg := s.store.Snapshot()
	body, err := creq.encode(encodeOverrides{backendModel: ep.Model, stripMaxTokens: retried})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build backend request", err.Error())
		return true
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(cfg.RelayTimeoutSeconds)*time.Second)
	defer cancel()
	req, err := backendRequest(ctx, ep, body)
	if err != nil {
		log.Error("invalid backend endpoint", "endpoint", ep.BaseURL, "error", err)
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		log.Warn("backend request failed", "endpoint", ep.BaseURL, "error", err)
		return false
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendResponseBytes))
	if err != nil {
		log.Warn("backend response read failed", "endpoint", ep.BaseURL, "error", err)
		return false
	}

	switch {
	case resp.StatusCode >= 500:
		return false
	case resp.StatusCode >= 400:
		if maxTokensFloorRE.Match(respBody) {
			writeError(w, http.StatusBadRequest, "input too long",
				"the prompt leaves no room for output tokens; reduce input size")
			return true
		}
		if contextWindowRE.Match(respBody) && creq.MaxTokens != nil && !retried {
			// Known model quirk: the declared max_tokens pushes the request
			// past the context window. Retry the same endpoint once without
			// it before surfacing anything.
			return s.relayBufferedAttempt(w, r, ep, creq, meta, true)
		}
		relayVerbatim(w, resp.StatusCode, resp.Header, respBody)
		return true
	default:
		var parsed struct {
			Usage openai.Usage `json:"usage"`
		}
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			s.recorder.Record(usage.Record{
				UserID:           meta.ident.UserID,
				TenantID:         meta.tenant.ID,
				ModelID:          meta.model.ID,
				ModelName:        meta.model.Name,
				PromptTokens:     parsed.Usage.PromptTokens,
				CompletionTokens: parsed.Usage.CompletionTokens,
				LatencyMS:        time.Since(meta.start).Milliseconds(),
			})
		}
		relayVerbatim(w, resp.StatusCode, resp.Header, respBody)
		return true
	}
}

func relayVerbatim(w http.ResponseWriter, status int, header http.Header, body []byte) {
	copyHeader(w.Header(), header)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
