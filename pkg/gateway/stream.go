package gateway

import (
	"bytes"
	"context"
	"errors"
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

// relayStream forwards a streaming completion. Everything before the first
// byte reaches the caller is still negotiable: the stream_options probe and
// the max_tokens repair both retry the same endpoint, and 5xx or network
// errors report unhandled so the pool rotates. Once the SSE headers are
// written the response is committed and every later error is terminal.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, ep registry.Endpoint, creq *ChatRequest, meta relayMeta) bool {
	cfg := s.store.Snapshot()

	// Ask for usage chunks unless the caller pinned stream_options itself.
	includeUsage := creq.StreamOptions == nil
	stripMax := false

	for attempt := 0; attempt < 3; attempt++ {
		body, err := creq.encode(encodeOverrides{
			backendModel:   ep.Model,
			stripMaxTokens: stripMax,
			includeUsage:   includeUsage,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to build backend request", err.Error())
			return true
		}

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(cfg.RelayTimeoutSeconds)*time.Second)
		req, err := backendRequest(ctx, ep, body)
		if err != nil {
			cancel()
			log.Error("invalid backend endpoint", "endpoint", ep.BaseURL, "error", err)
			return false
		}
		resp, err := s.client.Do(req)
		if err != nil {
			cancel()
			log.Warn("backend request failed", "endpoint", ep.BaseURL, "error", err)
			return false
		}

		if resp.StatusCode >= 400 {
			respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBackendResponseBytes))
			resp.Body.Close()
			cancel()
			if readErr != nil || resp.StatusCode >= 500 {
				return false
			}
			switch {
			case includeUsage && bytes.Contains(respBody, []byte("stream_options")):
				// Backend rejects the injected usage request. Drop it and
				// probe again.
				includeUsage = false
				continue
			case maxTokensFloorRE.Match(respBody):
				writeError(w, http.StatusBadRequest, "input too long",
					"the prompt leaves no room for output tokens; reduce input size")
				return true
			case contextWindowRE.Match(respBody) && creq.MaxTokens != nil && !stripMax:
				stripMax = true
				continue
			default:
				relayVerbatim(w, resp.StatusCode, resp.Header, respBody)
				return true
			}
		}

		s.pumpStream(w, resp, meta)
		resp.Body.Close()
		cancel()
		return true
	}

	// Both repairs exhausted without a relayable answer.
	writeError(w, http.StatusBadGateway, "backend negotiation failed", ep.BaseURL)
	return true
}

// pumpStream commits the response and copies SSE chunks through unchanged,
// sniffing data: lines for the final usage object along the way.
func (s *Server) pumpStream(w http.ResponseWriter, resp *http.Response, meta relayMeta) {
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	sniffer := newUsageSniffer()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			sniffer.Consume(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				log.Debug("client disconnected mid-stream", "model", meta.model.Name, "error", writeErr)
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.Warn("backend stream ended early", "model", meta.model.Name, "error", readErr)
			}
			break
		}
	}

	u, ok := sniffer.Usage()
	if !ok {
		log.Debug("stream finished without usage data", "model", meta.model.Name)
		return
	}
	s.recorder.Record(usage.Record{
		UserID:           meta.ident.UserID,
		TenantID:         meta.tenant.ID,
		ModelID:          meta.model.ID,
		ModelName:        meta.model.Name,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		LatencyMS:        time.Since(meta.start).Milliseconds(),
	})
}

// usageSniffer reassembles SSE lines out of arbitrary chunk boundaries and
// remembers the last usage object seen. It never alters the byte stream.
type usageSniffer struct {
	pending []byte
	usage   openai.Usage
	seen    bool
}

func newUsageSniffer() *usageSniffer {
	return &usageSniffer{pending: make([]byte, 0, 1024)}
}

func (p *usageSniffer) Consume(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.pending = append(p.pending, chunk...)
	for {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSpace(string(p.pending[:idx]))
		p.pending = p.pending[idx+1:]
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var payload struct {
			Usage *openai.Usage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			continue
		}
		if payload.Usage != nil && (payload.Usage.PromptTokens > 0 || payload.Usage.CompletionTokens > 0 || payload.Usage.TotalTokens > 0) {
			p.usage = *payload.Usage
			p.seen = true
		}
	}
}

func (p *usageSniffer) Usage() (openai.Usage, bool) {
	return p.usage, p.seen
}
