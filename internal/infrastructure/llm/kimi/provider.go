// Package kimi implements llmadapter.Adapter against Moonshot AI's Kimi
// chat-completions API: an OpenAI-compatible request body, an SSE stream
// response, the X-Msh-* identity headers, and a circuit breaker in front
// of the endpoint.
package kimi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/llmadapter"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/deviceid"
	llm "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm"
)

// CLIVersion is reported in the User-Agent header as `KimiCLI/<semver>`.
const CLIVersion = "0.1.0"

// ErrCircuitOpen is returned when the provider's circuit breaker has
// tripped and is refusing calls until its recovery timeout elapses.
var ErrCircuitOpen = errors.New("kimi: circuit open, provider unavailable")

// Config holds the tunables a host supplies when constructing a Provider.
type Config struct {
	APIKey  string
	BaseURL string // defaults to https://api.moonshot.ai/v1
	Model   string

	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Stop        []string
	JSONMode    bool // sets response_format:{type:"json_object"}

	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration
}

// Provider is a Go-native HTTP client speaking the Kimi chat-completions
// API over SSE.
type Provider struct {
	baseURL string
	apiKey  string
	model   string
	cfg     Config

	client  *http.Client
	breaker *llm.CircuitBreaker
	logger  *zap.Logger

	deviceName, deviceModel, osVersion string
}

// New constructs a Provider. Device/platform header values are probed once
// at construction via runtime.GOOS/os.Hostname.
func New(cfg Config, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.moonshot.ai/v1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown-host"
	}

	return &Provider{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		cfg:     cfg,
		client:  &http.Client{Transport: transport},
		breaker: llm.NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitRecoveryTimeout),
		logger:  logger.With(zap.String("provider", "kimi")),

		deviceName:  hostname,
		deviceModel: runtime.GOARCH,
		osVersion:   runtime.GOOS,
	}
}

var _ llmadapter.Adapter = (*Provider)(nil)

// GenerateWithTools implements llmadapter.Adapter: it opens one SSE
// response and wraps it in a Stream the Agent Loop drives chunk by chunk.
func (p *Provider) GenerateWithTools(ctx context.Context, systemPrompt string, messages []llmadapter.Message, tools []llmadapter.ToolSchema) (llmadapter.Stream, error) {
	if !p.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	req := p.buildRequest(systemPrompt, messages, tools)
	body, err := json.Marshal(req)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, fmt.Errorf("kimi: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		p.breaker.RecordFailure()
		return nil, fmt.Errorf("kimi: create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, fmt.Errorf("kimi: HTTP request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		p.breaker.RecordFailure()
		return nil, fmt.Errorf("kimi: API error %d: %s", resp.StatusCode, string(respBody))
	}

	p.breaker.RecordSuccess()
	return newStream(ctx, resp, p.logger), nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("User-Agent", "KimiCLI/"+CLIVersion)
	req.Header.Set("X-Msh-Platform", "kimi_cli")
	req.Header.Set("X-Msh-Version", CLIVersion)
	req.Header.Set("X-Msh-Device-Name", p.deviceName)
	req.Header.Set("X-Msh-Device-Model", p.deviceModel)
	req.Header.Set("X-Msh-Os-Version", p.osVersion)
	req.Header.Set("X-Msh-Device-Id", deviceid.Get())
}

func (p *Provider) buildRequest(systemPrompt string, messages []llmadapter.Message, tools []llmadapter.ToolSchema) Request {
	req := Request{
		Model:       p.model,
		Stream:      true,
		Temperature: p.cfg.Temperature,
		TopP:        p.cfg.TopP,
		MaxTokens:   p.cfg.MaxTokens,
		Stop:        p.cfg.Stop,
	}
	if p.cfg.JSONMode {
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	if systemPrompt != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		wm := Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: ToolCallFunc{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		req.Messages = append(req.Messages, wm)
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  convertSchema(t.Parameters),
			},
		})
	}

	return req
}
