// Package gateway is the MCP tool gateway client: it speaks JSON-RPC 2.0
// over HTTP POST to <gateway>/mcp, with SSE-framed responses and session
// tracking via the Mcp-Session-Id header. All remediation goes through
// here, so the auto-heal kill switch lives here too.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aryan877/sre-sentinel/internal/models"
)

const (
	protocolVersion     = "2024-11-05"
	healthCheckInterval = 2 * time.Second
	maxHealthWait       = 30 * time.Second
)

// Tool is one entry of the gateway's discovered tool catalog.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// Client manages one gateway session. Safe for concurrent use; the
// session is established lazily and shared.
type Client struct {
	baseURL  string
	autoHeal bool
	http     *http.Client
	logger   zerolog.Logger

	mu        sync.Mutex
	sessionID string
	tools     []Tool

	healthInterval time.Duration
	healthWait     time.Duration
}

// New builds a gateway client. gatewayURL is the base URL without the
// /mcp suffix; timeout bounds every individual gateway call.
func New(gatewayURL string, timeout time.Duration, autoHeal bool, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:        strings.TrimRight(gatewayURL, "/"),
		autoHeal:       autoHeal,
		http:           &http.Client{Timeout: timeout},
		logger:         logger,
		healthInterval: healthCheckInterval,
		healthWait:     maxHealthWait,
	}
}

func (c *Client) mcpURL() string {
	return c.baseURL + "/mcp"
}

// Initialize opens a gateway session and discovers the tool catalog. A
// 200 response without an Mcp-Session-Id header is a hard error.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(ctx)
}

func (c *Client) initializeLocked(ctx context.Context) error {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "sre-sentinel", "version": "1.0.0"},
		},
	}

	resp, err := c.post(ctx, payload, "")
	if err != nil {
		return fmt.Errorf("failed to connect to MCP Gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("MCP Gateway initialize failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	sessionID := resp.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		return errors.New("no session ID received from MCP Gateway")
	}
	c.sessionID = sessionID
	c.logger.Info().Str("session", sessionID).Str("gateway", c.baseURL).Msg("MCP Gateway session initialized")

	return c.discoverToolsLocked(ctx)
}

func (c *Client) discoverToolsLocked(ctx context.Context) error {
	payload := rpcRequest{JSONRPC: "2.0", ID: 2, Method: "tools/list", Params: map[string]any{}}

	resp, err := c.post(ctx, payload, c.sessionID)
	if err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tool discovery failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var rpc rpcResponse
	if err := decodeSSE(resp.Body, &rpc); err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}
	if rpc.Error != nil {
		return fmt.Errorf("tool discovery failed: %s", rpc.Error.Message)
	}

	var result toolsListResult
	if err := json.Unmarshal(rpc.Result, &result); err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}

	c.tools = result.Tools
	c.logger.Info().Int("tools", len(c.tools)).Msg("Discovered MCP Gateway tools")
	return nil
}

// ensureSession initializes lazily. Caller must hold c.mu.
func (c *Client) ensureSessionLocked(ctx context.Context) error {
	if c.sessionID != "" {
		return nil
	}
	return c.initializeLocked(ctx)
}

// VerifyGatewayHealth reports whether the gateway is reachable with an
// open session and a non-empty tool catalog.
func (c *Client) VerifyGatewayHealth(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSessionLocked(ctx); err != nil {
		c.logger.Error().Err(err).Msg("MCP Gateway health check error")
		return false
	}
	if len(c.tools) == 0 {
		c.logger.Error().Msg("MCP Gateway has no tools available")
		return false
	}
	return true
}

// ListTools returns a copy of the discovered catalog.
func (c *Client) ListTools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// ToolCatalog renders the catalog as a prompt-ready descriptor: one
// "- name: description" line per tool plus its required parameters and
// documented properties.
func (c *Client) ToolCatalog(ctx context.Context) (string, error) {
	c.mu.Lock()
	if err := c.ensureSessionLocked(ctx); err != nil {
		c.mu.Unlock()
		return "", err
	}
	tools := make([]Tool, len(c.tools))
	copy(tools, c.tools)
	c.mu.Unlock()

	var entries []string
	for _, tool := range tools {
		var b strings.Builder
		fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)

		if required, ok := tool.InputSchema["required"].([]any); ok && len(required) > 0 {
			names := make([]string, 0, len(required))
			for _, r := range required {
				if s, ok := r.(string); ok {
					names = append(names, s)
				}
			}
			if len(names) > 0 {
				fmt.Fprintf(&b, "  Required parameters: %s\n", strings.Join(names, ", "))
			}
		}
		if properties, ok := tool.InputSchema["properties"].(map[string]any); ok {
			for name, info := range properties {
				if infoMap, ok := info.(map[string]any); ok {
					if desc, ok := infoMap["description"].(string); ok && desc != "" {
						fmt.Fprintf(&b, "  - %s: %s\n", name, desc)
					}
				}
			}
		}
		entries = append(entries, b.String())
	}
	return strings.Join(entries, "\n"), nil
}

// ExecuteFix runs one suggested fix through the gateway. When auto-heal
// is disabled it returns a failure result without touching the network.
// Transport and gateway errors come back as failed results, never as
// panics or partial successes.
func (c *Client) ExecuteFix(ctx context.Context, fix models.FixAction) models.FixExecutionResult {
	stamped := func(r models.FixExecutionResult) models.FixExecutionResult {
		r.Action = fix.Action
		r.Target = fix.Target
		r.Priority = fix.Priority
		return r
	}

	c.logger.Info().
		Str("action", fix.Action).
		Str("target", fix.Target).
		Int("priority", fix.Priority).
		Msg("Executing fix via MCP Gateway")

	if !c.autoHeal {
		c.logger.Warn().Msg("Auto-heal disabled, skipping execution")
		return stamped(models.FixExecutionResult{Success: false, Message: "Auto-heal disabled"})
	}

	c.mu.Lock()
	if err := c.ensureSessionLocked(ctx); err != nil {
		c.mu.Unlock()
		return stamped(models.FixExecutionResult{Success: false, Message: err.Error(), Error: err.Error()})
	}
	known := false
	var schema map[string]any
	for _, tool := range c.tools {
		if tool.Name == fix.Action {
			known = true
			schema = tool.InputSchema
			break
		}
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	if !known {
		msg := fmt.Sprintf("Tool %s not found in MCP Gateway", fix.Action)
		return stamped(models.FixExecutionResult{Success: false, Message: msg, Error: msg})
	}

	args := fixArguments(fix, schema)
	return stamped(c.callTool(ctx, sessionID, fix.Action, args))
}

// fixArguments derives tool arguments from the fix's details blob. A JSON
// object passes through verbatim; anything else falls back to filling the
// schema's well-known fields from the fix itself.
func fixArguments(fix models.FixAction, schema map[string]any) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(fix.Details), &args); err == nil && args != nil {
		return args
	}

	args = map[string]any{}
	properties, _ := schema["properties"].(map[string]any)
	if _, ok := properties["container_name"]; ok {
		args["container_name"] = fix.Target
	}
	if _, ok := properties["details"]; ok {
		args["details"] = fix.Details
	}
	return args
}

// VerifyHealth polls the gateway's health_check tool until the container
// reports healthy or the wait budget runs out.
func (c *Client) VerifyHealth(ctx context.Context, containerName string) bool {
	c.logger.Info().Str("container", containerName).Msg("Verifying container health")

	c.mu.Lock()
	if err := c.ensureSessionLocked(ctx); err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("Health verification failed: no gateway session")
		return false
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	deadline := time.Now().Add(c.healthWait)
	for time.Now().Before(deadline) {
		result := c.callTool(ctx, sessionID, "health_check", map[string]any{"container_name": containerName})
		if probePassed(result) {
			c.logger.Info().Str("container", containerName).Msg("Container is healthy")
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.healthInterval):
		}
	}

	c.logger.Error().
		Str("container", containerName).
		Dur("waited", c.healthWait).
		Msg("Container did not become healthy in time")
	return false
}

// probePassed applies the health_check acceptance rule: an explicit
// success satisfies the probe, and so does any status or health reading
// of healthy/running, even when the tool reply carries no success flag
// at all (gateways commonly answer health_check with just a status).
func probePassed(r models.FixExecutionResult) bool {
	if r.Success || runningOrHealthy(r.Status) {
		return true
	}
	if r.Details == "" {
		return false
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(r.Details), &parsed); err != nil {
		return false
	}
	health, _ := parsed["health"].(string)
	return runningOrHealthy(health)
}

func runningOrHealthy(v string) bool {
	switch strings.ToLower(v) {
	case "healthy", "running":
		return true
	}
	return false
}

func (c *Client) callTool(ctx context.Context, sessionID, toolName string, args map[string]any) models.FixExecutionResult {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      3,
		Method:  "tools/call",
		Params:  map[string]any{"name": toolName, "arguments": args},
	}

	resp, err := c.post(ctx, payload, sessionID)
	if err != nil {
		return models.FixExecutionResult{Success: false, Message: err.Error(), Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return models.FixExecutionResult{
			Success: false,
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Error:   string(body),
		}
	}

	var rpc rpcResponse
	if err := decodeSSE(resp.Body, &rpc); err != nil {
		return models.FixExecutionResult{Success: false, Message: "Invalid response from MCP Gateway"}
	}
	if rpc.Error != nil {
		return models.FixExecutionResult{Success: false, Message: rpc.Error.Message, Error: rpc.Error.Message}
	}

	var result toolCallResult
	if err := json.Unmarshal(rpc.Result, &result); err != nil || len(result.Content) == 0 {
		return models.FixExecutionResult{Success: false, Message: "Invalid response from MCP Gateway"}
	}

	var toolResult map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].Text), &toolResult); err != nil {
		return models.FixExecutionResult{Success: false, Message: "Invalid response from MCP Gateway"}
	}

	success, _ := toolResult["success"].(bool)
	message, _ := toolResult["message"].(string)
	status, _ := toolResult["status"].(string)

	// Message and status get their own fields; everything else the tool
	// reported stays available as the details blob.
	rest := make(map[string]any, len(toolResult))
	for k, v := range toolResult {
		if k == "message" || k == "status" {
			continue
		}
		rest[k] = v
	}
	var details string
	if len(rest) > 0 {
		raw, _ := json.Marshal(rest)
		details = string(raw)
	}

	if success {
		return models.FixExecutionResult{Success: true, Message: message, Status: status, Details: details}
	}

	errMsg, _ := toolResult["error"].(string)
	if errMsg == "" {
		errMsg = "Unknown error"
	}
	return models.FixExecutionResult{Success: false, Message: message, Status: status, Error: errMsg, Details: details}
}

func (c *Client) post(ctx context.Context, payload rpcRequest, sessionID string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mcpURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	return c.http.Do(req)
}

// decodeSSE extracts the first "data:" frame from an SSE-framed response
// body and unmarshals it into v.
func decodeSSE(body io.Reader, v any) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if data, ok := strings.CutPrefix(line, "data: "); ok && data != "" {
			return json.Unmarshal([]byte(data), v)
		}
	}
	// Some gateways answer plain JSON when SSE framing is off.
	if len(bytes.TrimSpace(raw)) > 0 {
		return json.Unmarshal(raw, v)
	}
	return errors.New("no data frame in gateway response")
}
