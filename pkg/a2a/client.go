package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// CredentialSource resolves service credentials for auth negotiation.
// pkg/credential.Resolver satisfies this interface; it is declared here
// rather than imported so this package has no dependency on the
// credential package's keyring/file-loading machinery.
type CredentialSource interface {
	GetKey(serviceID string) (string, bool)
	GetOAuthClientID(serviceID string) (string, bool)
	GetOAuthClientSecret(serviceID string) (string, bool)
}

// cachedToken is one entry in the client's OAuth2 token cache. expiry is
// the zero Time when the token never expires.
type cachedToken struct {
	accessToken string
	expiry      time.Time
}

// cacheExpiryBuffer is subtracted from a token's reported lifetime at
// cache-write time so a token already within this margin of expiring is
// treated as expired and refreshed proactively.
const cacheExpiryBuffer = 60 * time.Second

// A2AClient talks to remote agents over the A2A JSON-RPC protocol:
// initiating and continuing tasks, polling and cancelling them, and
// streaming their events over SSE. One client may be reused across many
// agents; auth state (the token cache) is keyed per service id.
type A2AClient struct {
	HTTPClient *http.Client
	Logger     *slog.Logger

	tokenMu    sync.Mutex
	tokenCache map[string]cachedToken
	tokenGroup singleflight.Group
}

// NewClient constructs an A2AClient. If httpClient is nil, a client with
// the given timeout is created.
func NewClient(httpClient *http.Client, timeout time.Duration, logger *slog.Logger) *A2AClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &A2AClient{
		HTTPClient: httpClient,
		Logger:     logger,
		tokenCache: make(map[string]cachedToken),
	}
}

// InitiateTask sends initialMessage as the first message of a new task
// and returns the server-assigned task id.
func (c *A2AClient) InitiateTask(ctx context.Context, card *AgentCard, initialMessage Message, creds CredentialSource, mcpContext map[string]interface{}) (string, error) {
	headers, err := c.authHeaders(ctx, card, creds)
	if err != nil {
		return "", err
	}

	msg := applyMCPContext(initialMessage, mcpContext, c.Logger)
	c.Logger.Debug("initiating task", "agent", card.HumanReadableID, "preview", truncate(ExtractTextFromMessage(msg), 80))
	payload := RPCRequest{
		JSONRPC: "2.0",
		Method:  "tasks/send",
		ID:      "req-init-" + uuid.New().String(),
	}
	params, err := json.Marshal(TaskSendParams{ID: nil, Message: msg})
	if err != nil {
		return "", &MessageError{Msg: "encoding initiate task params", Cause: err}
	}
	payload.Params = params

	var result TaskSendResult
	if err := c.call(ctx, card.URL, headers, payload, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", &MessageError{Msg: "result.id is missing or empty"}
	}
	return result.ID, nil
}

// SendMessage appends message to an existing task.
func (c *A2AClient) SendMessage(ctx context.Context, card *AgentCard, taskID string, message Message, creds CredentialSource, mcpContext map[string]interface{}) error {
	if taskID == "" {
		return &MessageError{Msg: "invalid task id provided for send message"}
	}
	headers, err := c.authHeaders(ctx, card, creds)
	if err != nil {
		return err
	}

	msg := applyMCPContext(message, mcpContext, c.Logger)
	c.Logger.Debug("sending message", "taskId", taskID, "preview", truncate(ExtractTextFromMessage(msg), 80))
	id := taskID
	payload := RPCRequest{
		JSONRPC: "2.0",
		Method:  "tasks/send",
		ID:      "req-send-" + uuid.New().String(),
	}
	params, err := json.Marshal(TaskSendParams{ID: &id, Message: msg})
	if err != nil {
		return &MessageError{Msg: "encoding send message params", Cause: err}
	}
	payload.Params = params

	var result TaskSendResult
	return c.call(ctx, card.URL, headers, payload, &result)
}

// GetTaskStatus retrieves the current state of a task.
func (c *A2AClient) GetTaskStatus(ctx context.Context, card *AgentCard, taskID string, creds CredentialSource) (Task, error) {
	if taskID == "" {
		return Task{}, &MessageError{Msg: "invalid task id provided for get task status"}
	}
	headers, err := c.authHeaders(ctx, card, creds)
	if err != nil {
		return Task{}, err
	}

	payload := RPCRequest{
		JSONRPC: "2.0",
		Method:  "tasks/get",
		ID:      "req-get-" + uuid.New().String(),
	}
	params, err := json.Marshal(TaskGetParams{ID: taskID})
	if err != nil {
		return Task{}, &MessageError{Msg: "encoding get task params", Cause: err}
	}
	payload.Params = params

	var result Task
	if err := c.call(ctx, card.URL, headers, payload, &result); err != nil {
		return Task{}, err
	}
	return result, nil
}

// TerminateTask requests cancellation of a task.
func (c *A2AClient) TerminateTask(ctx context.Context, card *AgentCard, taskID string, creds CredentialSource) (bool, error) {
	if taskID == "" {
		return false, &MessageError{Msg: "invalid task id provided for terminate task"}
	}
	headers, err := c.authHeaders(ctx, card, creds)
	if err != nil {
		return false, err
	}

	payload := RPCRequest{
		JSONRPC: "2.0",
		Method:  "tasks/cancel",
		ID:      "req-cancel-" + uuid.New().String(),
	}
	params, err := json.Marshal(TaskGetParams{ID: taskID})
	if err != nil {
		return false, &MessageError{Msg: "encoding terminate task params", Cause: err}
	}
	payload.Params = params

	var result TaskCancelResult
	if err := c.call(ctx, card.URL, headers, payload, &result); err != nil {
		return false, err
	}
	if !result.Success {
		c.Logger.Warn("agent acknowledged termination but indicated failure", "taskId", taskID)
	}
	return true, nil
}

// ReceiveMessages opens an SSE subscription for taskID and sends decoded
// events on the returned channel until the stream ends, ctx is
// cancelled, or a fatal error occurs (delivered on the returned error
// channel). The caller must drain both channels.
func (c *A2AClient) ReceiveMessages(ctx context.Context, card *AgentCard, taskID string, creds CredentialSource) (<-chan A2AEvent, <-chan error) {
	events := make(chan A2AEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		if taskID == "" {
			errs <- &MessageError{Msg: "invalid task id provided for receive messages"}
			return
		}
		headers, err := c.authHeaders(ctx, card, creds)
		if err != nil {
			errs <- err
			return
		}
		headers["Accept"] = "text/event-stream"

		payload := RPCRequest{
			JSONRPC: "2.0",
			Method:  "tasks/sendSubscribe",
			ID:      "req-sub-" + uuid.New().String(),
		}
		params, err := json.Marshal(TaskGetParams{ID: taskID})
		if err != nil {
			errs <- &MessageError{Msg: "encoding subscribe params", Cause: err}
			return
		}
		payload.Params = params

		body, err := json.Marshal(payload)
		if err != nil {
			errs <- &MessageError{Msg: "encoding subscribe request", Cause: err}
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, card.URL, bytes.NewReader(body))
		if err != nil {
			errs <- &ConnectionError{Msg: "building subscribe request", Cause: err}
			return
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			errs <- classifyHTTPError(err, card.URL)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			data, _ := io.ReadAll(resp.Body)
			errs <- &RemoteAgentError{Code: resp.StatusCode, Message: string(data)}
			return
		}

		raw := make(chan sseRawEvent)
		parseErr := make(chan error, 1)
		go func() {
			parseErr <- parseSSEStream(resp.Body, raw, c.Logger)
		}()

		for ev := range raw {
			decoded, known, err := decodeEvent(ev.eventType, []byte(ev.data))
			if err != nil {
				c.Logger.Error("failed to validate SSE event", "eventType", ev.eventType, "error", err)
				continue
			}
			if !known {
				c.Logger.Warn("received unknown SSE event type", "eventType", ev.eventType)
				continue
			}
			select {
			case events <- decoded:
			case <-ctx.Done():
				return
			}
		}
		if err := <-parseErr; err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// applyMCPContext embeds mcpContext into a copy of msg's metadata under
// the "mcp_context" key, if mcpContext is non-empty.
func applyMCPContext(msg Message, mcpContext map[string]interface{}, logger *slog.Logger) Message {
	if len(mcpContext) == 0 {
		return msg
	}
	meta := make(map[string]interface{}, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	meta["mcp_context"] = mcpContext
	msg.Metadata = meta
	return msg
}

// authHeaders negotiates the first auth scheme in card.AuthSchemes the
// client can satisfy and returns the headers to attach to the request.
func (c *A2AClient) authHeaders(ctx context.Context, card *AgentCard, creds CredentialSource) (map[string]string, error) {
	for _, scheme := range card.AuthSchemes {
		switch scheme.Scheme {
		case AuthSchemeAPIKey:
			serviceID := scheme.ResolvedServiceID(card)
			key, ok := creds.GetKey(serviceID)
			if !ok || key == "" {
				return nil, &AuthenticationError{Msg: fmt.Sprintf("missing API key for service %q required by agent %q", serviceID, card.HumanReadableID)}
			}
			return map[string]string{"X-Api-Key": key}, nil

		case AuthSchemeBearer:
			serviceID := scheme.ResolvedServiceID(card)
			key, ok := creds.GetKey(serviceID)
			if !ok || key == "" {
				return nil, &AuthenticationError{Msg: fmt.Sprintf("missing bearer secret for service %q required by agent %q", serviceID, card.HumanReadableID)}
			}
			return map[string]string{"Authorization": "Bearer " + key}, nil

		case AuthSchemeOAuth2:
			return c.oauth2Headers(ctx, card, scheme, creds)

		case AuthSchemeNone:
			return map[string]string{}, nil
		}
	}
	return nil, &AuthenticationError{Msg: fmt.Sprintf("no compatible authentication scheme found for agent %q", card.HumanReadableID)}
}

// oauth2Headers performs the client-credentials grant, using a 60s
// write-time expiry buffer and coalescing concurrent refreshes for the
// same service id via singleflight.
func (c *A2AClient) oauth2Headers(ctx context.Context, card *AgentCard, scheme AuthScheme, creds CredentialSource) (map[string]string, error) {
	serviceID := scheme.ResolvedServiceID(card)
	if scheme.TokenURL == "" {
		return nil, &AuthenticationError{Msg: fmt.Sprintf("agent card specifies oauth2 scheme but is missing tokenUrl for agent %q", card.HumanReadableID)}
	}

	c.tokenMu.Lock()
	if tok, ok := c.tokenCache[serviceID]; ok {
		if tok.expiry.IsZero() || tok.expiry.After(time.Now()) {
			c.tokenMu.Unlock()
			return map[string]string{"Authorization": "Bearer " + tok.accessToken}, nil
		}
	}
	c.tokenMu.Unlock()

	result, err, _ := c.tokenGroup.Do(serviceID, func() (interface{}, error) {
		return c.fetchOAuthToken(ctx, card, scheme, serviceID, creds)
	})
	if err != nil {
		return nil, err
	}
	tok := result.(cachedToken)
	return map[string]string{"Authorization": "Bearer " + tok.accessToken}, nil
}

func (c *A2AClient) fetchOAuthToken(ctx context.Context, card *AgentCard, scheme AuthScheme, serviceID string, creds CredentialSource) (cachedToken, error) {
	clientID, ok := creds.GetOAuthClientID(serviceID)
	if !ok || clientID == "" {
		return cachedToken{}, &AuthenticationError{Msg: fmt.Sprintf("missing OAuth client id for service %q", serviceID)}
	}
	clientSecret, ok := creds.GetOAuthClientSecret(serviceID)
	if !ok || clientSecret == "" {
		return cachedToken{}, &AuthenticationError{Msg: fmt.Sprintf("missing OAuth client secret for service %q", serviceID)}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	if len(scheme.Scopes) > 0 {
		form.Set("scope", strings.Join(scheme.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, scheme.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return cachedToken{}, &AuthenticationError{Msg: "building OAuth token request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return cachedToken{}, &AuthenticationError{Msg: fmt.Sprintf("requesting OAuth token from %s", scheme.TokenURL), Cause: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return cachedToken{}, &AuthenticationError{Msg: fmt.Sprintf("token endpoint %s returned HTTP %d: %s", scheme.TokenURL, resp.StatusCode, truncate(string(body), 200))}
	}

	var tokenResp struct {
		AccessToken string  `json:"access_token"`
		TokenType   string  `json:"token_type"`
		ExpiresIn   float64 `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return cachedToken{}, &AuthenticationError{Msg: fmt.Sprintf("invalid JSON response from token endpoint %s", scheme.TokenURL), Cause: err}
	}
	if tokenResp.AccessToken == "" {
		return cachedToken{}, &AuthenticationError{Msg: fmt.Sprintf("token response from %s missing access_token", scheme.TokenURL)}
	}
	if tokenResp.TokenType != "" && !strings.EqualFold(tokenResp.TokenType, "bearer") {
		// Preserve source behavior: log, don't fail (SPEC_FULL.md §9 open question).
		c.Logger.Warn("token response has non-bearer token_type, proceeding anyway", "tokenType", tokenResp.TokenType, "tokenUrl", scheme.TokenURL)
	}

	tok := cachedToken{accessToken: tokenResp.AccessToken}
	if tokenResp.ExpiresIn > 0 {
		tok.expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - cacheExpiryBuffer)
	}

	c.tokenMu.Lock()
	c.tokenCache[serviceID] = tok
	c.tokenMu.Unlock()

	return tok, nil
}

// call performs a non-streaming JSON-RPC request and decodes its result
// into out.
func (c *A2AClient) call(ctx context.Context, agentURL string, headers map[string]string, req RPCRequest, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return &MessageError{Msg: "encoding request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL, bytes.NewReader(body))
	if err != nil {
		return &ConnectionError{Msg: "building request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return classifyHTTPError(err, agentURL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectionError{Msg: "reading response body", Cause: err}
	}
	if resp.StatusCode >= 300 {
		return &RemoteAgentError{Code: resp.StatusCode, Message: truncate(string(data), 200)}
	}

	var envelope RPCResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return &MessageError{Msg: fmt.Sprintf("failed to decode JSON response, status %d", resp.StatusCode), Cause: err}
	}
	if envelope.Error != nil {
		return &RemoteAgentError{Code: envelope.Error.Code, Message: envelope.Error.Message, Data: envelope.Error.Data}
	}
	if envelope.Result == nil {
		return &MessageError{Msg: "invalid JSON-RPC response: missing result"}
	}

	resultBytes, err := json.Marshal(envelope.Result)
	if err != nil {
		return &MessageError{Msg: "re-encoding result", Cause: err}
	}
	if err := json.Unmarshal(resultBytes, out); err != nil {
		return &MessageError{Msg: "failed to validate result structure", Cause: err}
	}
	return nil
}

func classifyHTTPError(err error, targetURL string) error {
	if ue, ok := err.(*url.Error); ok {
		if ue.Timeout() {
			return &TimeoutError{Msg: fmt.Sprintf("request timed out for %s", targetURL), Cause: err}
		}
	}
	return &ConnectionError{Msg: fmt.Sprintf("connection failed for %s", targetURL), Cause: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
