package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	keys          map[string]string
	clientIDs     map[string]string
	clientSecrets map[string]string
}

func (f *fakeCreds) GetKey(id string) (string, bool)             { v, ok := f.keys[id]; return v, ok }
func (f *fakeCreds) GetOAuthClientID(id string) (string, bool)     { v, ok := f.clientIDs[id]; return v, ok }
func (f *fakeCreds) GetOAuthClientSecret(id string) (string, bool) { v, ok := f.clientSecrets[id]; return v, ok }

func TestInitiateTaskAPIKeyHappyPath(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		var req RPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tasks/send", req.Method)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: TaskSendResult{ID: "t-7"}})
	}))
	defer srv.Close()

	card := &AgentCard{
		HumanReadableID: "demo",
		URL:             srv.URL,
		AuthSchemes:     []AuthScheme{{Scheme: AuthSchemeAPIKey, ServiceIdentifier: "demo"}},
	}
	creds := &fakeCreds{keys: map[string]string{"demo": "secret-123"}}

	client := NewClient(nil, 5*time.Second, nil)
	id, err := client.InitiateTask(context.Background(), card, CreateUserMessage("hi"), creds, nil)
	require.NoError(t, err)
	assert.Equal(t, "t-7", id)
	assert.Equal(t, "secret-123", gotHeader)
}

func TestInitiateTaskMissingAPIKey(t *testing.T) {
	card := &AgentCard{
		HumanReadableID: "demo",
		URL:             "http://example.invalid",
		AuthSchemes:     []AuthScheme{{Scheme: AuthSchemeAPIKey, ServiceIdentifier: "demo"}},
	}
	client := NewClient(nil, 5*time.Second, nil)
	_, err := client.InitiateTask(context.Background(), card, CreateUserMessage("hi"), &fakeCreds{}, nil)
	require.Error(t, err)
	assert.IsType(t, &AuthenticationError{}, err)
}

func TestInitiateTaskRemoteErrorPropagation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &RPCError{Code: -32000, Message: "boom", Data: map[string]interface{}{"x": float64(1)}},
		})
	}))
	defer srv.Close()

	card := &AgentCard{
		HumanReadableID: "demo",
		URL:             srv.URL,
		AuthSchemes:     []AuthScheme{{Scheme: AuthSchemeNone}},
	}
	client := NewClient(nil, 5*time.Second, nil)
	_, err := client.InitiateTask(context.Background(), card, CreateUserMessage("hi"), &fakeCreds{}, nil)
	require.Error(t, err)
	var remoteErr *RemoteAgentError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, -32000, remoteErr.Code)
	assert.Equal(t, "boom", remoteErr.Message)
}

func TestOAuth2TokenCacheHit(t *testing.T) {
	var tokenCalls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "AT1", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	var gotAuth []string
	rpcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		var req RPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: TaskSendResult{ID: "t-1"}})
	}))
	defer rpcSrv.Close()

	card := &AgentCard{
		HumanReadableID: "demo",
		URL:             rpcSrv.URL,
		AuthSchemes:     []AuthScheme{{Scheme: AuthSchemeOAuth2, ServiceIdentifier: "demo", TokenURL: tokenSrv.URL}},
	}
	creds := &fakeCreds{clientIDs: map[string]string{"demo": "cid"}, clientSecrets: map[string]string{"demo": "secret"}}

	client := NewClient(nil, 5*time.Second, nil)
	_, err := client.InitiateTask(context.Background(), card, CreateUserMessage("hi"), creds, nil)
	require.NoError(t, err)

	_, err = client.InitiateTask(context.Background(), card, CreateUserMessage("hi again"), creds, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&tokenCalls), "second call must reuse the cached token")
	require.Len(t, gotAuth, 2)
	assert.Equal(t, "Bearer AT1", gotAuth[0])
	assert.Equal(t, "Bearer AT1", gotAuth[1])
}

func TestApplyMCPContextPreservesExistingMetadata(t *testing.T) {
	msg := Message{Role: MessageRoleUser, Metadata: map[string]interface{}{"existing": "value"}}
	out := applyMCPContext(msg, map[string]interface{}{"key": "val"}, nil)
	assert.Equal(t, "value", out.Metadata["existing"])
	assert.Equal(t, map[string]interface{}{"key": "val"}, out.Metadata["mcp_context"])
	assert.Nil(t, msg.Metadata["mcp_context"], "original message must not be mutated")
}
