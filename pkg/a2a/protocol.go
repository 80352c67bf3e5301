// Package a2a implements the Agent-to-Agent (A2A) protocol core: the
// JSON-RPC 2.0 envelope, task/message/artifact data model, and the
// Server-Sent Events wire format used to stream task updates.
package a2a

import (
	"encoding/json"
	"time"
)

// AuthSchemeType enumerates the authentication schemes an AgentCard may
// declare.
type AuthSchemeType string

const (
	AuthSchemeAPIKey AuthSchemeType = "apiKey"
	AuthSchemeBearer AuthSchemeType = "bearer"
	AuthSchemeOAuth2 AuthSchemeType = "oauth2"
	AuthSchemeNone   AuthSchemeType = "none"
)

// AuthScheme describes one way a client may authenticate to an agent.
// AgentCard.AuthSchemes is a non-empty, ordered list; A2AClient negotiates
// by taking the first scheme in the list it can satisfy.
type AuthScheme struct {
	Scheme            AuthSchemeType `json:"scheme"`
	ServiceIdentifier string         `json:"serviceIdentifier,omitempty"`
	TokenURL          string         `json:"tokenUrl,omitempty"`
	Scopes            []string       `json:"scopes,omitempty"`
}

// ResolvedServiceID returns the service identifier to use for credential
// lookup: the scheme's own ServiceIdentifier if set, else the card's
// HumanReadableID.
func (s AuthScheme) ResolvedServiceID(card *AgentCard) string {
	if s.ServiceIdentifier != "" {
		return s.ServiceIdentifier
	}
	return card.HumanReadableID
}

// AgentCapabilities advertises protocol-level feature support.
type AgentCapabilities struct {
	A2AVersion            string   `json:"a2aVersion"`
	MCPVersion            string   `json:"mcpVersion,omitempty"`
	SupportedMessageParts []string `json:"supportedMessageParts,omitempty"`
}

// AgentCard is the immutable, out-of-band descriptor of a remote agent.
type AgentCard struct {
	HumanReadableID string            `json:"humanReadableId"`
	AgentVersion    string            `json:"agentVersion"`
	SchemaVersion   string            `json:"schemaVersion"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	URL             string            `json:"url"`
	AuthSchemes     []AuthScheme      `json:"authSchemes"`
	Capabilities    AgentCapabilities `json:"capabilities"`
}

// MessageRole identifies the sender of a Message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartTypeText PartType = "text"
	PartTypeFile PartType = "file"
	PartTypeData PartType = "data"
)

// FilePart carries inline or referenced file content.
type FilePart struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Part is one chunk of message content. The protocol treats content as
// transparent: only Type selects how a consumer should interpret it.
type Part struct {
	Type PartType    `json:"type"`
	Text string      `json:"text,omitempty"`
	File *FilePart   `json:"file,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// Message is an opaque payload exchanged between client and agent, plus
// optional metadata. The mcp_context key under Metadata is reserved for
// MCP context injection (see A2AClient).
type Message struct {
	Role     MessageRole            `json:"role"`
	Parts    []Part                 `json:"parts"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TaskState is one position in the task lifecycle state machine.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "SUBMITTED"
	TaskStateWorking       TaskState = "WORKING"
	TaskStateInputRequired TaskState = "INPUT_REQUIRED"
	TaskStateCompleted     TaskState = "COMPLETED"
	TaskStateFailed        TaskState = "FAILED"
	TaskStateCanceled      TaskState = "CANCELED"
)

// IsTerminal reports whether no further transitions are allowed from this
// state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// CanTransitionTo enforces the state machine in SPEC_FULL.md §4.3:
//
//	SUBMITTED -> WORKING -> {COMPLETED, FAILED, CANCELED}
//	SUBMITTED -> INPUT_REQUIRED <-> WORKING
//	any non-terminal -> CANCELED
func (s TaskState) CanTransitionTo(next TaskState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == TaskStateCanceled {
		return true
	}
	switch s {
	case TaskStateSubmitted:
		return next == TaskStateWorking || next == TaskStateInputRequired
	case TaskStateWorking:
		return next == TaskStateCompleted || next == TaskStateFailed || next == TaskStateInputRequired
	case TaskStateInputRequired:
		return next == TaskStateWorking
	}
	return false
}

// Artifact is a server-produced output attached to a task.
type Artifact struct {
	ID       string `json:"id"`
	Version  int    `json:"version"`
	Name     string `json:"name,omitempty"`
	Parts    []Part `json:"parts"`
	MimeType string `json:"mimeType,omitempty"`
}

// TaskStatus is the current lifecycle position plus the message that
// caused it, if any.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is the unit of long-running work addressed by the protocol.
type Task struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status"`
	History   []Message  `json:"history"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// --- A2AEvent sum type -------------------------------------------------

// A2AEvent is the tagged union streamed over SSE: exactly one of
// TaskStatusUpdateEvent, TaskMessageEvent, or TaskArtifactUpdateEvent.
type A2AEvent interface {
	// eventName returns the SSE `event:` field value used to emit this
	// variant; it is unexported because only this package may add
	// variants to the union.
	eventName() string
}

// TaskStatusUpdateEvent reports a task status transition.
type TaskStatusUpdateEvent struct {
	TaskID    string    `json:"taskId"`
	State     TaskState `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Message   *Message  `json:"message,omitempty"`
}

func (TaskStatusUpdateEvent) eventName() string { return "task_status" }

// TaskMessageEvent carries a new message appended to a task.
type TaskMessageEvent struct {
	TaskID    string    `json:"taskId"`
	Message   Message   `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (TaskMessageEvent) eventName() string { return "task_message" }

// TaskArtifactUpdateEvent carries a new or updated artifact.
type TaskArtifactUpdateEvent struct {
	TaskID    string    `json:"taskId"`
	Artifact  Artifact  `json:"artifact"`
	Timestamp time.Time `json:"timestamp"`
}

func (TaskArtifactUpdateEvent) eventName() string { return "task_artifact" }

// eventAliases maps every accepted SSE event name to the canonical
// variant it decodes into. "message" is kept as a permanent alias for
// "task_message" (see SPEC_FULL.md §9 open question).
var eventAliases = map[string]string{
	"task_status":   "task_status",
	"task_message":  "task_message",
	"task_artifact": "task_artifact",
	"message":       "task_message",
}

// decodeEvent builds the A2AEvent variant named by eventType from the raw
// JSON payload. An unrecognised eventType returns (nil, false) so the
// caller can log-and-drop; a recognised type with malformed JSON returns
// a json error.
func decodeEvent(eventType string, data []byte) (A2AEvent, bool, error) {
	canonical, ok := eventAliases[eventType]
	if !ok {
		return nil, false, nil
	}
	switch canonical {
	case "task_status":
		var ev TaskStatusUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, true, err
		}
		return ev, true, nil
	case "task_message":
		var ev TaskMessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, true, err
		}
		return ev, true, nil
	case "task_artifact":
		var ev TaskArtifactUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, true, err
		}
		return ev, true, nil
	}
	return nil, false, nil
}

// --- JSON-RPC envelope ---------------------------------------------------

// RPCRequest is the JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RPCResponse is the JSON-RPC 2.0 response envelope. Exactly one of
// Result / Error is populated.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Standard and application-specific JSON-RPC error codes (SPEC_FULL.md §6).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeAppError       = -32000
	CodeTaskNotFound   = -32001
)

// --- Built-in RPC method params/results -----------------------------------

// TaskSendParams is the shared params shape for tasks/send: a null/absent
// ID creates a new task, a present ID continues an existing one.
type TaskSendParams struct {
	ID      *string `json:"id"`
	Message Message `json:"message"`
}

// TaskSendResult is returned by tasks/send.
type TaskSendResult struct {
	ID string `json:"id"`
}

// TaskGetParams is the params shape for tasks/get and tasks/sendSubscribe.
type TaskGetParams struct {
	ID string `json:"id"`
}

// TaskCancelResult is returned by tasks/cancel. Success=false is a
// successful RPC indicating the task could not be cancelled.
type TaskCancelResult struct {
	Success bool `json:"success"`
}
