package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentvault/pkg/metrics"
)

type memStore struct {
	tasks map[string]Task
}

func newMemStore() *memStore { return &memStore{tasks: make(map[string]Task)} }

func (m *memStore) CreateTask(initialMessage Message) (Task, error) {
	t := Task{ID: "t-1", Status: TaskStatus{State: TaskStateSubmitted}, History: []Message{initialMessage}}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *memStore) GetTask(taskID string) (Task, bool) {
	t, ok := m.tasks[taskID]
	return t, ok
}

func (m *memStore) AppendMessage(taskID string, message Message) error {
	t, ok := m.tasks[taskID]
	if !ok {
		return &TaskNotFoundError{TaskID: taskID}
	}
	t.History = append(t.History, message)
	m.tasks[taskID] = t
	return nil
}

func (m *memStore) AppendArtifact(taskID string, artifact Artifact) error {
	return nil
}

func (m *memStore) SetState(taskID string, newState TaskState) error {
	t, ok := m.tasks[taskID]
	if !ok {
		return &TaskNotFoundError{TaskID: taskID}
	}
	if t.Status.State.IsTerminal() {
		return &ValidationError{Msg: "already terminal"}
	}
	t.Status.State = newState
	m.tasks[taskID] = t
	return nil
}

func (m *memStore) Subscribe(taskID string) (<-chan A2AEvent, error) {
	if _, ok := m.tasks[taskID]; !ok {
		return nil, &TaskNotFoundError{TaskID: taskID}
	}
	ch := make(chan A2AEvent)
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(newMemStore(), nil, nil)
	require.NoError(t, err)
	return s
}

func TestDispatchTasksSendCreatesTask(t *testing.T) {
	s := newTestServer(t)
	params, _ := json.Marshal(TaskSendParams{Message: CreateUserMessage("hi")})
	resp := s.Dispatch(context.Background(), RPCRequest{JSONRPC: "2.0", Method: "tasks/send", Params: params, ID: "1"})
	require.Nil(t, resp.Error)
	assert.Equal(t, "1", resp.ID)
}

func TestDispatchUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	resp := s.Dispatch(context.Background(), RPCRequest{JSONRPC: "2.0", Method: "bogus", Params: json.RawMessage(`{}`), ID: 42})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.EqualValues(t, 42, resp.ID)
}

func TestDispatchTaskNotFound(t *testing.T) {
	s := newTestServer(t)
	params, _ := json.Marshal(TaskGetParams{ID: "nope"})
	resp := s.Dispatch(context.Background(), RPCRequest{JSONRPC: "2.0", Method: "tasks/get", Params: params, ID: "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTaskNotFound, resp.Error.Code)
}

func TestDispatchInvalidRequestEnvelope(t *testing.T) {
	s := newTestServer(t)
	resp := s.Dispatch(context.Background(), RPCRequest{JSONRPC: "1.0", Method: "tasks/get"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestServeHTTPMethodNotFoundIsHTTP200(t *testing.T) {
	s := newTestServer(t)
	body := `{"jsonrpc":"2.0","method":"bogus","params":{},"id":42}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestServeHTTPParseErrorHasNullID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
	assert.Nil(t, resp.ID)
}

func TestServeHTTPSubscribeUnknownTaskReturnsErrorNoSSE(t *testing.T) {
	s := newTestServer(t)
	body := `{"jsonrpc":"2.0","method":"tasks/sendSubscribe","params":{"id":"nope"},"id":"s1"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTaskNotFound, resp.Error.Code)
}

func TestTaskCancelTerminalIsIdempotentFalse(t *testing.T) {
	store := newMemStore()
	s, err := NewServer(store, nil, nil)
	require.NoError(t, err)

	params, _ := json.Marshal(TaskSendParams{Message: CreateUserMessage("hi")})
	created := s.Dispatch(context.Background(), RPCRequest{JSONRPC: "2.0", Method: "tasks/send", Params: params, ID: "1"})
	require.Nil(t, created.Error)

	cancelParams, _ := json.Marshal(TaskGetParams{ID: "t-1"})
	first := s.Dispatch(context.Background(), RPCRequest{JSONRPC: "2.0", Method: "tasks/cancel", Params: cancelParams, ID: "2"})
	require.Nil(t, first.Error)

	second := s.Dispatch(context.Background(), RPCRequest{JSONRPC: "2.0", Method: "tasks/cancel", Params: cancelParams, ID: "3"})
	require.Nil(t, second.Error)
	result, ok := second.Result.(TaskCancelResult)
	if !ok {
		raw, _ := json.Marshal(second.Result)
		var r TaskCancelResult
		require.NoError(t, json.Unmarshal(raw, &r))
		result = r
	}
	assert.False(t, result.Success)
}

func TestNewServerAcceptsNilMetrics(t *testing.T) {
	s, err := NewServer(newMemStore(), nil, (*metrics.Metrics)(nil))
	require.NoError(t, err)
	assert.NotNil(t, s)
}

// explodingStore wraps memStore but fails AppendMessage with a plain,
// untyped error so errorToRPC falls through to its default branch.
type explodingStore struct{ *memStore }

func (e *explodingStore) AppendMessage(taskID string, message Message) error {
	return errors.New("boom: unexpected failure")
}

// unmarshalableEvent implements A2AEvent but fails json.Marshal (Go
// cannot encode a plain function value), to exercise the
// serialization_error SSE frame.
type unmarshalableEvent struct {
	Fn func()
}

func (unmarshalableEvent) eventName() string { return "task_status" }

func TestServeSubscribeSerializationErrorEmitsErrorFrame(t *testing.T) {
	store := newMemStore()
	store.tasks["t-1"] = Task{ID: "t-1", Status: TaskStatus{State: TaskStateSubmitted}}
	ch := make(chan A2AEvent, 1)
	ch <- unmarshalableEvent{Fn: func() {}}
	close(ch)
	s, err := NewServer(&fixedChannelStore{memStore: store, ch: ch}, nil, nil)
	require.NoError(t, err)

	body := `{"jsonrpc":"2.0","method":"tasks/sendSubscribe","params":{"id":"t-1"},"id":"s1"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "event: error")
	assert.Contains(t, rec.Body.String(), "serialization_error")
}

// fixedChannelStore wraps memStore but returns a pre-populated channel
// from Subscribe regardless of the requested task, so tests can feed
// arbitrary (including unmarshalable) events to serveSubscribe.
type fixedChannelStore struct {
	*memStore
	ch chan A2AEvent
}

func (f *fixedChannelStore) Subscribe(taskID string) (<-chan A2AEvent, error) {
	return f.ch, nil
}

// erroringStreamStore reports a stream_error on its SubscribeErrors
// channel as soon as it is read, exercising serveSubscribe's
// StreamErrorSource path.
type erroringStreamStore struct {
	*memStore
}

func (e *erroringStreamStore) Subscribe(taskID string) (<-chan A2AEvent, error) {
	ch := make(chan A2AEvent)
	return ch, nil
}

func (e *erroringStreamStore) SubscribeErrors(taskID string) <-chan error {
	errs := make(chan error, 1)
	errs <- errors.New("upstream event source crashed")
	return errs
}

func TestServeSubscribeStreamErrorEmitsErrorFrame(t *testing.T) {
	store := newMemStore()
	store.tasks["t-1"] = Task{ID: "t-1", Status: TaskStatus{State: TaskStateSubmitted}}
	s, err := NewServer(&erroringStreamStore{memStore: store}, nil, nil)
	require.NoError(t, err)

	body := `{"jsonrpc":"2.0","method":"tasks/sendSubscribe","params":{"id":"t-1"},"id":"s1"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "event: error")
	assert.Contains(t, rec.Body.String(), "stream_error")
	assert.Contains(t, rec.Body.String(), "upstream event source crashed")
}

func TestServeHTTPInternalErrorIsHTTP500(t *testing.T) {
	store := newMemStore()
	store.tasks["t-1"] = Task{ID: "t-1", Status: TaskStatus{State: TaskStateSubmitted}}
	s, err := NewServer(&explodingStore{memStore: store}, nil, nil)
	require.NoError(t, err)

	body := `{"jsonrpc":"2.0","method":"tasks/send","params":{"id":"t-1","message":{"role":"user","parts":[]}},"id":"1"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
}
