package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kadirpekel/agentvault/pkg/metrics"
)

// TaskStore is the shape of task storage the server's built-in handlers
// depend on. It is declared here, not in pkg/task, so this package has no
// import-cycle back to the store implementation; pkg/task.Store is
// structurally identical and satisfies this interface without any
// adapter.
type TaskStore interface {
	CreateTask(initialMessage Message) (Task, error)
	GetTask(taskID string) (Task, bool)
	AppendMessage(taskID string, message Message) error
	AppendArtifact(taskID string, artifact Artifact) error
	SetState(taskID string, newState TaskState) error
	Subscribe(taskID string) (<-chan A2AEvent, error)
}

// Server dispatches JSON-RPC 2.0 requests to registered methods and
// serves task event streams over SSE. The four built-in methods
// (tasks/send, tasks/get, tasks/cancel, tasks/sendSubscribe) are
// registered against Store in NewServer; additional methods are added
// with Register/RegisterWithStore.
type Server struct {
	Store   TaskStore
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	mu       sync.Mutex
	handlers map[string]*handler
}

// NewServer constructs a Server backed by store and registers the four
// built-in task-lifecycle methods. m may be nil to disable metrics
// collection.
func NewServer(store TaskStore, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	s := &Server{
		Store:    store,
		Logger:   logger,
		Metrics:  m,
		handlers: make(map[string]*handler),
	}

	if err := RegisterWithStore(s, "tasks/send", handleTasksSend); err != nil {
		return nil, err
	}
	if err := RegisterWithStore(s, "tasks/get", handleTasksGet); err != nil {
		return nil, err
	}
	if err := RegisterWithStore(s, "tasks/cancel", handleTasksCancel); err != nil {
		return nil, err
	}
	// tasks/sendSubscribe is handled specially by ServeHTTP (it upgrades
	// the response to an SSE stream rather than returning a single
	// RPCResponse), but it is still registered so MethodNotFound
	// reporting and schema introspection see it like any other method.
	if err := RegisterWithStore(s, "tasks/sendSubscribe", handleTasksGet); err != nil {
		return nil, err
	}
	return s, nil
}

func handleTasksSend(ctx context.Context, store TaskStoreAccessor, p TaskSendParams) (TaskSendResult, error) {
	if p.ID == nil || *p.ID == "" {
		t, err := store.CreateTask(p.Message)
		if err != nil {
			return TaskSendResult{}, err
		}
		return TaskSendResult{ID: t.ID}, nil
	}
	if err := store.AppendMessage(*p.ID, p.Message); err != nil {
		return TaskSendResult{}, err
	}
	return TaskSendResult{ID: *p.ID}, nil
}

func handleTasksGet(ctx context.Context, store TaskStoreAccessor, p TaskGetParams) (Task, error) {
	t, ok := store.GetTask(p.ID)
	if !ok {
		return Task{}, &TaskNotFoundError{TaskID: p.ID}
	}
	return t, nil
}

func handleTasksCancel(ctx context.Context, store TaskStoreAccessor, p TaskGetParams) (TaskCancelResult, error) {
	if err := store.SetState(p.ID, TaskStateCanceled); err != nil {
		if _, unknown := err.(*TaskNotFoundError); unknown {
			return TaskCancelResult{}, err
		}
		return TaskCancelResult{Success: false}, nil
	}
	return TaskCancelResult{Success: true}, nil
}

// Dispatch executes a single JSON-RPC request and returns the response
// envelope to send back. It never returns a transport-level error: every
// failure is encoded into RPCResponse.Error per the JSON-RPC spec.
func (s *Server) Dispatch(ctx context.Context, req RPCRequest) RPCResponse {
	start := time.Now()
	resp := RPCResponse{JSONRPC: "2.0", ID: req.ID}

	if req.JSONRPC != "2.0" || req.Method == "" {
		resp.Error = &RPCError{Code: CodeInvalidRequest, Message: "invalid request envelope"}
		s.Metrics.RecordRequest(req.Method, CodeInvalidRequest, time.Since(start))
		return resp
	}

	s.mu.Lock()
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()
	if !ok {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
		s.Metrics.RecordRequest(req.Method, CodeMethodNotFound, time.Since(start))
		return resp
	}

	result, err := h.invoke(ctx, s.Store, req.Params)
	if err != nil {
		resp.Error = s.errorToRPC(err)
		s.Metrics.RecordRequest(req.Method, resp.Error.Code, time.Since(start))
		return resp
	}
	resp.Result = result
	s.Metrics.RecordRequest(req.Method, 0, time.Since(start))
	return resp
}

// errorToRPC maps the closed error taxonomy to JSON-RPC error codes per
// SPEC_FULL.md §7.
func (s *Server) errorToRPC(err error) *RPCError {
	switch e := err.(type) {
	case *ValidationError:
		return &RPCError{Code: CodeInvalidParams, Message: e.Error()}
	case *TaskNotFoundError:
		return &RPCError{Code: CodeTaskNotFound, Message: e.Error()}
	case *AppError:
		return &RPCError{Code: CodeAppError, Message: e.Error()}
	default:
		s.logger().Error("internal error dispatching request", "error", err)
		return &RPCError{Code: CodeInternalError, Message: "internal error"}
	}
}

// ServeHTTP handles a single JSON-RPC POST. A request for the
// tasks/sendSubscribe method upgrades the connection to an SSE stream of
// A2AEvents for the task named by its params instead of a single JSON
// response.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Metrics.RecordRequest("", CodeParseError, 0)
		s.writeJSON(w, RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "invalid JSON"}})
		return
	}

	if req.Method == "tasks/sendSubscribe" {
		s.serveSubscribe(w, r, req)
		return
	}

	resp := s.Dispatch(r.Context(), req)
	s.writeJSON(w, resp)
}

func (s *Server) serveSubscribe(w http.ResponseWriter, r *http.Request, req RPCRequest) {
	start := time.Now()
	params, err := decodeParams[TaskGetParams](req.Params)
	if err != nil {
		rpcErr := s.errorToRPC(err)
		s.Metrics.RecordRequest(req.Method, rpcErr.Code, time.Since(start))
		s.writeJSON(w, RPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	ch, err := s.Store.Subscribe(params.ID)
	if err != nil {
		rpcErr := s.errorToRPC(err)
		s.Metrics.RecordRequest(req.Method, rpcErr.Code, time.Since(start))
		s.writeJSON(w, RPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}
	s.Metrics.RecordRequest(req.Method, 0, time.Since(start))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flushIfPossible(w)

	s.Metrics.IncSubscriptions()
	defer s.Metrics.DecSubscriptions()

	var errs <-chan error
	if src, ok := s.Store.(StreamErrorSource); ok {
		errs = src.SubscribeErrors(params.ID)
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger().Error("task event source failed", "taskId", params.ID, "error", err)
			frame, marshalErr := json.Marshal(sseErrorFrame{Error: "stream_error", Message: err.Error()})
			if marshalErr == nil {
				writeSSEFrame(w, "error", frame)
				flushIfPossible(w)
			}
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger().Error("failed to marshal event for subscriber", "error", err)
				frame, marshalErr := json.Marshal(sseErrorFrame{Error: "serialization_error", Message: fmt.Sprintf("%T", ev)})
				if marshalErr == nil {
					if err := writeSSEFrame(w, "error", frame); err != nil {
						return
					}
					flushIfPossible(w)
				}
				continue
			}
			if err := writeSSEFrame(w, ev.eventName(), data); err != nil {
				return
			}
			flushIfPossible(w)
		}
	}
}

// sseErrorFrame is the body of an `event: error` SSE frame emitted for
// both the serialization_error and stream_error cases of SPEC_FULL.md
// §4.3's SSE emission contract.
type sseErrorFrame struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StreamErrorSource is implemented by a TaskStore whose event source can
// fail asynchronously, after Subscribe has already returned a channel.
// serveSubscribe watches the returned channel and, on receipt of an
// error, emits one stream_error SSE frame and closes the connection per
// SPEC_FULL.md §4.3. InMemoryStore does not implement this interface: its
// broadcast loop has no failure mode once a subscription is established,
// so there is nothing for it to report.
type StreamErrorSource interface {
	SubscribeErrors(taskID string) <-chan error
}

// writeJSON writes resp as the HTTP response body. Every JSON-RPC error
// code maps to HTTP 200 except CodeInternalError, which is surfaced as
// HTTP 500 per SPEC_FULL.md §4.3/§6/§7.
func (s *Server) writeJSON(w http.ResponseWriter, resp RPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if resp.Error != nil && resp.Error.Code == CodeInternalError {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger().Error("failed to write response", "error", err)
	}
}
