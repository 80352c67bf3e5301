package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"
)

// handler is the type-erased form every registered method is reduced to
// for storage in the server's dispatch map. Go has no runtime decorator
// or reflection-based method-scanning equivalent to the source's
// attribute-driven discovery; Register below is the idiomatic
// replacement described in SPEC_FULL.md §6: explicit, generic
// registration with the parameter/result schema derived once, at
// registration time, from the Go type itself.
type handler struct {
	paramsSchema map[string]interface{}
	resultSchema map[string]interface{}
	invoke       func(ctx context.Context, store TaskStoreAccessor, raw json.RawMessage) (interface{}, error)
}

// TaskStoreAccessor is the narrow view of a TaskStore a handler may
// declare a dependency on via RegisterWithStore.
type TaskStoreAccessor interface {
	TaskStore
}

// generateSchema reflects a Go struct type into a JSON Schema map,
// following the teacher codebase's functiontool.generateSchema: struct
// tags (`json`, `jsonschema`) drive field names, optionality, and
// descriptions.
func generateSchema[T any]() (map[string]interface{}, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m, nil
}

// decodeParams coerces a raw JSON-RPC params value into Params, via a
// JSON-decode pass (to get map[string]interface{}) followed by a
// mapstructure decode (to pick up the richer coercion rules -
// string-to-duration, weak typing for numeric strings, etc. - the
// teacher's pkg/config loader relies on for the same kind of
// free-form-map-to-struct conversion).
func decodeParams[Params any](raw json.RawMessage) (Params, error) {
	var zero Params
	var asMap map[string]interface{}
	if len(raw) == 0 || string(raw) == "null" {
		asMap = map[string]interface{}{}
	} else if err := json.Unmarshal(raw, &asMap); err != nil {
		return zero, &ValidationError{Msg: "params must be a JSON object", Cause: err}
	}

	var out Params
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(mapstructure.StringToTimeDurationHookFunc()),
		WeaklyTypedInput: true,
		Result:           &out,
		TagName:          "json",
	})
	if err != nil {
		return zero, &ValidationError{Msg: "building params decoder", Cause: err}
	}
	if err := dec.Decode(asMap); err != nil {
		return zero, &ValidationError{Msg: "invalid parameters", Cause: err}
	}
	return out, nil
}

// Register binds a handler function to an RPC method name. The
// parameter schema is derived from Params and the result schema from
// Result, both cached for the lifetime of the server. Re-registering an
// existing method name overwrites the previous handler; the caller
// should log the overwrite (the Server does, with a warning, matching
// SPEC_FULL.md §4.3's "duplicate annotation names overwrite with a
// warning").
func Register[Params any, Result any](s *Server, method string, fn func(context.Context, Params) (Result, error)) error {
	return RegisterWithStore(s, method, func(ctx context.Context, _ TaskStoreAccessor, p Params) (Result, error) {
		return fn(ctx, p)
	})
}

// RegisterWithStore is Register for handlers that declare a dependency
// on the server's task store, injected as the second argument.
func RegisterWithStore[Params any, Result any](s *Server, method string, fn func(context.Context, TaskStoreAccessor, Params) (Result, error)) error {
	paramsSchema, err := generateSchema[Params]()
	if err != nil {
		return fmt.Errorf("register %s: %w", method, err)
	}
	resultSchema, err := generateSchema[Result]()
	if err != nil {
		return fmt.Errorf("register %s: %w", method, err)
	}

	h := &handler{
		paramsSchema: paramsSchema,
		resultSchema: resultSchema,
		invoke: func(ctx context.Context, store TaskStoreAccessor, raw json.RawMessage) (interface{}, error) {
			if len(raw) != 0 && string(raw) != "null" {
				if err := validateAgainstSchema(paramsSchema, raw); err != nil {
					return nil, &ValidationError{Msg: "params failed schema validation", Cause: err}
				}
			}
			params, err := decodeParams[Params](raw)
			if err != nil {
				return nil, err
			}
			result, err := fn(ctx, store, params)
			if err != nil {
				return nil, err
			}
			resultBytes, err := json.Marshal(result)
			if err != nil {
				return nil, &MessageError{Msg: "encoding result for schema validation", Cause: err}
			}
			if err := validateAgainstSchema(resultSchema, resultBytes); err != nil {
				return nil, &MessageError{Msg: "handler result failed schema validation", Cause: err}
			}
			return result, nil
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[method]; exists {
		s.logger().Warn("overwriting existing handler registration", "method", method)
	}
	s.handlers[method] = h
	return nil
}

// validateAgainstSchema checks data against a JSON Schema produced by
// generateSchema, following the teacher pack's schema/validate.go
// (AltairaLabs-PromptKit): load the schema as a Go value, the data as raw
// bytes, and convert gojsonschema's error list into one message.
func validateAgainstSchema(schema map[string]interface{}, data []byte) error {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("running schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
