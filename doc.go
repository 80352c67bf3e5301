// Package agentvault implements the core of the Agent-to-Agent (A2A)
// protocol: a JSON-RPC 2.0 client and server for task lifecycle
// management, Server-Sent Events streaming of task updates, and a
// layered credential resolver for client-side auth negotiation.
//
// # Packages
//
//	pkg/a2a        - protocol types, JSON-RPC client/server, SSE codec
//	pkg/task       - TaskStore contract and in-memory reference store
//	pkg/credential - file/env/keyring credential resolution
//	pkg/config     - process configuration loading (.env files)
//	pkg/logger     - structured logging setup
//
// # Architecture
//
// A remote agent is described by an AgentCard: its URL, declared
// AuthSchemes, and protocol capabilities. A2AClient negotiates the
// first auth scheme it can satisfy against a credential.Resolver, then
// drives a task through tasks/send, tasks/get, tasks/cancel, and
// tasks/sendSubscribe against that URL. A2AServer dispatches the same
// methods against a task.Store, and additional application methods are
// added with a2a.Register/a2a.RegisterWithStore.
//
// # Status
//
// This module implements the protocol core only; it does not include
// an agent runtime, LLM integration, or declarative configuration
// layer.
package agentvault
