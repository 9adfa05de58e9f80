// Package core defines the shared data model of agentstream: content blocks
// (the persisted units of conversation state), their typed payloads, and the
// stream events delivered to observers. Higher layers (store, orchestrator,
// stream, gateway) depend on core; core depends on nothing but the standard
// library and uuid.
package core
