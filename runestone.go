// Package runestone is an OpenAI-compatible HTTP gateway that fronts
// multiple LLM providers behind a single admission, routing and resilience
// layer.
//
// The gateway's components live under internal/ (keystore, ratelimit,
// failover, overflow, relay, metrics) and llm/ (provider drivers, circuit
// breaker, retry policy, router). cmd/runestone wires them together behind
// the HTTP surface in api/.
package runestone
