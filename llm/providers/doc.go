// Package providers holds the adapters and shared helpers common to every
// chat-completion driver the gateway ships: the OpenAI-compatible wire
// types, the HTTP-status-to-llm.Error classification table, and the
// message/tool conversion helpers that the openai and openaicompat
// driver packages build on.
package providers
