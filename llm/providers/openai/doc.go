// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package openai drives OpenAI's chat API.

# Core type

  - Provider — embeds openaicompat.Provider for the Chat Completions path
    and overrides Completion to route to the newer Responses API
    (/v1/responses) when OpenAIConfig.UseResponsesAPI is set.

# Capabilities

  - Chat Completions (/v1/chat/completions, delegated to openaicompat)
  - Responses API (/v1/responses, with previous_response_id threading)
  - Streaming (SSE, delegated to openaicompat)
  - Native function calling / tool use
  - Organization header support
  - Request rewriting via llm/middleware.RewriterChain
  - Per-request credential override via llm.CredentialOverrideFromContext

Image, audio, and embedding generation and fine-tuning job management are
out of scope for this driver; the gateway proxies embeddings directly
rather than through a provider-specific adapter.

# Context propagation

WithPreviousResponseID / PreviousResponseIDFromContext carry the Responses
API's previous_response_id across a multi-turn conversation.
*/
package openai
