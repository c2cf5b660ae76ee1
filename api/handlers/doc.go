// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供网关 OpenAI 兼容 HTTP API 的请求处理器实现。

# 概述

handlers 包实现了网关所有 HTTP 端点的请求处理逻辑，
包括聊天补全、补全（legacy）、模型列表、向量嵌入、健康检查
以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - CompletionsHandler — /v1/chat/completions、/v1/completions 处理器，
    支持同步 JSON 响应与 SSE 流式响应
  - ModelsHandler      — /v1/models、/v1/models/{id} 处理器
  - EmbeddingsHandler  — /v1/embeddings 处理器
  - HealthHandler      — 服务健康检查（/health, /healthz, /ready, /version）
  - Response           — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo          — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter     — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck        — 可插拔健康检查接口（Database、Redis 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - SSE 流式输出：CompletionsHandler.stream 支持 text/event-stream
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
