// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供网关的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 router、providers、
api 等上层模块提供统一的类型契约。所有跨包共享的结构体、枚举和
错误码均定义于此，以避免循环依赖。

# 核心类型

  - Message           — 对话消息（Role、Content、ToolCalls、Images）
  - ToolSchema        — 工具定义（name + description + JSON Schema parameters）
  - ToolResult        — 工具执行结果
  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - APIError          — OpenAI 兼容的错误响应体
  - Principal         — 已解析的调用方身份（附加到请求 context）
  - TokenUsage        — token 用量统计

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithPrincipal / WithRequestID 等
  - 错误工具链：IsRetryable / GetErrorCode / ToAPIError
  - Token 估算：EstimateTokenizer（中英文字符分别计算）
*/
package types
