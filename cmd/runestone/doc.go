// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 Runestone 网关的可执行入口。

# 概述

cmd/runestone 是网关的可执行入口：加载配置、装配鉴权/限流/路由/
熔断/重试/溢出队列等组件，并暴露 OpenAI 兼容的 HTTP API。

# 核心类型

  - Server      — 主服务器，持有 Admission、Pipeline、可选的溢出队列
    与 Drainer，管理 API、Metrics 双端口及优雅关闭
  - Middleware   — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestLogger、MetricsMiddleware、OTelTracing、
    SecurityHeaders、RequestID、CORS、RateLimiter（基于 IP）
  - 鉴权/限流：internal/httpapi.Admission 承担 Bearer Key 校验与滑动
    窗口/并发限流，取代按路径跳过的 API Key 中间件
  - 溢出队列：并发超限的 POST 请求可排队至 internal/overflow.Store，
    由 Drainer 在容量恢复后重放
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止 Drainer → 关闭 HTTP → 关闭 Metrics → Wait
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
