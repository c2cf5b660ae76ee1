// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package metrics provides Prometheus-based instrumentation for the
gateway's admission, routing, resilience and streaming layers.

# Overview

Collector registers every instrument through promauto, so there is no
manual Registry bookkeeping. Instruments are grouped by concern and
labeled so Grafana-style dashboards can slice by provider, outcome or
HTTP status class.

# Core types

  - Collector: holds every Counter/Histogram/Gauge the gateway emits,
    grouped by the component that owns the event.

# Coverage

  - HTTP surface: request totals and duration, by method/path/status class.
  - Admission: auth/rate-limit outcomes.
  - Upstream calls: totals, duration, token usage, cost, by provider/model.
  - Circuit breaker: state gauge and transition counter, by provider.
  - Retry: attempt outcomes, by provider.
  - Failover: attempt results, by service/provider.
  - Overflow queue: enqueue/drain counters and current depth gauge.
  - Stream relay: session duration and bytes relayed, by provider/outcome.
*/
package metrics
