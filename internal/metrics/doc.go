/*
Package metrics provides Prometheus-based metrics collection for the
durable-execution core, covering policy enforcement, task execution,
checkpointing, and circuit-breaker dimensions.

# Overview

The Collector registers and records Prometheus metrics against a caller
supplied Registerer, under one namespace, with label grouping suitable for
Grafana dashboards and alerting.

# Main capabilities

  - Enforcer metrics: decision counts by outcome/violation and decision
    latency histogram (the gate carries a sub-10ms budget).
  - Executor metrics: attempt counts by persona/status, execution duration.
  - Checkpoint metrics: writes, validation failures, retention deletes.
  - Circuit-breaker metrics: current state gauge and trip counter.

This package is internal and should not be imported by external projects.
*/
package metrics
